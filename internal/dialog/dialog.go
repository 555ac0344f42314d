// Package dialog holds the per-Call-ID Dialog Context table and the two
// Transaction Shortcut maps (pending-request, invite-branch), per
// spec.md §3/§4.6. Each table is guarded by its own lock; no operation
// holds more than one table's lock, and none is held across an I/O send.
package dialog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sipcore/proxy/sip"
)

// State is the Dialog Context lifecycle state.
type State int

const (
	Early State = iota
	Confirmed
	Terminating
)

func (s State) String() string {
	switch s {
	case Early:
		return "early"
	case Confirmed:
		return "confirmed"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Context is one Dialog Context, keyed externally by Call-ID.
type Context struct {
	CallID         string
	CallerEndpoint sip.Addr
	CalleeEndpoint sip.Addr
	CreatedAt      time.Time
	LastActivity   time.Time
	State          State
}

// Table is the Dialog Context map.
type Table struct {
	mu      sync.RWMutex
	dialogs map[string]*Context
	logger  *slog.Logger
}

// NewTable builds an empty Dialog Context table.
func NewTable(logger *slog.Logger) *Table {
	return &Table{dialogs: make(map[string]*Context), logger: logger.With("component", "dialog")}
}

// Create installs a new early-state Dialog Context. Per spec.md §3, exactly
// one context may exist per Call-ID while a call is alive; Create
// overwrites any stale entry for the same Call-ID (the invariant is
// enforced by the routing engine never calling Create twice for one live
// call, not by this method refusing a second call).
func (t *Table) Create(callID string, caller, callee sip.Addr) *Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	ctx := &Context{
		CallID:         callID,
		CallerEndpoint: caller,
		CalleeEndpoint: callee,
		CreatedAt:      now,
		LastActivity:   now,
		State:          Early,
	}
	t.dialogs[callID] = ctx
	return ctx
}

// Get returns the Dialog Context for callID, or nil.
func (t *Table) Get(callID string) *Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dialogs[callID]
}

// Touch updates last-activity-time and optionally the state, if the
// context still exists. Returns false if no context was found.
func (t *Table) Touch(callID string, newState *State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.dialogs[callID]
	if !ok {
		return false
	}
	ctx.LastActivity = time.Now()
	if newState != nil {
		ctx.State = *newState
	}
	return true
}

// Remove deletes the Dialog Context for callID, returning it (or nil).
func (t *Table) Remove(callID string) *Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, ok := t.dialogs[callID]
	if !ok {
		return nil
	}
	delete(t.dialogs, callID)
	return ctx
}

// Count returns the number of live dialog contexts.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.dialogs)
}

// SweepIdle removes contexts whose LastActivity predates the cutoff under
// the table's lock, then, after releasing it, invokes onTimeout on each
// removed context (used by the engine to emit the Timeout CDR row from the
// context's fields). Because the lock is no longer held, onTimeout may call
// back into this table.
func (t *Table) SweepIdle(cutoff time.Time, onTimeout func(*Context)) int {
	t.mu.Lock()
	var stale []*Context
	for callID, ctx := range t.dialogs {
		if ctx.LastActivity.Before(cutoff) {
			stale = append(stale, ctx)
			delete(t.dialogs, callID)
		}
	}
	t.mu.Unlock()

	for _, ctx := range stale {
		if onTimeout != nil {
			onTimeout(ctx)
		}
	}
	return len(stale)
}

// PendingEntry is one pending-request shortcut: the source endpoint of the
// most recently forwarded request for a Call-ID.
type PendingEntry struct {
	Source    sip.Addr
	UpdatedAt time.Time
}

// PendingTable is the pending-request Call-ID -> source-endpoint map.
type PendingTable struct {
	mu      sync.RWMutex
	entries map[string]PendingEntry
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[string]PendingEntry)}
}

func (p *PendingTable) Set(callID string, source sip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[callID] = PendingEntry{Source: source, UpdatedAt: time.Now()}
}

func (p *PendingTable) Get(callID string) (PendingEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[callID]
	return e, ok
}

func (p *PendingTable) Remove(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, callID)
}

func (p *PendingTable) SweepOlderThan(cutoff time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for callID, e := range p.entries {
		if e.UpdatedAt.Before(cutoff) {
			delete(p.entries, callID)
			removed++
		}
	}
	return removed
}

// InviteBranchEntry records an INVITE's top-Via branch so a later CANCEL
// can reuse it.
type InviteBranchEntry struct {
	Branch    string
	CreatedAt time.Time
}

// InviteBranchTable is the invite-branch Call-ID -> branch map.
type InviteBranchTable struct {
	mu      sync.RWMutex
	entries map[string]InviteBranchEntry
}

func NewInviteBranchTable() *InviteBranchTable {
	return &InviteBranchTable{entries: make(map[string]InviteBranchEntry)}
}

func (ib *InviteBranchTable) Set(callID, branch string) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.entries[callID] = InviteBranchEntry{Branch: branch, CreatedAt: time.Now()}
}

func (ib *InviteBranchTable) Get(callID string) (string, bool) {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	e, ok := ib.entries[callID]
	return e.Branch, ok
}

// Consume removes and returns the branch, for the one-shot "CANCEL
// consumed" lifecycle transition in spec.md's lifecycle table.
func (ib *InviteBranchTable) Consume(callID string) (string, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	e, ok := ib.entries[callID]
	if ok {
		delete(ib.entries, callID)
	}
	return e.Branch, ok
}

func (ib *InviteBranchTable) SweepOlderThan(cutoff time.Time) int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	removed := 0
	for callID, e := range ib.entries {
		if e.CreatedAt.Before(cutoff) {
			delete(ib.entries, callID)
			removed++
		}
	}
	return removed
}
