// Package registrar holds the in-memory address-of-record to
// contact-binding table, per spec.md §3/§4.4.
package registrar

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sipcore/proxy/sip"
)

// Binding is one Contact Binding tuple.
type Binding struct {
	ContactURI       sip.Uri
	RealSourceEndpoint sip.Addr
	ExpiryDeadline   time.Time
	CallID           string
	CSeq             uint32
	UserAgent        string
}

// key identifies a binding within one AOR's list: contact-URI plus the
// real source endpoint, per the no-duplicate-tuple invariant.
func (b Binding) key() string {
	return b.ContactURI.String() + "|" + b.RealSourceEndpoint.String()
}

// Registrar is the AOR -> []Binding table. List order within an AOR is
// binding-creation order, oldest first.
type Registrar struct {
	mu       sync.RWMutex
	bindings map[string][]Binding // AOR -> bindings
	logger   *slog.Logger
}

// New builds an empty Registrar.
func New(logger *slog.Logger) *Registrar {
	return &Registrar{
		bindings: make(map[string][]Binding),
		logger:   logger.With("component", "registrar"),
	}
}

// AOR derives the canonical Address-of-Record string from a URI: the user
// comparison is case-sensitive, the host comparison is case-insensitive.
func AOR(u sip.Uri) string {
	scheme := "sip"
	if u.Encrypted {
		scheme = "sips"
	}
	return scheme + ":" + u.User + "@" + strings.ToLower(u.Host)
}

// Upsert inserts or refreshes a binding for aor. Matching is by
// contact-URI + real-source-endpoint; a match refreshes in place at its
// existing list position rather than being appended again.
func (r *Registrar) Upsert(aor string, b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.bindings[aor]
	for i, existing := range list {
		if existing.key() == b.key() {
			list[i] = b
			r.bindings[aor] = list
			return
		}
	}
	r.bindings[aor] = append(list, b)
}

// Remove deletes the binding matching contact+source for aor. If that was
// the AOR's last binding, the AOR entry itself is removed. Returns true if
// a binding was found and removed.
func (r *Registrar) Remove(aor string, contact sip.Uri, source sip.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := Binding{ContactURI: contact, RealSourceEndpoint: source}.key()
	list := r.bindings[aor]
	for i, existing := range list {
		if existing.key() == target {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(r.bindings, aor)
			} else {
				r.bindings[aor] = list
			}
			return true
		}
	}
	return false
}

// RemoveAll removes every binding for aor (Contact: * with Expires: 0).
func (r *Registrar) RemoveAll(aor string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, aor)
}

// Bindings returns a snapshot copy of the current bindings for aor, in
// creation order. The returned slice is safe to read without holding the
// lock.
func (r *Registrar) Bindings(aor string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.bindings[aor]
	out := make([]Binding, len(list))
	copy(out, list)
	return out
}

// FirstActive returns the first binding for aor (selection policy hook for
// future extension; today this is simply list order), or ok=false if the
// AOR has no bindings.
func (r *Registrar) FirstActive(aor string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.bindings[aor]
	if len(list) == 0 {
		return Binding{}, false
	}
	return list[0], true
}

// Count returns the total number of bindings across all AORs, for the
// active-bindings gauge.
func (r *Registrar) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.bindings {
		n += len(list)
	}
	return n
}

// SweepExpired removes bindings whose ExpiryDeadline is in the past,
// returning the number removed. Invoked by the timer wheel.
func (r *Registrar) SweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for aor, list := range r.bindings {
		kept := list[:0:0]
		for _, b := range list {
			if now.After(b.ExpiryDeadline) {
				removed++
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			delete(r.bindings, aor)
		} else {
			r.bindings[aor] = kept
		}
	}
	return removed
}
