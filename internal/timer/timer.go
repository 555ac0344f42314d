// Package timer runs the periodic sweep that retires stale state across
// the Registrar, Dialog, pending-request, invite-branch, and CDR tables,
// per spec.md §4.7. All timer values derive from RFC 3261's T1=500ms,
// T2=4s, T4=5s at the family level; the constants below are the
// application-level values the engine actually enforces.
package timer

import (
	"context"
	"log/slog"
	"time"

	"github.com/sipcore/proxy/internal/auth"
	"github.com/sipcore/proxy/internal/cdr"
	"github.com/sipcore/proxy/internal/dialog"
	"github.com/sipcore/proxy/internal/metrics"
	"github.com/sipcore/proxy/internal/registrar"
)

const (
	// DefaultTick is how often the sweep runs; RFC 3261 T1=500ms, T2=4s,
	// T4=5s imply the proxy's own retransmission horizon is seconds, but
	// the sweep itself only needs to run often enough to keep the
	// below cleanup windows tight, not every T1.
	DefaultTick = 30 * time.Second

	DialogTimeout  = 3600 * time.Second
	PendingCleanup = 300 * time.Second
	BranchCleanup  = 60 * time.Second // longer than 64*T1 (32s)
	FlushedMaxAge  = 3600 * time.Second
)

// Wheel owns the references to every table it sweeps and the callback used
// to emit a Timeout CDR row for dialogs that expire idle.
type Wheel struct {
	registrar     *registrar.Registrar
	dialogs       *dialog.Table
	pending       *dialog.PendingTable
	inviteBranch  *dialog.InviteBranchTable
	cdrRecorder   *cdr.Recorder
	authenticator *auth.Authenticator
	metrics       *metrics.Metrics
	logger        *slog.Logger

	tick time.Duration

	onDialogTimeout func(*dialog.Context)
}

// New builds a Wheel. onDialogTimeout is invoked (outside any table lock)
// for each Dialog Context evicted for idleness, so the caller can emit the
// corresponding CDR row with state=FAILED reason=Timeout.
func New(
	reg *registrar.Registrar,
	dialogs *dialog.Table,
	pending *dialog.PendingTable,
	inviteBranch *dialog.InviteBranchTable,
	recorder *cdr.Recorder,
	authenticator *auth.Authenticator,
	m *metrics.Metrics,
	logger *slog.Logger,
	onDialogTimeout func(*dialog.Context),
) *Wheel {
	return &Wheel{
		registrar:       reg,
		dialogs:         dialogs,
		pending:         pending,
		inviteBranch:    inviteBranch,
		cdrRecorder:     recorder,
		authenticator:   authenticator,
		metrics:         m,
		logger:          logger.With("component", "timer"),
		tick:            DefaultTick,
		onDialogTimeout: onDialogTimeout,
	}
}

// Run blocks, sweeping every tick until ctx is cancelled.
func (w *Wheel) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepOnce()
		}
	}
}

func (w *Wheel) sweepOnce() {
	start := time.Now()
	now := start

	expiredBindings := w.registrar.SweepExpired(now)
	if expiredBindings > 0 {
		w.logger.Debug("TIMER-REGISTRAR sweep removed expired bindings", "count", expiredBindings)
	}

	timedOutDialogs := w.dialogs.SweepIdle(now.Add(-DialogTimeout), w.onDialogTimeout)
	if timedOutDialogs > 0 {
		w.logger.Info("TIMER-DIALOG sweep removed idle dialogs", "count", timedOutDialogs)
	}

	removedPending := w.pending.SweepOlderThan(now.Add(-PendingCleanup))
	if removedPending > 0 {
		w.logger.Debug("TIMER-PENDING sweep removed stale entries", "count", removedPending)
	}

	removedBranches := w.inviteBranch.SweepOlderThan(now.Add(-BranchCleanup))
	if removedBranches > 0 {
		w.logger.Debug("TIMER-BRANCH sweep removed stale entries", "count", removedBranches)
	}

	removedTombstones := w.cdrRecorder.SweepFlushed(FlushedMaxAge)
	if removedTombstones > 0 {
		w.logger.Debug("TIMER-CDR sweep removed tombstones", "count", removedTombstones)
	}

	if w.authenticator != nil {
		w.authenticator.Sweep()
	}

	if w.metrics != nil {
		w.metrics.ActiveDialogs.Set(float64(w.dialogs.Count()))
		w.metrics.ActiveBindings.Set(float64(w.registrar.Count()))
		w.metrics.TimerSweepDuration.Observe(time.Since(start).Seconds())
	}
}
