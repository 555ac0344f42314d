// Command sipproxy runs the SIP proxy core: a single UDP listener, the
// registrar, dialog/transaction tables, the routing engine, the CDR
// recorder, and the periodic timer sweep, wired together per spec.md §4.10.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipcore/proxy/internal/auth"
	"github.com/sipcore/proxy/internal/cdr"
	"github.com/sipcore/proxy/internal/config"
	"github.com/sipcore/proxy/internal/dialog"
	"github.com/sipcore/proxy/internal/logging"
	"github.com/sipcore/proxy/internal/metrics"
	"github.com/sipcore/proxy/internal/proxy"
	"github.com/sipcore/proxy/internal/registrar"
	"github.com/sipcore/proxy/internal/timer"
	"github.com/sipcore/proxy/internal/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "sipproxy:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	snapshot := config.NewSnapshot(cfg)

	logger := logging.New(cfg.LogLevel)
	m := metrics.New()

	reg := registrar.New(logger)
	dialogs := dialog.NewTable(logger)
	pending := dialog.NewPendingTable()
	branches := dialog.NewInviteBranchTable()
	recorder := cdr.New("CDR", logger, func() bool { return snapshot.Load().CDRMergeMode })
	authenticator := auth.New(logger)

	bindAddr := cfg.AdvertisedHost()
	udp, err := transport.New(bindAddr, logger)
	if err != nil {
		return fmt.Errorf("binding udp socket on %s: %w", bindAddr, err)
	}
	defer udp.Close()

	engine := proxy.New(snapshot, reg, dialogs, pending, branches, recorder, authenticator, udp, m, logger)

	onDialogTimeout := func(ctx *dialog.Context) {
		key := cdr.DedupKey(cdr.Call, ctx.CallID, 0)
		recorder.RecordOrUpdate(key, cdr.Call, ctx.CallID, cdr.MilestoneEnded, func(row *cdr.Row) {
			row.State = cdr.StateFailed
			row.Reason = "Timeout"
		})
		if err := recorder.Flush(key, false); err != nil {
			logger.Error("failed to flush timed-out dialog cdr row", "error", err, "call_id", ctx.CallID)
		} else if m != nil {
			m.CDRRowsWritten.Inc()
		}
	}
	wheel := timer.New(reg, dialogs, pending, branches, recorder, authenticator, m, logger, onDialogTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
	}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	go wheel.Run(ctx)

	logger.Info("sipproxy listening", "addr", udp.LocalAddr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- udp.Serve(ctx, engine.HandleDatagram)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("transport serve failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := recorder.FlushAll(); err != nil {
		logger.Error("failed to flush cdr rows at shutdown", "error", err)
	}
	return nil
}
