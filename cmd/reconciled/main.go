// Command reconciled is the long-running reconciliation service:
// owns the rate limiter singleton, the B-Client, the store handle, and
// exposes the four orchestrator operations over HTTP per spec.md §6.
// It is this module's analogue of the teacher's cmd/flow-ingester and
// cmd/flow-consumer entry points.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brightfield/reconsync/internal/config"
	"github.com/brightfield/reconsync/pkg/api"
	"github.com/brightfield/reconsync/pkg/astore"
	"github.com/brightfield/reconsync/pkg/bclient"
	"github.com/brightfield/reconsync/pkg/conflict"
	"github.com/brightfield/reconsync/pkg/crosswalk"
	"github.com/brightfield/reconsync/pkg/executor"
	"github.com/brightfield/reconsync/pkg/lock"
	"github.com/brightfield/reconsync/pkg/orchestrator/backfill"
	"github.com/brightfield/reconsync/pkg/orchestrator/bidirectional"
	"github.com/brightfield/reconsync/pkg/orchestrator/diagnostic"
	"github.com/brightfield/reconsync/pkg/orchestrator/idrepair"
	"github.com/brightfield/reconsync/pkg/progress"
	"github.com/brightfield/reconsync/pkg/ratelimit"
	"github.com/brightfield/reconsync/pkg/shadow"
	"github.com/brightfield/reconsync/pkg/store"
	"github.com/brightfield/reconsync/pkg/synclog"
)

// snapshotInterval is how often the rate limiter's utilization snapshot
// is persisted to sync_state for the operator dashboard.
const snapshotInterval = 15 * time.Second

// watchdogInterval matches spec.md §5's "queries sync_status.*
// every minute".
const watchdogInterval = time.Minute

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("reconciled: fatal error")
	}
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	if lvl, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.PerWindow, cfg.RateLimit.Window)
	client, err := bclient.New(cfg.B.BaseURL, cfg.B.Token, limiter)
	if err != nil {
		return fmt.Errorf("building B client: %w", err)
	}

	cw := crosswalk.New(db, cfg.Backfill.ChunkSizePhase12)
	sh := shadow.New(db)
	cf := conflict.New(db)
	sl := synclog.New(db)
	a := astore.New(db)
	p := progress.New(db)
	exec := executor.New(lock.New(), cw, sh, cf, sl, a, client)

	srv := &api.Server{
		RequireAdmin: api.NewSharedSecretAdmin(cfg.Admin.SharedSecret),
		Backfill: backfill.New(p, cw, sh, a, client,
			backfill.WithChunkSizes(cfg.Backfill.ChunkSizePhase12, cfg.Backfill.ChunkSizePhase3)),
		Bidi: bidirectional.New(p, cw, a, client, exec),
		IDRepair: idrepair.New(cw, client,
			idrepair.WithChunkSize(cfg.IDRepair.ChunkSize),
			idrepair.WithRequestSpacing(cfg.IDRepair.RequestSpacing)),
		Diagnostic: diagnostic.New(p, cw, a, client,
			diagnostic.WithDefaultBatchSize(cfg.Diagnostic.BatchSize)),
	}

	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: srv.Routes()}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		limiter.RunSnapshotLoop(gctx, p, snapshotInterval)
		return nil
	})
	group.Go(func() error {
		runWatchdog(gctx, p)
		return nil
	})
	group.Go(func() error {
		log.WithField("addr", cfg.Server.Addr).Info("reconciled: listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("reconciled: caught signal, shutting down")
		case <-gctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		return err
	}
	log.Info("reconciled: goodbye")
	return nil
}

// runWatchdog implements spec.md §5's stall detection: every minute,
// check whether backfill claims "running" but hasn't updated its
// checkpoint in over 10 minutes, and log a stall alert. Only backfill
// is checked: the bidirectional orchestrator persists no running
// status or last-update time, so its stalls are not detected. The
// operator-triggered resume itself is just a normal re-invocation of
// the same orchestrator with its checkpointed cursor, so there is
// nothing more for the watchdog to do than surface the alert.
func runWatchdog(ctx context.Context, p progress.Store) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkStall(ctx, p)
		}
	}
}

func checkStall(ctx context.Context, p progress.Store) {
	bp, err := progress.GetBackfillProgress(ctx, p)
	if err != nil {
		return
	}
	if bp.Status != progress.StatusRunning {
		return
	}
	if time.Since(bp.LastUpdatedAt) > 10*time.Minute {
		log.WithFields(log.Fields{
			"phase":         bp.Phase,
			"lastUpdatedAt": bp.LastUpdatedAt,
		}).Warn("reconciled: backfill appears stalled, awaiting operator-triggered resume")
	}
}
