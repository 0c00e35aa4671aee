// The sweeper advances time-based state the API enforces lazily:
// dispute deadlines and overdue tax filings. It runs alongside the API
// and is safe to run in multiple copies; every transition re-checks
// state under a row lock.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"settleflow/compliance"
	"settleflow/config"
	"settleflow/dao"
	"settleflow/db"
	"settleflow/dispute"
	"settleflow/escrow"
	"settleflow/outbox"
	"settleflow/tax"
)

const sweepBatchLimit = 200

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	store := config.NewStore(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	events := outbox.NewWriter()
	alerts := compliance.NewRepository(pool)

	escrowSvc := escrow.NewService(pool, escrow.NewRepository(pool), nil, events, store)
	disputeSvc := dispute.NewService(pool, dispute.NewRepository(pool), escrowSvc, dao.NewRepository(pool), events, store)
	escrowSvc.WithDisputeOpener(disputeSvc)

	taxSvc := tax.NewService(pool, tax.NewRepository(pool), tax.NewHTTPFiler(cfg.TaxFilingURL), alerts, events, store)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return every(ctx, store.Current().SweepInterval, func(ctx context.Context) {
			n, err := disputeSvc.SweepExpired(ctx, sweepBatchLimit)
			if err != nil {
				slog.Error("dispute sweep", "error", err)
				return
			}
			if n > 0 {
				slog.Info("dispute sweep advanced", "count", n)
			}
		})
	})

	g.Go(func() error {
		// Tax filings are due daily at most; an hourly check is plenty.
		return every(ctx, time.Hour, func(ctx context.Context) {
			n, err := taxSvc.SweepDue(ctx, sweepBatchLimit)
			if err != nil {
				slog.Error("tax sweep", "error", err)
				return
			}
			if n > 0 {
				slog.Info("tax filings submitted", "count", n)
			}
		})
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("sweeper stopped", "error", err)
		os.Exit(1)
	}
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}
