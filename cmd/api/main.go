package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settleflow/auth"
	"settleflow/compliance"
	"settleflow/config"
	"settleflow/dao"
	"settleflow/db"
	"settleflow/dispute"
	"settleflow/escrow"
	"settleflow/httpapi"
	"settleflow/order"
	"settleflow/outbox"
	"settleflow/refund"
	"settleflow/tax"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	store := config.NewStore(cfg)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	events := outbox.NewWriter()
	alerts := compliance.NewRepository(pool)
	daoRepo := dao.NewRepository(pool)

	escrowRepo := escrow.NewRepository(pool)
	disputeRepo := dispute.NewRepository(pool)

	escrowSvc := escrow.NewService(pool, escrowRepo, nil, events, store)
	disputeSvc := dispute.NewService(pool, disputeRepo, escrowSvc, daoRepo, events, store)
	escrowSvc.WithDisputeOpener(disputeSvc)

	orderRepo := order.NewRepository(pool)
	orderSvc := order.NewService(pool, orderRepo, escrowRepo, events)

	refundRepo := refund.NewRepository(pool)
	refundSvc := refund.NewService(pool, refundRepo, orderSvc,
		refund.NewHTTPProvider(cfg.RefundProviderURL), alerts, events, store)

	taxRepo := tax.NewRepository(pool)
	taxSvc := tax.NewService(pool, taxRepo, tax.NewHTTPFiler(cfg.TaxFilingURL), alerts, events, store)

	authSvc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	api := &httpapi.API{
		Auth:     authSvc,
		Orders:   orderSvc,
		Escrows:  escrowSvc,
		Disputes: disputeSvc,
		Refunds:  refundSvc,
		Taxes:    taxSvc,
		Alerts:   alerts,
		DAO:      daoRepo,
		Cfg:      store,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api.Router())

	slog.Info("api listening", "addr", cfg.ListenAddr)
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		slog.Error("serve", "error", err)
		os.Exit(1)
	}
}
