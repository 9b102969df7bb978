// Package app wires the services of the fulfillment core from configuration. The API
// and worker binaries share it so both run against the same stack.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"KeyLedger/internal/apperr"
	"KeyLedger/internal/catalog"
	"KeyLedger/internal/config"
	"KeyLedger/internal/db"
	"KeyLedger/internal/delivery"
	"KeyLedger/internal/gateway"
	internalhttp "KeyLedger/internal/http"
	"KeyLedger/internal/inventory"
	"KeyLedger/internal/ledger"
	"KeyLedger/internal/licensekey"
	"KeyLedger/internal/notify"
	"KeyLedger/internal/payments"
	"KeyLedger/internal/pricing"
	"KeyLedger/internal/services"
	"KeyLedger/internal/store"
	"KeyLedger/internal/store/memstore"
	"KeyLedger/internal/worker"

	"github.com/bwmarrin/snowflake"
)

type App struct {
	Config *config.Config
	Logger *slog.Logger
	Store  store.Contract

	Orders    services.OrderService
	Ledger    ledger.Service
	Inventory inventory.Service
	Delivery  delivery.Service
	Payments  payments.Service

	closers []func()
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	switch cfg.Storage {
	case config.StorageMemory:
		logger.Warn("using in-memory storage, data is lost on exit")
		a.Store = memstore.New()
	default:
		pool, err := db.Connect(ctx, cfg.DB.DSN, db.Options{
			MaxConns:     cfg.DB.MaxConns,
			TraceQueries: cfg.DB.TraceQueries,
			Logger:       logger.With("component", "pgx"),
		})
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.Store = store.New(pool)
	}

	if cfg.Catalog.SeedPath != "" {
		p, c, err := SeedCatalogFile(ctx, a.Store, cfg.Catalog.SeedPath)
		if err != nil {
			a.Close()
			return nil, err
		}
		logger.Info("catalog seeded", "products", p, "campaigns", c)
	}

	keys, err := licensekey.NewKeyring(cfg.Keys.MasterSecret, cfg.Keys.Prefix)
	if err != nil {
		a.Close()
		return nil, err
	}
	node, err := snowflake.NewNode(cfg.Pricing.InvoiceNode)
	if err != nil {
		a.Close()
		return nil, err
	}

	var gw payments.Gateway
	if len(cfg.Gateway.BaseURLs) > 0 {
		mc, err := gateway.NewMultiClient(cfg.Gateway.BaseURLs, cfg.Gateway.APIKey, cfg.Gateway.FailoverThreshold)
		if err != nil {
			a.Close()
			return nil, err
		}
		gw = mc
	} else {
		gw = unavailableGateway{}
	}

	var mailer notify.Mailer = notify.LogMailer{Logger: logger}
	if cfg.Mail.BaseURL != "" {
		mailer = notify.NewHTTPMailer(cfg.Mail.BaseURL, cfg.Mail.APIKey, cfg.Mail.From)
	}

	cache := catalog.New(a.Store, catalog.Config{
		MaxCacheSize: cfg.Catalog.CacheSize,
		ExpiresAfter: cfg.CatalogTTL(),
	})

	a.Orders = services.OrderService{
		Store:    a.Store,
		Catalog:  cache,
		Pricing:  pricing.Service{Campaigns: a.Store, TaxPercent: cfg.Pricing.TaxPercent},
		Invoices: node,
		TTL:      cfg.OrderTTL(),
		Logger:   logger.With("component", "orders"),
	}
	a.Ledger = ledger.Service{Store: a.Store, Codes: node, Logger: logger.With("component", "ledger")}
	a.Inventory = inventory.Service{Store: a.Store, Keys: keys, Logger: logger.With("component", "inventory")}
	a.Delivery = delivery.Service{
		Store:  a.Store,
		Keys:   keys,
		Mailer: mailer,
		TTL:    cfg.RevealTTL(),
		Logger: logger.With("component", "delivery"),
	}
	a.Payments = payments.Service{
		Store:    a.Store,
		Orders:   a.Orders,
		Wallets:  a.Ledger,
		Gateway:  gw,
		Delivery: a.Delivery,
		Currency: cfg.Pricing.Currency,
		Logger:   logger.With("component", "payments"),
	}
	return a, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) Handler() *internalhttp.Handler {
	return &internalhttp.Handler{
		Wallets:            a.Ledger,
		Stock:              a.Inventory,
		Orders:             a.Orders,
		Payments:           a.Payments,
		Deliveries:         a.Delivery,
		AdminToken:         a.Config.Admin.Token,
		WebhookSecret:      a.Config.Gateway.WebhookSecret,
		SignatureTolerance: a.Config.SignatureTolerance(),
		Logger:             a.Logger.With("component", "http"),
	}
}

func (a *App) Worker() *worker.Worker {
	return &worker.Worker{
		Deliveries:            a.Delivery,
		Orders:                a.Orders,
		Payments:              a.Payments,
		Interval:              a.Config.WorkerInterval(),
		FeedEndpoints:         a.Config.Gateway.EventsURLs,
		FeedAPIKey:            a.Config.Gateway.APIKey,
		FeedFailoverThreshold: a.Config.Gateway.FailoverThreshold,
		Logger:                a.Logger.With("component", "worker"),
	}
}

// unavailableGateway answers when no gateway endpoint is configured, so wallet
// payments keep working.
type unavailableGateway struct{}

func (unavailableGateway) CreateSession(context.Context, gateway.SessionRequest) (*gateway.Session, error) {
	return nil, fmt.Errorf("no gateway endpoint configured: %w", apperr.ErrGatewayFailure)
}
