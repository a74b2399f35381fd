package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"autoos/internal/api"
	"autoos/internal/auth"
	"autoos/internal/config"
	"autoos/internal/entitlements"
	"autoos/internal/notify"
	"autoos/internal/observability"
	"autoos/internal/payments"
	"autoos/internal/renewal"
	"autoos/internal/store"
)

type App struct {
	Config config.Config
	Store  *store.Store
	Queue  *notify.Queue

	Entitlements *entitlements.Service
	Resolver     *payments.Resolver
	Webhook      *payments.StripeWebhook
	Renewal      *renewal.Service
	Handler      *api.Handler
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, st.DB()); err != nil {
		return nil, err
	}

	var queue *notify.Queue
	var notifier notify.Notifier
	if cfg.Redis.URL != "" {
		queue, err = notify.New(cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		notifier = queue
	} else {
		// No Redis means no delivery worker; obligations are kept in memory
		// for local runs and inspection.
		notifier = &notify.Recorder{}
	}

	observer := observability.NewEntitlementObserver(nil)
	entSvc := entitlements.NewService(cfg, st, observer)
	provider := payments.NewUPIProvider(cfg)
	resolver := payments.NewResolver(cfg, st, notifier, provider)
	webhook := payments.NewStripeWebhook(cfg, st, resolver)
	renewSvc := renewal.NewService(st, notifier, cfg.Renewal.WarnOffsets)
	authSvc := auth.NewService(cfg)
	handler := api.NewHandler(cfg, authSvc, entSvc, resolver, webhook)

	return &App{
		Config:       cfg,
		Store:        st,
		Queue:        queue,
		Entitlements: entSvc,
		Resolver:     resolver,
		Webhook:      webhook,
		Renewal:      renewSvc,
		Handler:      handler,
	}, nil
}

func (a *App) Close() error {
	var err error
	if a.Store != nil {
		err = a.Store.Close()
	}
	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	return err
}

func (a *App) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := a.Store.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if a.Queue != nil {
			if err := a.Queue.Ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	a.Handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              a.Config.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()
	return srv.ListenAndServe()
}

// SweepLoop runs the renewal sweep on a fixed cadence until the context ends.
func (a *App) SweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.Renewal.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report, err := a.Renewal.Run(ctx)
			if err != nil {
				log.Printf("renewal sweep failed: %v", err)
				continue
			}
			if report.Expired > 0 || report.Warned > 0 {
				log.Printf("renewal sweep expired=%d warned=%d", report.Expired, report.Warned)
			}
		}
	}
}

// PollLoop drives pending UPI intents through the gateway on a fixed cadence.
// UPI has no webhook push, so this loop is their only path to resolution.
func (a *App) PollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.Config.Payments.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.pollPendingUPI(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("upi poll pass failed: %v", err)
			}
		}
	}
}

func (a *App) pollPendingUPI(ctx context.Context) error {
	pending, err := a.Store.ListPendingBySource(ctx, payments.SourceUPI, 100)
	if err != nil {
		return err
	}
	for _, ent := range pending {
		if !ent.PaymentRef.Valid {
			continue
		}
		ref := ent.PaymentRef.String
		closed, err := a.Resolver.CloseOverdueIntent(ctx, ent)
		if err != nil {
			log.Printf("upi close overdue failed payment_ref=%s: %v", ref, err)
			continue
		}
		if closed {
			log.Printf("upi payment window lapsed payment_ref=%s", ref)
			continue
		}
		backoff := retry.WithMaxRetries(3, retry.NewExponential(500*time.Millisecond))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			status, err := a.Resolver.Poll(ctx, ref)
			if err != nil {
				// Only provider silence is worth retrying; everything else
				// waits for the next pass.
				if errors.Is(err, payments.ErrProviderTimeout) {
					return retry.RetryableError(err)
				}
				return err
			}
			if payments.TerminalStatus(status) {
				log.Printf("upi payment resolved payment_ref=%s status=%s", ref, status)
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			log.Printf("upi poll failed payment_ref=%s: %v", ref, err)
		}
	}
	return nil
}
