package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"autoos/internal/app"
	"autoos/internal/config"
	"autoos/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	cfgPath := os.Getenv("AO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "serve":
		runServe(ctx, cfg)
	case "sweep":
		runSweep(ctx, cfg)
	case "migrate":
		runMigrate(ctx, cfg)
	default:
		usage()
	}
}

func runServe(ctx context.Context, cfg config.Config) {
	appInstance, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("app init error: %v", err)
	}
	defer appInstance.Close()

	go func() {
		if err := appInstance.SweepLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("sweep loop stopped: %v", err)
		}
	}()
	go func() {
		if err := appInstance.PollLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("poll loop stopped: %v", err)
		}
	}()

	log.Printf("autoosd serving on %s", cfg.HTTP.Addr)
	if err := appInstance.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("server error: %v", err)
	}
}

func runSweep(ctx context.Context, cfg config.Config) {
	appInstance, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("app init error: %v", err)
	}
	defer appInstance.Close()

	report, err := appInstance.Renewal.Run(ctx)
	if err != nil {
		log.Fatalf("sweep error: %v", err)
	}
	log.Printf("sweep complete expired=%d warned=%d", report.Expired, report.Warned)
}

func runMigrate(ctx context.Context, cfg config.Config) {
	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer st.Close()
	if err := store.Migrate(ctx, st.DB()); err != nil {
		log.Fatalf("migration error: %v", err)
	}
	log.Println("migrations applied")
}

func usage() {
	fmt.Println("Usage: autoosd <serve|sweep|migrate>")
}
