package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"molva/internal/config"
	"molva/internal/http"
	"molva/internal/ops"
	"molva/internal/relay"
	"molva/internal/store"
)

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StoreDriver, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	r := relay.New(cfg.TypingTTL, slog.Default())

	relayServer := http.NewRelayServer(r, cfg.RelayAddr)
	opsServer := ops.NewServer(r, st, cfg.OpsAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start relay server
	g.Go(func() error {
		err := relayServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start ops server
	g.Go(func() error {
		err := opsServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := relayServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Relay server shutdown error: %v", err)
		}
		if err := opsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Ops server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
