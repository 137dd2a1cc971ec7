// Command storefront-cache serves storefront data from a client-side
// freshness cache kept up to date by the change feed.
//
// Configuration is read from FRESHNESS_* environment variables, optionally
// loaded from a .env file. See freshness.ConfigFromEnv.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/shopfront/freshness"
	"github.com/shopfront/freshness/internal/storefront"
	zlog "github.com/shopfront/freshness/pkg/logger/zerolog"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("storefront-cache", flag.ContinueOnError)
	var (
		addr       = flags.String("addr", ":8080", "listen address")
		envFile    = flags.String("env-file", ".env", "file to load environment variables from")
		envPrefix  = flags.String("env-prefix", freshness.DefaultEnvPrefix, "prefix of configuration variables")
		logLevel   = flags.String("log-level", "info", "debug, info, warn or error")
		maxWatches = flags.Int("max-watches", storefront.DefaultMaxWatches, "number of queries kept open")
		shutdown   = flags.Duration("shutdown-timeout", 5*time.Second, "graceful shutdown timeout")
	)
	if err := flags.Parse(args); err != nil {
		return err
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", *envFile, err)
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return err
	}
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("service", "storefront-cache").Logger()
	logger := zlog.New(zl)

	cfg, err := freshness.ConfigFromEnv(*envPrefix)
	if err != nil {
		return err
	}

	client, err := freshness.New(cfg, freshness.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("storefront-cache failed to close client", "error", err)
		}
	}()
	if err := client.Start(ctx); err != nil {
		return err
	}

	srv := storefront.New(client, storefront.WithLogger(logger), storefront.WithMaxWatches(*maxWatches))
	defer srv.Close()

	server := &http.Server{
		Addr:              *addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("storefront-cache listening", "addr", *addr, "transport", cfg.Transport)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return err
	}

	logger.Info("storefront-cache shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdown)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
