package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/datapool/datapool-gateway/internal/config"
	"github.com/datapool/datapool-gateway/internal/credit"
	"github.com/datapool/datapool-gateway/internal/durable"
	"github.com/datapool/datapool-gateway/internal/durable/async"
	durablepg "github.com/datapool/datapool-gateway/internal/durable/postgres"
	durablesql "github.com/datapool/datapool-gateway/internal/durable/sqlite"
	"github.com/datapool/datapool-gateway/internal/faststore"
	faststoremem "github.com/datapool/datapool-gateway/internal/faststore/memory"
	faststoreredis "github.com/datapool/datapool-gateway/internal/faststore/redis"
	"github.com/datapool/datapool-gateway/internal/httpserver"
	"github.com/datapool/datapool-gateway/internal/logging"
	"github.com/datapool/datapool-gateway/internal/metrics"
	"github.com/datapool/datapool-gateway/internal/ratelimit"
	"github.com/datapool/datapool-gateway/internal/reconcile"
	"github.com/datapool/datapool-gateway/internal/tokenauth"
	"github.com/datapool/datapool-gateway/internal/version"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		log.SetFlags(log.LstdFlags | log.Lmicroseconds)
		log.SetPrefix("[poolgated] ")
		defer rot.Close()
	}

	ctx := context.Background()

	fast, err := openFastStore(cfg)
	if err != nil {
		log.Fatalf("open fast store: %v", err)
	}
	defer fast.Close()

	// The fast store is the sole source of live truth; refuse to start
	// without it.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = fast.Ping(pingCtx)
	cancel()
	if err != nil {
		log.Fatalf("fast store unreachable: %v", err)
	}

	store, err := openDurableStore(cfg)
	if err != nil {
		log.Fatalf("open durable store: %v", err)
	}
	defer store.Close()

	prices, err := loadPrices(cfg)
	if err != nil {
		log.Fatalf("load price table: %v", err)
	}

	collector := metrics.NewCollector()

	txWriter := async.NewWriter(store, async.Config{
		BatchSize:     cfg.TxBatchSize,
		FlushInterval: cfg.TxFlushInterval,
		ChannelBuffer: cfg.TxChannelBuffer,
		Logger:        log.Default(),
	})
	defer txWriter.Close()

	service := credit.NewService(credit.Config{
		Fast:         fast,
		Durable:      store,
		TxWriter:     txWriter,
		Prices:       prices,
		Logger:       log.Default(),
		Collector:    collector,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := service.ColdStart(ctx); err != nil {
		log.Fatalf("cold start: %v", err)
	}

	auth := tokenauth.New(fast, store, cfg.AuthSecret)
	auth.SetLogger(log.Default())
	auth.SetCollector(collector)

	reconciler := reconcile.New(fast, store, cfg.ReconcileInterval, log.Default(), collector)
	reconciler.Start()
	defer reconciler.Stop()

	var limiter *ratelimit.Limiter
	if cfg.RateLimitPerSecond > 0 {
		limiter, err = buildLimiter(cfg)
		if err != nil {
			log.Fatalf("init rate limiter: %v", err)
		}
		defer limiter.Close()
	}

	server := httpserver.NewServer(httpserver.Config{
		Service:     service,
		Auth:        auth,
		Fast:        fast,
		Prices:      prices,
		Collector:   collector,
		Limiter:     limiter,
		AdminSecret: cfg.AdminSecret,
		Logger:      log.Default(),
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("poolgated %s listening on %s (env=%s fast=%s durable=%s)", version.FullInfo(), cfg.ListenAddress, cfg.Environment, cfg.FastStoreURL, cfg.DurableBackend)
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openFastStore(cfg config.Config) (faststore.Store, error) {
	if cfg.FastStoreURL == "memory" {
		return faststoremem.New(), nil
	}
	return faststoreredis.New(cfg.FastStoreURL)
}

func openDurableStore(cfg config.Config) (durable.Store, error) {
	if cfg.DurableBackend == "postgres" {
		return durablepg.New(cfg.PostgresDSN, cfg.PostgresMaxOpen, cfg.PostgresMaxIdle)
	}
	return durablesql.New(cfg.SQLitePath)
}

func buildLimiter(cfg config.Config) (*ratelimit.Limiter, error) {
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = cfg.RateLimitPerSecond
	}
	var store ratelimit.Store
	if cfg.FastStoreURL != "memory" {
		// Replicas behind one Redis share the same buckets.
		rs, err := ratelimit.NewRedisStore(cfg.FastStoreURL)
		if err != nil {
			return nil, err
		}
		store = rs
	}
	return ratelimit.NewLimiter(store, burst, cfg.RateLimitPerSecond), nil
}

func loadPrices(cfg config.Config) (*credit.PriceTable, error) {
	if cfg.PriceTablePath == "" {
		return credit.NewPriceTable(nil), nil
	}
	return credit.LoadPriceTable(cfg.PriceTablePath)
}
