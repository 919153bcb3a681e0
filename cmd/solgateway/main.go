// Command solgateway runs the resilient Solana JSON-RPC aggregation
// gateway: a pool of upstream RPC endpoints behind a retry driver, a
// sqlite-backed response cache, and the five read routes of the HTTP API.
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/soleco-io/solana-gateway/internal/cache"
	"github.com/soleco-io/solana-gateway/internal/config"
	"github.com/soleco-io/solana-gateway/internal/httpapi"
	"github.com/soleco-io/solana-gateway/internal/logging"
	"github.com/soleco-io/solana-gateway/internal/pool"
	"github.com/soleco-io/solana-gateway/internal/query"
	"github.com/soleco-io/solana-gateway/internal/retry"
	"github.com/soleco-io/solana-gateway/internal/scan"
	"github.com/soleco-io/solana-gateway/internal/sslpolicy"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides SOLGATEWAY_HTTP_ADDR)")
	cachePath := flag.String("cache", "", "sqlite cache path (overrides SOLGATEWAY_CACHE_PATH)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := config.Load()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *cachePath != "" {
		cfg.CachePath = *cachePath
	}
	if *debug {
		cfg.Debug = true
	}
	logging.Init(cfg.Debug)
	log := logging.Named("main")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ssl := sslpolicy.New()
	p := pool.New(ssl, cfg.PoolSize, cfg.MaxConsecutiveFailures)

	initCtx, initCancel := context.WithTimeout(ctx, cfg.EndpointTimeout*time.Duration(len(cfg.Endpoints)+1))
	defer initCancel()
	if err := p.Initialize(initCtx, cfg.Endpoints); err != nil {
		log.Fatalw("pool initialize", "error", err)
	}
	defer p.Close()

	driver := retry.NewWithOptions(p, ssl, cfg.MaxRetries, cfg.RetryDelay)
	handler := query.New(p, driver)
	pipeline := scan.New(handler)

	c, err := cache.Open(cfg.CachePath)
	if err != nil {
		log.Fatalw("cache open", "error", err)
	}
	defer c.Close()

	server := httpapi.New(handler, pipeline, p, c)
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server,
	}

	go func() {
		log.Infow("listening", "addr", cfg.HTTPAddr, "endpoints", len(cfg.Endpoints))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("http server", "error", err)
		}
	}()

	<-ctx.Done()
	log.Infow("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http server shutdown", "error", err)
	}
}
