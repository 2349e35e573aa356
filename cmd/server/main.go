package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-gateway/internal/gateway"
	"hls-gateway/internal/platform/config"
	"hls-gateway/internal/platform/logger"
	"hls-gateway/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	secret := config.GetEnv("SECRET_KEY", "")
	baseURL := config.GetEnv("PUBLIC_BASE_URL", "http://localhost:"+port)
	defaultTTL := time.Duration(config.GetEnvInt("DEFAULT_TTL_MINUTES", 60)) * time.Minute
	maxViewers := config.GetEnvInt("MAX_VIEWERS_PER_STREAM", 10)
	cacheMaxBytes := config.GetEnvInt64("CACHE_MAX_BYTES", 100<<20)
	segmentFresh := config.GetEnvDuration("SEGMENT_FRESH_WINDOW", 30*time.Second)
	keyTimeout := config.GetEnvDuration("KEY_FETCH_TIMEOUT", 10*time.Second)
	reapInterval := config.GetEnvDuration("REAP_INTERVAL", 5*time.Minute)
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	if secret == "" {
		log.Error("SECRET_KEY must be set")
		os.Exit(1)
	}

	cipher, err := gateway.NewCipher(secret)
	if err != nil {
		log.Error("cipher init failed", "error", err)
		os.Exit(1)
	}

	registry := gateway.NewRegistry()
	tokens := gateway.NewTokenService(cipher, registry, secret, defaultTTL, maxViewers)
	rewriter := gateway.NewRewriter(cipher, "/proxy")
	cache := gateway.NewSegmentCache(cacheMaxBytes, segmentFresh)
	fetcher := gateway.NewFetcher(cipher, rewriter, cache, log, keyTimeout)
	met := metrics.New()
	h := gateway.NewHandler(tokens, registry, cache, fetcher, baseURL, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(registry.ActiveStreamCount())
			met.SetActiveViewers(registry.ViewerCount())
			met.SetCacheBytes(cache.Stats().Size)
		}).ServeHTTP(w, req)
	})
	r.Get("/healthz", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/streams", h.IssueToken)
		r.Post("/streams/validate", h.ValidateToken)
		r.Route("/streams/{stream_id}", func(r chi.Router) {
			r.Post("/stop", h.StopStream)
			r.Get("/stats", h.StreamStats)
		})
		r.Post("/viewers", h.JoinViewer)
		r.Delete("/viewers/{session_id}", h.LeaveViewer)
	})
	r.Route("/proxy", func(r chi.Router) {
		r.Get("/manifest", h.ProxyManifest)
		r.Get("/segment", h.ProxySegment)
		r.Get("/key", h.ProxyKey)
	})

	// Reaper: the only place expired/stopped streams are physically removed.
	reaperDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := registry.ReapExpired(time.Now().UTC()); n > 0 {
					log.Info("reaped expired streams", "count", n)
				}
			case <-reaperDone:
				return
			}
		}
	}()

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"default_ttl", defaultTTL.String(),
		"max_viewers_per_stream", maxViewers,
		"cache_max_bytes", cacheMaxBytes,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")
	close(reaperDone)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
