package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"tryonhub/internal/ratelimit"
	"tryonhub/internal/usertoken"
	"tryonhub/internal/util"
	"tryonhub/pkg/ai"
	"tryonhub/services/tryon/internal/app"
	"tryonhub/services/tryon/internal/config"
	"tryonhub/services/tryon/internal/server"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providerTimeout, _ := config.ParseDuration("providerTimeout", cfg.ProviderTimeout)
	presignExpiry, _ := config.ParseDuration("presignExpiry", cfg.PresignExpiry)
	quotaWindow, _ := config.ParseDuration("quotaWindow", cfg.QuotaWindow)
	jwtLeeway, _ := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dataStore.Close(closeCtx); err != nil {
			logger.Warn("store close failed", "err", err)
		}
	}()
	if cfg.CatalogSeedFile != "" {
		if err := seedCatalog(ctx, dataStore, cfg.CatalogSeedFile); err != nil {
			log.Fatalf("failed to seed catalog: %v", err)
		}
	}

	objects, err := openObjectStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	quota, err := ratelimit.NewQuotaLimiter(ratelimit.QuotaConfig{
		Client: redisClient,
		Limit:  cfg.QuotaLimit,
		Window: quotaWindow,
	})
	if err != nil {
		log.Fatalf("failed to init quota limiter: %v", err)
	}
	var uploadLimiter *ratelimit.FixedWindowLimiter
	if cfg.UploadRateLimitPerMinute > 0 {
		uploadLimiter, err = ratelimit.NewFixedWindowLimiter(redisClient, "tryon:upload", cfg.UploadRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init upload limiter: %v", err)
		}
	}

	generator, err := ai.NewGeminiClient(ai.GeminiConfig{
		APIKey:  cfg.GeminiAPIKey,
		Model:   cfg.GeminiModel,
		BaseURL: cfg.GeminiBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init image generator: %v", err)
	}

	publisher, err := openPublisher(cfg)
	if err != nil {
		log.Fatalf("failed to init event publisher: %v", err)
	}
	defer publisher.Close()

	tokenVerifier, err := usertoken.NewVerifier(ctx, usertoken.Config{
		JWKSURL:  cfg.AuthJWKSURL,
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   jwtLeeway,
		JWKS:     usertoken.JWKSOptions{HTTPClient: &http.Client{Timeout: 5 * time.Second}},
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	appCore, err := app.New(app.Config{
		Records:         dataStore,
		Gallery:         dataStore,
		Catalog:         dataStore,
		Objects:         objects,
		Generator:       generator,
		Quota:           quota,
		Events:          publisher,
		Metrics:         app.NewMetrics(registry),
		ProviderTimeout: providerTimeout,
		PresignExpiry:   presignExpiry,
		PublicObjectURL: cfg.PublicObjectURL,
		BatchMaxCount:   cfg.BatchMaxCount,
		MaxPhotoBytes:   cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:            appCore,
		TokenVerifier:  tokenVerifier,
		UploadLimiter:  uploadLimiter,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AllowedOrigins: cfg.CORSAllowedOrigins,
		TrustedProxies: proxies,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Generation holds the request open for the provider call.
		WriteTimeout: providerTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("tryon server listening", "addr", addr, "store", cfg.StoreDriver, "objects", cfg.ObjectStore, "model", generator.Model())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
