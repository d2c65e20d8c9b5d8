package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/upb/jano/cache"
	"github.com/upb/jano/config"
	"github.com/upb/jano/handlers"
	"github.com/upb/jano/middleware"
	"github.com/upb/jano/pipeline"
	"github.com/upb/jano/principal"
	"github.com/upb/jano/ratelimit"
	"github.com/upb/jano/repositories/postgres"
	"github.com/upb/jano/rules"
	"github.com/upb/jano/token"
	"github.com/upb/jano/violations"
	"go.uber.org/zap"
)

// Dependencies wires the engine together: infrastructure at the bottom,
// pipeline in the middle, HTTP handlers on top.
type Dependencies struct {
	Config *config.Config
	Logger *zap.Logger

	DB    *postgres.DB
	Redis *redis.Client
	Cache *cache.Cache

	RuleStore *rules.Store
	Sink      *violations.Sink
	Pipeline  *pipeline.Pipeline

	AuthMiddleware   *middleware.AuthMiddleware
	ValidateHandler  *handlers.ValidateHandler
	RuleHandler      *handlers.RuleHandler
	ViolationHandler *handlers.ViolationHandler
	PolicyHandler    *handlers.PolicyHandler
	HealthHandler    *handlers.HealthHandler

	stopCh chan struct{}
}

// NewDependencies builds the dependency graph and warms the rule snapshot.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	db, err := postgres.NewDB(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))

	sharedCache := cache.New(cfg.Engine.CacheMaxEntries)

	ruleRepo := postgres.NewRuleRepository(db, logger)
	violationRepo := postgres.NewViolationRepository(db, logger)

	ruleStore := rules.NewStore(ruleRepo, cfg.Engine.RuleRefreshInterval, logger)
	if err := ruleStore.Refresh(ctx); err != nil {
		// Startup proceeds; the store keeps trying and the pipeline
		// denies until a snapshot loads.
		logger.Warn("initial rule snapshot load failed", zap.Error(err))
	}

	verifier := token.NewVerifier(token.Config{
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
		JWKSURL:      cfg.Auth.JWKSURL,
		JWKSCacheTTL: cfg.Auth.JWKSCacheTTL,
		HTTPTimeout:  cfg.Auth.HTTPTimeout,
		Leeway:       cfg.Auth.Leeway,
		CacheTTL:     cfg.Engine.CacheTTL,
	}, token.NewRedisRevocationStore(redisClient), sharedCache, logger)

	resolver := principal.NewResolver(principal.Config{
		BaseURL:  cfg.Principal.BaseURL,
		Timeout:  cfg.Principal.Timeout,
		CacheTTL: cfg.Engine.CacheTTL,
	}, sharedCache, logger)

	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(redisClient), logger)
	registry := rules.NewRegistry(limiter, sharedCache, logger)

	sink := violations.NewSink(violationRepo, violations.Config{
		WriteTimeout: cfg.Engine.ViolationWriteTimeout,
	}, logger)

	pipe := pipeline.New(verifier, resolver, ruleStore, registry, sink, cfg.Engine.PipelineTimeout, logger)

	checker := rules.NewPolicyChecker(ruleStore, logger)
	authMiddleware := middleware.NewAuthMiddleware(verifier, resolver, logger)

	deps := &Dependencies{
		Config:           cfg,
		Logger:           logger,
		DB:               db,
		Redis:            redisClient,
		Cache:            sharedCache,
		RuleStore:        ruleStore,
		Sink:             sink,
		Pipeline:         pipe,
		AuthMiddleware:   authMiddleware,
		ValidateHandler:  handlers.NewValidateHandler(pipe, logger),
		RuleHandler:      handlers.NewRuleHandler(ruleRepo, ruleStore, logger),
		ViolationHandler: handlers.NewViolationHandler(violationRepo, sink, logger),
		PolicyHandler:    handlers.NewPolicyHandler(checker, cfg.Engine.FailOpenPasswordChecks, logger),
		HealthHandler:    handlers.NewHealthHandler(db, redisClient, ruleStore, sharedCache, logger),
		stopCh:           make(chan struct{}),
	}

	go ruleStore.StartRefreshWorker(deps.stopCh)
	go sharedCache.StartCleanupWorker(cfg.Engine.CacheTTL, deps.stopCh)

	return deps, nil
}

// Close shuts the dependency graph down in reverse order. Call after the
// HTTP server has stopped.
func (d *Dependencies) Close() {
	close(d.stopCh)
	d.Sink.Close()

	if err := d.Redis.Close(); err != nil {
		d.Logger.Error("failed to close redis client", zap.Error(err))
	}
	if err := d.DB.Close(); err != nil {
		d.Logger.Error("failed to close database", zap.Error(err))
	}
}
