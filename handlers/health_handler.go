package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/upb/jano/cache"
	"github.com/upb/jano/repositories/postgres"
	"github.com/upb/jano/rules"
	"github.com/upb/jano/utils"
	"go.uber.org/zap"
)

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	db     *postgres.DB
	redis  *redis.Client
	store  *rules.Store
	cache  *cache.Cache
	logger *zap.Logger
}

// NewHealthHandler creates a health handler
func NewHealthHandler(db *postgres.DB, redisClient *redis.Client, store *rules.Store, sharedCache *cache.Cache, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		redis:  redisClient,
		store:  store,
		cache:  sharedCache,
		logger: logger,
	}
}

// Healthz handles GET /healthz: the process is up.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz: the engine can actually decide. Requires a
// reachable database, a reachable redis and a loaded rule snapshot.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if err := h.db.HealthCheck(ctx); err != nil {
		checks["database"] = err.Error()
		ready = false
	} else {
		checks["database"] = "ok"
	}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		checks["redis"] = err.Error()
		ready = false
	} else {
		checks["redis"] = "ok"
	}

	if _, err := h.store.Snapshot(ctx); err != nil {
		checks["rules"] = err.Error()
		ready = false
	} else {
		checks["rules"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failed", zap.Any("checks", checks))
	}

	utils.WriteJSON(w, status, map[string]interface{}{
		"ready":  ready,
		"checks": checks,
		"cache":  h.cache.Stats(),
	})
}
