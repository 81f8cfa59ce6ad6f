// Copyright 2025 James Ross
package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/admission"
	"github.com/kelsjon3/stablequeue/internal/audit"
	"github.com/kelsjon3/stablequeue/internal/catalog"
	"github.com/kelsjon3/stablequeue/internal/config"
	"github.com/kelsjon3/stablequeue/internal/dispatcher"
	"github.com/kelsjon3/stablequeue/internal/pushgateway"
	"github.com/kelsjon3/stablequeue/internal/queue"
	"github.com/kelsjon3/stablequeue/internal/ratelimit"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

// Deps bundles the components the REST surface is a thin adapter over.
type Deps struct {
	Queue         *queue.Store
	Registry      *registry.Store
	Catalog       *catalog.Store
	CatalogConfig config.Catalog
	Admission     *admission.Layer
	Dispatcher    *dispatcher.Dispatcher
	Gateway       *pushgateway.Gateway
	Limiter       *ratelimit.Limiter
	Audit         *audit.Logger
	Log           *zap.Logger
}

// NewServer builds the routed, middleware-wrapped HTTP handler.
func NewServer(cfg *config.Config, d Deps, hmacKey []byte) *http.Server {
	h := &handler{deps: d}
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.HandleFunc("/ws", d.Gateway.ServeWS)

	for _, v := range []string{"v1", "v2"} {
		version := v
		sub := r.PathPrefix("/api/" + version).Subrouter()
		sub.HandleFunc("/generate", h.generate(version)).Methods(http.MethodPost)
		sub.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
		sub.HandleFunc("/jobs/{id}/status", h.jobStatus).Methods(http.MethodGet)
		sub.HandleFunc("/jobs/{id}/cancel", h.cancelJob).Methods(http.MethodPost)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/jobs/{id}", h.deleteJob).Methods(http.MethodDelete)
	v1.HandleFunc("/backends", h.listBackends).Methods(http.MethodGet)
	v1.HandleFunc("/backends", h.createBackend).Methods(http.MethodPost)
	v1.HandleFunc("/backends/{alias}", h.upsertBackend).Methods(http.MethodPut)
	v1.HandleFunc("/backends/{alias}", h.deleteBackend).Methods(http.MethodDelete)
	v1.HandleFunc("/models", h.listModels).Methods(http.MethodGet)
	v1.HandleFunc("/models/scan", h.scanModels).Methods(http.MethodPost)
	v1.HandleFunc("/models/{id}/preview", h.modelPreview).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = RecoveryMiddleware(d.Log)(handler)
	handler = RequestIDMiddleware()(handler)
	if cfg.Server.CORSEnabled {
		handler = CORSMiddleware(cfg.Server.CORSAllowOrigins)(handler)
	}
	if cfg.Admission.RateLimitEnabled {
		handler = RateLimitMiddleware(d.Limiter, cfg.Admission.DefaultRateTier, d.Registry)(handler)
	}
	if cfg.Admission.RequireAuth {
		handler = AuthMiddleware(d.Registry, hmacKey, d.Log)(handler)
	}

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
}

type handler struct {
	deps Deps
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auditLog records a destructive operation; failures are logged but
// never block the response that follows.
func (h *handler) auditLog(action, resource, actor string) {
	if h.deps.Audit == nil {
		return
	}
	if err := h.deps.Audit.Log(audit.Entry{Action: action, Resource: resource, Actor: actor, Result: "ok"}); err != nil {
		h.deps.Log.Warn("audit log write failed", zap.Error(err))
	}
}
