// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kelsjon3/stablequeue/internal/admission"
	"github.com/kelsjon3/stablequeue/internal/backendclient"
	"github.com/kelsjon3/stablequeue/internal/bus"
	"github.com/kelsjon3/stablequeue/internal/catalog"
	"github.com/kelsjon3/stablequeue/internal/config"
	"github.com/kelsjon3/stablequeue/internal/dispatcher"
	"github.com/kelsjon3/stablequeue/internal/monitor"
	"github.com/kelsjon3/stablequeue/internal/pushgateway"
	"github.com/kelsjon3/stablequeue/internal/queue"
	"github.com/kelsjon3/stablequeue/internal/ratelimit"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

type testHarness struct {
	queue    *queue.Store
	registry *registry.Store
	catalog  *catalog.Store
	srv      *httptest.Server
}

func newTestHarness(t *testing.T, cfg *config.Config) *testHarness {
	t.Helper()
	ctx := context.Background()

	q, err := queue.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	reg, err := registry.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	cat, err := catalog.Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	log := zap.NewNop()
	b := bus.New(16)
	client := backendclient.New(5 * time.Second)
	mon := monitor.New(cfg.Monitor, t.TempDir(), q, reg, client, b, log)
	disp := dispatcher.New(cfg.Dispatcher, cfg.CircuitBreaker, q, reg, mon, log)
	gw := pushgateway.New(b, q, cfg.Push.IdleTimeout, cfg.Push.HeartbeatInterval, log)
	admissionLayer := admission.New(cfg.Admission, q, reg)
	limiter := ratelimit.New(nil)

	deps := Deps{
		Queue:         q,
		Registry:      reg,
		Catalog:       cat,
		CatalogConfig: cfg.Catalog,
		Admission:     admissionLayer,
		Dispatcher:    disp,
		Gateway:       gw,
		Limiter:       limiter,
		Log:           log,
	}

	server := NewServer(cfg, deps, []byte("test-hmac-key"))
	srv := httptest.NewServer(server.Handler)
	t.Cleanup(srv.Close)

	return &testHarness{queue: q, registry: reg, catalog: cat, srv: srv}
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.Server{Port: 0, CORSEnabled: false},
		Catalog: config.Catalog{
			RootPath:     "./testdata",
			IncludeGlobs: []string{"**/*"},
			ExcludeGlobs: nil,
		},
		Monitor: config.Monitor{
			PollInterval:      10 * time.Millisecond,
			MaxSubmitRetries:  3,
			MaxPollFailures:   5,
			MaxCollectRetries: 3,
			SubmitBackoff:     config.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, RandomizationFactor: 0},
			CollectBackoff:    config.Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, RandomizationFactor: 0},
		},
		Dispatcher: config.Dispatcher{
			RegistryPoll:        time.Second,
			IdleScanInterval:    10 * time.Millisecond,
			UnknownBackendGrace: time.Second,
		},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 1,
			Window:           time.Minute,
			CooldownPeriod:   time.Millisecond,
			MinSamples:       1 << 30,
		},
		Push: config.Push{
			IdleTimeout:       time.Minute,
			HeartbeatInterval: 30 * time.Second,
			SubscriberBuffer:  16,
		},
		Admission: config.AdmissionConfig{
			RequireAuth:      false,
			RateLimitEnabled: false,
			DefaultRateTier:  "standard",
		},
	}
}
