// Copyright 2025 James Ross
package admission

import (
	"context"
	"testing"

	"github.com/kelsjon3/stablequeue/internal/apierr"
	"github.com/kelsjon3/stablequeue/internal/config"
	"github.com/kelsjon3/stablequeue/internal/queue"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

func newTestLayer(t *testing.T, requireAuth bool) (*Layer, *queue.Store, *registry.Store) {
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
	if err := reg.Upsert(ctx, registry.Backend{Alias: "A", BaseURL: "http://b/"}); err != nil {
		t.Fatalf("upsert backend: %v", err)
	}
	cfg := config.AdmissionConfig{RequireAuth: requireAuth}
	return New(cfg, q, reg), q, reg
}

func TestSubmitHappyPathNormalizesCheckpoint(t *testing.T) {
	l, _, _ := newTestLayer(t, false)
	resp, err := l.Submit(context.Background(), SubmitRequest{
		TargetBackend: "A", AppType: "forge",
		GenerationParams: map[string]interface{}{"checkpoint_name": `models\sdxl\base.safetensors`},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if resp.QueuePosition != 1 {
		t.Fatalf("expected queue position 1, got %d", resp.QueuePosition)
	}
}

func TestSubmitLegacyCheckpointFallback(t *testing.T) {
	l, q, _ := newTestLayer(t, false)
	resp, err := l.Submit(context.Background(), SubmitRequest{
		TargetBackend: "A", AppType: "forge",
		GenerationParams: map[string]interface{}{"sd_checkpoint": "old.ckpt"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := q.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.GenerationParams["checkpoint_name"] != "old.ckpt" {
		t.Fatalf("expected checkpoint_name copied from legacy field, got %+v", job.GenerationParams)
	}
}

func TestSubmitMissingCheckpointIsBadRequest(t *testing.T) {
	l, _, _ := newTestLayer(t, false)
	_, err := l.Submit(context.Background(), SubmitRequest{
		TargetBackend: "A", AppType: "forge",
		GenerationParams: map[string]interface{}{"prompt": "x"},
	})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.InvalidFieldValue {
		t.Fatalf("expected invalid_field_value, got %v", err)
	}
}

func TestSubmitBogusAppTypeIsRejected(t *testing.T) {
	l, _, _ := newTestLayer(t, false)
	_, err := l.Submit(context.Background(), SubmitRequest{
		TargetBackend: "A", AppType: "bogus",
		GenerationParams: map[string]interface{}{"checkpoint_name": "m.safetensors"},
	})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.MissingRequiredField {
		t.Fatalf("expected a validation rejection for unknown app_type, got %v", err)
	}
}

func TestSubmitEmptyAppTypeDefaultsToForge(t *testing.T) {
	l, q, _ := newTestLayer(t, false)
	resp, err := l.Submit(context.Background(), SubmitRequest{
		TargetBackend: "A",
		GenerationParams: map[string]interface{}{"checkpoint_name": "m.safetensors"},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := q.Get(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.AppType != "forge" {
		t.Fatalf("expected app_type to default to forge, got %q", job.AppType)
	}
}

func TestSubmitUnknownBackend(t *testing.T) {
	l, _, _ := newTestLayer(t, false)
	_, err := l.Submit(context.Background(), SubmitRequest{
		TargetBackend: "missing", GenerationParams: map[string]interface{}{"checkpoint_name": "m.safetensors"},
	})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.BackendNotFound {
		t.Fatalf("expected backend_not_found, got %v", err)
	}
}

func TestSubmitRequiresAuthWhenEnforced(t *testing.T) {
	l, _, _ := newTestLayer(t, true)
	_, err := l.Submit(context.Background(), SubmitRequest{
		TargetBackend: "A", GenerationParams: map[string]interface{}{"checkpoint_name": "m.safetensors"},
	})
	ae, ok := apierr.As(err)
	if !ok || ae.Kind != apierr.Unauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}
