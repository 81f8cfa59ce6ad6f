// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/kelsjon3/stablequeue/internal/registry"
)

func TestAuthMiddlewareRejectsMissingBearer(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.RequireAuth = true
	h := newTestHarness(t, cfg)

	resp, err := http.Get(h.srv.URL + "/api/v1/jobs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareAcceptsValidCredential(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.RequireAuth = true
	h := newTestHarness(t, cfg)
	ctx := context.Background()

	hmacKey := []byte("test-hmac-key")
	presented := "presented-secret"
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write([]byte(presented))
	secretHash := hex.EncodeToString(mac.Sum(nil))

	if err := h.registry.UpsertCredential(ctx, registry.Credential{
		KeyID:      "key1",
		DisplayKey: "key1-display",
		SecretHash: secretHash,
		Active:     true,
		RateTier:   "standard",
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer key1."+presented)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareRejectsWrongSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Admission.RequireAuth = true
	h := newTestHarness(t, cfg)
	ctx := context.Background()

	if err := h.registry.UpsertCredential(ctx, registry.Credential{
		KeyID:      "key1",
		DisplayKey: "key1-display",
		SecretHash: "deadbeef",
		Active:     true,
		RateTier:   "standard",
	}); err != nil {
		t.Fatalf("seed credential: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer key1.wrong-secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCORSPreflightReturnsNoContent(t *testing.T) {
	cfg := testConfig()
	cfg.Server.CORSEnabled = true
	cfg.Server.CORSAllowOrigins = []string{"*"}
	h := newTestHarness(t, cfg)

	req, _ := http.NewRequest(http.MethodOptions, h.srv.URL+"/api/v1/jobs", nil)
	req.Header.Set("Origin", "https://example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "https://example.com" {
		t.Fatalf("expected CORS header echoing origin, got %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}
