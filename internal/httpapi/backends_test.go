// Copyright 2025 James Ross
package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestBackendCRUDRoundTrip(t *testing.T) {
	cfg := testConfig()
	h := newTestHarness(t, cfg)

	create := backendPayload{
		Alias:        "A",
		BaseURL:      "http://backend-a/",
		AuthUsername: "u",
		AuthPassword: "s3cret",
	}
	body, _ := json.Marshal(create)
	resp, err := http.Post(h.srv.URL+"/api/v1/backends", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, raw)
	}
	if strings.Contains(string(raw), "s3cret") {
		t.Fatalf("response leaked auth_password: %s", raw)
	}

	listResp, err := http.Get(h.srv.URL + "/api/v1/backends")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	listRaw, _ := io.ReadAll(listResp.Body)
	listResp.Body.Close()
	if strings.Contains(string(listRaw), "s3cret") {
		t.Fatalf("list response leaked auth_password: %s", listRaw)
	}
	var listOut struct {
		Backends []backendView `json:"backends"`
	}
	if err := json.Unmarshal(listRaw, &listOut); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listOut.Backends) != 1 || !listOut.Backends[0].HasAuth {
		t.Fatalf("expected one backend with auth, got %+v", listOut.Backends)
	}

	upsert := backendPayload{BaseURL: "http://backend-a-2/"}
	upsertBody, _ := json.Marshal(upsert)
	req, _ := http.NewRequest(http.MethodPut, h.srv.URL+"/api/v1/backends/A", bytes.NewReader(upsertBody))
	req.Header.Set("Content-Type", "application/json")
	upsertResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	upsertRaw, _ := io.ReadAll(upsertResp.Body)
	upsertResp.Body.Close()
	if upsertResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", upsertResp.StatusCode, upsertRaw)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, h.srv.URL+"/api/v1/backends/A", nil)
	delResp, err := http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", delResp.StatusCode)
	}
}

func TestCreateBackendRequiresAliasAndBaseURL(t *testing.T) {
	cfg := testConfig()
	h := newTestHarness(t, cfg)

	body, _ := json.Marshal(backendPayload{Alias: "A"})
	resp, err := http.Post(h.srv.URL+"/api/v1/backends", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
