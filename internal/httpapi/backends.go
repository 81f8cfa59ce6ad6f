// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kelsjon3/stablequeue/internal/apierr"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

type backendPayload struct {
	Alias         string `json:"alias"`
	BaseURL       string `json:"base_url"`
	AuthUsername  string `json:"auth_username,omitempty"`
	AuthPassword  string `json:"auth_password,omitempty"`
	ModelRootPath string `json:"model_root_path,omitempty"`
}

func (p backendPayload) toBackend() registry.Backend {
	return registry.Backend{
		Alias:         p.Alias,
		BaseURL:       p.BaseURL,
		AuthUsername:  p.AuthUsername,
		AuthPassword:  p.AuthPassword,
		HasAuth:       p.AuthUsername != "" || p.AuthPassword != "",
		ModelRootPath: p.ModelRootPath,
	}
}

// backendView omits AuthPassword so credentials never leave the process.
type backendView struct {
	Alias         string `json:"alias"`
	BaseURL       string `json:"base_url"`
	AuthUsername  string `json:"auth_username,omitempty"`
	HasAuth       bool   `json:"has_auth"`
	ModelRootPath string `json:"model_root_path,omitempty"`
}

func (h *handler) listBackends(w http.ResponseWriter, r *http.Request) {
	backends, err := h.deps.Registry.List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]backendView, 0, len(backends))
	for _, b := range backends {
		views = append(views, backendView{
			Alias: b.Alias, BaseURL: b.BaseURL, AuthUsername: b.AuthUsername,
			HasAuth: b.HasAuth, ModelRootPath: b.ModelRootPath,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"backends": views})
}

func (h *handler) createBackend(w http.ResponseWriter, r *http.Request) {
	var p backendPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, apierr.New(apierr.InvalidFieldValue, "malformed JSON body"))
		return
	}
	if p.Alias == "" || p.BaseURL == "" {
		writeErr(w, apierr.New(apierr.MissingRequiredField, "alias and base_url are required"))
		return
	}
	b := p.toBackend()
	if err := h.deps.Registry.Upsert(r.Context(), b); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, backendView{Alias: b.Alias, BaseURL: b.BaseURL, AuthUsername: b.AuthUsername, HasAuth: b.HasAuth, ModelRootPath: b.ModelRootPath})
}

func (h *handler) upsertBackend(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	var p backendPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeErr(w, apierr.New(apierr.InvalidFieldValue, "malformed JSON body"))
		return
	}
	p.Alias = alias
	if p.BaseURL == "" {
		writeErr(w, apierr.New(apierr.MissingRequiredField, "base_url is required"))
		return
	}
	b := p.toBackend()
	if err := h.deps.Registry.Upsert(r.Context(), b); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, backendView{Alias: b.Alias, BaseURL: b.BaseURL, AuthUsername: b.AuthUsername, HasAuth: b.HasAuth, ModelRootPath: b.ModelRootPath})
}

func (h *handler) deleteBackend(w http.ResponseWriter, r *http.Request) {
	alias := mux.Vars(r)["alias"]
	if err := h.deps.Registry.Delete(r.Context(), alias); err != nil {
		writeErr(w, err)
		return
	}
	h.auditLog("delete_backend", alias, APIKeyRef(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"alias": alias, "deleted": "true"})
}
