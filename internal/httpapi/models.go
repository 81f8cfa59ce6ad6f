// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/kelsjon3/stablequeue/internal/apierr"
	"github.com/kelsjon3/stablequeue/internal/catalog"
)

type listModelsResponse struct {
	Count  int              `json:"count"`
	Models []*catalog.Entry `json:"models"`
}

func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	entryType := catalog.EntryType(r.URL.Query().Get("type"))
	entries, err := h.deps.Catalog.List(r.Context(), entryType)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listModelsResponse{Count: len(entries), Models: entries})
}

func (h *handler) scanModels(w http.ResponseWriter, r *http.Request) {
	opts := catalog.ScanOptions{
		RootDir:      h.deps.CatalogConfig.RootPath,
		IncludeGlobs: h.deps.CatalogConfig.IncludeGlobs,
		ExcludeGlobs: h.deps.CatalogConfig.ExcludeGlobs,
	}
	result, err := h.deps.Catalog.Scan(r.Context(), opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stats": result})
}

func (h *handler) modelPreview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	entry, err := h.deps.Catalog.FindByID(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entry.PreviewImagePath == "" {
		writeErr(w, apierr.New(apierr.CatalogEntryNotFound, "no preview image for "+id))
		return
	}
	data, err := os.ReadFile(entry.PreviewImagePath)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.StorageError, "read preview image", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(data)
}
