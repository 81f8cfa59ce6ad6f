// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kelsjon3/stablequeue/internal/admission"
	"github.com/kelsjon3/stablequeue/internal/apierr"
	"github.com/kelsjon3/stablequeue/internal/queue"
)

// generateRequestV1 is the legacy submission shape: a bare backend
// alias and generation parameters, app_type always "forge".
type generateRequestV1 struct {
	TargetBackend    string                 `json:"target_backend"`
	GenerationParams map[string]interface{} `json:"generation_params"`
}

// generateRequestV2 extends v1 with an explicit app_type and free-form
// source_info, both optional.
type generateRequestV2 struct {
	TargetBackend    string                 `json:"target_backend"`
	AppType          string                 `json:"app_type"`
	SourceInfo       string                 `json:"source_info"`
	GenerationParams map[string]interface{} `json:"generation_params"`
}

type generateResponse struct {
	JobID         string `json:"job_id"`
	QueuePosition int    `json:"queue_position"`
	CreatedAt     string `json:"created_at"`
	AppType       string `json:"app_type,omitempty"`
	TargetBackend string `json:"target_backend,omitempty"`
}

// generate returns a version-specific adapter over the single
// admission.Layer.Submit operation: both v1 and v2 decode into the
// same SubmitRequest and share all validation and insertion logic.
func (h *handler) generate(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req admission.SubmitRequest
		req.APIKeyRef = APIKeyRef(r.Context())

		if version == "v1" {
			var body generateRequestV1
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeErr(w, apierr.New(apierr.InvalidFieldValue, "malformed JSON body"))
				return
			}
			req.TargetBackend = body.TargetBackend
			req.GenerationParams = body.GenerationParams
		} else {
			var body generateRequestV2
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeErr(w, apierr.New(apierr.InvalidFieldValue, "malformed JSON body"))
				return
			}
			req.TargetBackend = body.TargetBackend
			req.AppType = body.AppType
			req.SourceInfo = body.SourceInfo
			req.GenerationParams = body.GenerationParams
		}

		resp, err := h.deps.Admission.Submit(r.Context(), req)
		if err != nil {
			writeErr(w, err)
			return
		}

		out := generateResponse{
			JobID:         resp.JobID,
			QueuePosition: resp.QueuePosition,
			CreatedAt:     resp.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		}
		if version == "v2" {
			out.AppType = resp.AppType
			out.TargetBackend = resp.TargetBackend
		}
		writeJSON(w, http.StatusAccepted, out)
	}
}

type listJobsResponse struct {
	Total int          `json:"total"`
	Jobs  []*queue.Job `json:"jobs"`
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.ListFilter{
		Status:  queue.Status(q.Get("status")),
		AppType: q.Get("app_type"),
		Order:   q.Get("order"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}

	jobs, total, err := h.deps.Queue.List(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listJobsResponse{Total: total, Jobs: jobs})
}

type jobStatusResponse struct {
	*queue.Job
	QueuePosition *int `json:"queue_position,omitempty"`
}

func (h *handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.deps.Queue.Get(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := jobStatusResponse{Job: job}
	if job.Status == queue.Pending {
		pos, err := h.deps.Queue.QueuePosition(r.Context(), id)
		if err == nil {
			resp.QueuePosition = &pos
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.deps.Queue.Cancel(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	h.deps.Dispatcher.RequestCancel(id)
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(queue.Cancelled)})
}

func (h *handler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.deps.Queue.Delete(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	h.auditLog("delete_job", id, APIKeyRef(r.Context()))
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "deleted": "true"})
}
