// Copyright 2025 James Ross
package admission

import (
	"context"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kelsjon3/stablequeue/internal/apierr"
	"github.com/kelsjon3/stablequeue/internal/config"
	"github.com/kelsjon3/stablequeue/internal/queue"
	"github.com/kelsjon3/stablequeue/internal/registry"
)

// SubmitRequest is the normalized shape of a generation submission,
// already authenticated by the HTTP layer (APIKeyRef is the resolved
// credential key_id, empty when auth is not required).
type SubmitRequest struct {
	APIKeyRef        string                 `validate:"-"`
	TargetBackend    string                 `validate:"required"`
	AppType          string                 `validate:"omitempty,oneof=forge a1111 comfyui"`
	SourceInfo       string                 `validate:"-"`
	GenerationParams map[string]interface{} `validate:"required"`
}

// SubmitResponse is what the caller echoes back to the client on 202.
type SubmitResponse struct {
	JobID         string
	QueuePosition int
	CreatedAt     time.Time
	TargetBackend string
	AppType       string
}

// Layer validates a submission, resolves its backend, normalizes
// protocol-specific fields, and inserts the job. It is deliberately
// thin: it owns no state beyond the stores it's handed.
type Layer struct {
	cfg      config.AdmissionConfig
	queue    *queue.Store
	registry *registry.Store
	validate *validator.Validate
}

func New(cfg config.AdmissionConfig, q *queue.Store, reg *registry.Store) *Layer {
	return &Layer{cfg: cfg, queue: q, registry: reg, validate: validator.New()}
}

// Submit runs the four-step admission flow documented for the system:
// credential check, backend resolution, protocol normalization, insert.
func (l *Layer) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if err := l.validate.Struct(req); err != nil {
		return nil, apierr.Wrap(apierr.MissingRequiredField, "submission missing required fields", err)
	}
	if l.cfg.RequireAuth && req.APIKeyRef == "" {
		return nil, apierr.New(apierr.Unauthorized, "credential required for this route")
	}

	if _, err := l.registry.Get(ctx, req.TargetBackend); err != nil {
		return nil, err
	}

	appType := req.AppType
	if appType == "" {
		appType = "forge"
	}
	if appType == "forge" {
		if err := normalizeForgeParams(req.GenerationParams); err != nil {
			return nil, err
		}
	}

	job, err := l.queue.Insert(ctx, queue.NewJobParams{
		TargetBackend:    req.TargetBackend,
		AppType:          appType,
		SourceInfo:       req.SourceInfo,
		APIKeyRef:        req.APIKeyRef,
		GenerationParams: req.GenerationParams,
	})
	if err != nil {
		return nil, err
	}

	pos, err := l.queue.QueuePosition(ctx, job.JobID)
	if err != nil {
		return nil, err
	}

	return &SubmitResponse{
		JobID: job.JobID, QueuePosition: pos, CreatedAt: job.CreatedAt,
		TargetBackend: job.TargetBackend, AppType: job.AppType,
	}, nil
}

// normalizeForgeParams enforces Forge's checkpoint-naming convention:
// the legacy sd_checkpoint field is accepted as a fallback for
// checkpoint_name, and path separators are normalized to forward-slash.
func normalizeForgeParams(params map[string]interface{}) error {
	checkpoint, _ := params["checkpoint_name"].(string)
	if checkpoint == "" {
		if legacy, ok := params["sd_checkpoint"].(string); ok && legacy != "" {
			checkpoint = legacy
		}
	}
	if checkpoint == "" {
		return apierr.New(apierr.InvalidFieldValue, "generation_params must include checkpoint_name or sd_checkpoint")
	}
	params["checkpoint_name"] = strings.ReplaceAll(checkpoint, "\\", "/")
	return nil
}
