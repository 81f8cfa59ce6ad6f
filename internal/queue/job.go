// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// Status is a Job's lifecycle state.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Cancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Result mirrors the job's most recent outcome: during processing it
// carries the latest progress snapshot, on completion it carries the
// saved filenames and info blob, on failure it carries the error kind
// and message.
type Result struct {
	Percent         int      `json:"percent,omitempty"`
	PreviewFilename string   `json:"preview_filename,omitempty"`
	CurrentStep     int      `json:"current_step,omitempty"`
	TotalSteps      int      `json:"total_steps,omitempty"`
	Filenames       []string `json:"filenames,omitempty"`
	InfoBlob        string   `json:"info_blob,omitempty"`
	ErrorKind       string   `json:"error_kind,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
}

// Job is one admitted generation request and its lifecycle record.
type Job struct {
	JobID             string
	Status            Status
	TargetBackend     string
	BackendSession    string
	AppType           string
	SourceInfo        string
	APIKeyRef         string
	GenerationParams  map[string]interface{}
	Result            Result
	RetryCount        int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

// NewJobParams are the fields the Admission Layer supplies at insert
// time; JobID and timestamps are assigned by the store.
type NewJobParams struct {
	TargetBackend    string
	AppType          string
	SourceInfo       string
	APIKeyRef        string
	GenerationParams map[string]interface{}
}

func marshalParams(m map[string]interface{}) (string, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalParams(s string) (map[string]interface{}, error) {
	if s == "" {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalResult(r Result) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalResult(s string) (Result, error) {
	var r Result
	if s == "" {
		return r, nil
	}
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return r, err
	}
	return r, nil
}
