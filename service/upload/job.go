package upload

import (
	"context"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusRejected   JobStatus = "rejected" // virus detected, quarantined
)

// FileKind selects the transform branch of the pipeline.
type FileKind string

const (
	KindImage    FileKind = "image"
	KindDocument FileKind = "document"
	KindVideo    FileKind = "video"
	KindAudio    FileKind = "audio"
)

// Options tunes one submitted job.
type Options struct {
	Kind     FileKind
	Priority int // higher runs earlier
	SubmitBy string
	Meta     map[string]any
}

// Job is the scheduler's bookkeeping for one upload. Fields are owned by
// the scheduler goroutine; callers only ever see copies.
type Job struct {
	ID         string         `json:"id"`
	UploadID   string         `json:"upload_id"`
	FilePath   string         `json:"file_path"`
	Options    Options        `json:"options"`
	Status     JobStatus      `json:"status"`
	Priority   int            `json:"priority"`
	RetryCount int            `json:"retry_count"`
	Error      string         `json:"error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Scanner is the virus-scan collaborator. A clean file returns nil; a
// detected threat returns errs.ErrVirusDetected (terminal); anything else
// is treated as transient infrastructure failure.
type Scanner interface {
	Scan(ctx context.Context, path string) error
}

// Transformer is the content-transform collaborator for one file kind
// (image resize, document extraction, video/audio processing). It returns
// result metadata merged into the stored upload record.
type Transformer interface {
	Transform(ctx context.Context, job Job) (map[string]any, error)
}

// Thumbnailer generates a preview; only invoked for image and video jobs.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, job Job) (string, error)
}
