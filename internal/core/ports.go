package core

import (
	"context"
	"io"
	"time"
)

// JobStore is the persisted source of truth for jobs. Claim must be a
// conditional pending -> processing update: exactly one caller wins per job.
type JobStore interface {
	// Get looks a job up by job id or order id.
	Get(ctx context.Context, ref string) (*Job, error)
	FindProcessing(ctx context.Context, exclude []string) ([]*Job, error)
	FindPending(ctx context.Context, limit int) ([]*Job, error)
	Claim(ctx context.Context, jobID string, at time.Time) (bool, error)
	Complete(ctx context.Context, jobID string, at time.Time) error
	Fail(ctx context.Context, jobID string, errMsg string, at time.Time) error
}

// JobFilter narrows job listings. Zero fields match everything.
type JobFilter struct {
	Status JobStatus
	ShopID string
	UserID string
	Limit  int
	Offset int
}

// ChangeFeed is implemented by stores that can push job arrivals. Each receive
// on the returned channel triggers an extra poll.
type ChangeFeed interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

type BlobStore interface {
	Exists(ctx context.Context, id FileID) (bool, error)
	Open(ctx context.Context, id FileID) (io.ReadCloser, error)
}

// Spooler is the OS print subsystem.
type Spooler interface {
	Printers(ctx context.Context) ([]string, error)
	Print(ctx context.Context, path, printer string, opts DeviceOptions) error
}

// PageExtractor realises page ranges by writing the selected 1-based pages of
// src, in the given order, to a new document at dst.
type PageExtractor interface {
	PageCount(path string) (int, error)
	Extract(src, dst string, pages []int) error
}

type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// MetricsRecorder is optional; a nil recorder is ignored.
type MetricsRecorder interface {
	JobFinished(status JobStatus, d time.Duration)
	FileDispatched(printer string, err error)
	PrinterLoad(printer string, jobs int)
	QueueDepth(n int)
}
