package core

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrClaimConflict      = errors.New("job already claimed")
	ErrContentNotFound    = errors.New("content not found")
	ErrPrinterNotFound    = errors.New("printer not found")
	ErrPrinterUnavailable = errors.New("printer unavailable")
	ErrDeviceRejected     = errors.New("device rejected job")
	ErrInvalidConfig      = errors.New("invalid print configuration")
	ErrInvalidTransition  = errors.New("invalid job status transition")
	ErrEntryNotFound      = errors.New("queue entry not found")
	ErrEntryNotCancelable = errors.New("queue entry cannot be cancelled")
	ErrEntryCancelled     = errors.New("queue entry cancelled")
	ErrQueueClosed        = errors.New("queue closed")
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// CanTransition reports whether from -> to is an edge of the job lifecycle.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusProcessing
	case JobStatusProcessing:
		return to == JobStatusCompleted || to == JobStatusFailed
	}
	return false
}

// Timeline keys. "created" is stamped by the order-submission path.
const (
	TimelineCreated    = "created"
	TimelineProcessing = string(JobStatusProcessing)
	TimelineCompleted  = string(JobStatusCompleted)
	TimelineFailed     = string(JobStatusFailed)
)

// FileID is the canonical content address of a blob. Stores normalise whatever
// shape they persist into this form before it reaches the core.
type FileID string

type FileRef struct {
	FileID       FileID      `json:"file_id"`
	Filename     string      `json:"filename"`
	OriginalName string      `json:"original_name"`
	Config       PrintConfig `json:"print_config"`
}

type Job struct {
	ID        string               `json:"job_id"`
	OrderID   string               `json:"order_id"`
	UserID    string               `json:"user_id"`
	Username  string               `json:"username"`
	ShopID    string               `json:"shop_id"`
	Status    JobStatus            `json:"status"`
	Files     []FileRef            `json:"files"`
	Timeline  map[string]time.Time `json:"timeline"`
	Error     string               `json:"error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// Priority is the highest file priority in the job; the queue orders whole jobs.
func (j *Job) Priority() int {
	p := 0
	for i, f := range j.Files {
		if i == 0 || f.Config.Priority > p {
			p = f.Config.Priority
		}
	}
	return p
}

// stamp records the first time the job reached key; later stamps are ignored.
func (j *Job) stamp(key string, at time.Time) {
	if j.Timeline == nil {
		j.Timeline = make(map[string]time.Time)
	}
	if _, set := j.Timeline[key]; !set {
		j.Timeline[key] = at
	}
}

type Printer struct {
	Name      string    `json:"name"`
	Online    bool      `json:"online"`
	JobCount  int       `json:"job_count"`
	LastCheck time.Time `json:"last_check"`
	LastSeen  time.Time `json:"last_seen"`
	order     int
}

type DispatchResult struct {
	ID      string `json:"dispatch_id"`
	Printer string `json:"printer"`
}
