package core

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventJobCreated   EventType = "job_created"
	EventJobUpdated   EventType = "job_updated"
	EventNotification EventType = "notification"
)

type RecipientType string

const (
	RecipientUser       RecipientType = "user"
	RecipientShopkeeper RecipientType = "shopkeeper"
)

type Event struct {
	Type          EventType     `json:"type"`
	RecipientType RecipientType `json:"recipient_type"`
	RecipientID   string        `json:"recipient_id"`
	JobID         string        `json:"job_id"`
	OrderID       string        `json:"order_id"`
	Status        JobStatus     `json:"status"`
	Previous      JobStatus     `json:"previous_status,omitempty"`
	Message       string        `json:"message,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// JobEvents fans one job change out to the submitter and the shop operator.
func JobEvents(typ EventType, job *Job, prev JobStatus, msg string) []Event {
	now := time.Now()
	base := Event{
		Type:      typ,
		JobID:     job.ID,
		OrderID:   job.OrderID,
		Status:    job.Status,
		Previous:  prev,
		Message:   msg,
		Timestamp: now,
	}
	var out []Event
	if job.ShopID != "" {
		e := base
		e.RecipientType = RecipientShopkeeper
		e.RecipientID = job.ShopID
		out = append(out, e)
	}
	if job.UserID != "" {
		e := base
		e.RecipientType = RecipientUser
		e.RecipientID = job.UserID
		out = append(out, e)
	}
	return out
}

type MultiSink []EventSink

func (m MultiSink) Publish(ctx context.Context, ev Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}

// LogSink writes events to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(_ context.Context, ev Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("event",
		"type", ev.Type,
		"recipient", string(ev.RecipientType)+":"+ev.RecipientID,
		"job_id", ev.JobID,
		"status", ev.Status,
		"message", ev.Message,
	)
}
