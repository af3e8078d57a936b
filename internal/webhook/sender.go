package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
)

var (
	errShutdown    = errors.New("shutdown requested")
	ErrUnknownHook = errors.New("unknown webhook")
)

type WebhookPayload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	Signature string      `json:"signature,omitempty"`
}

type Options struct {
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	WorkerCount int
	QueueSize   int
}

type webhookTask struct {
	hook    int
	payload *WebhookPayload
	attempt int
}

// Sender is a core.EventSink that posts events to configured HTTP endpoints.
// Delivery is asynchronous; a full queue drops the event.
type Sender struct {
	hooks      []config.WebhookConfig
	httpClient *http.Client
	retryCount int
	retryDelay time.Duration
	workers    int
	queue      chan *webhookTask
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func NewSender(hooks []config.WebhookConfig, opts Options) *Sender {
	if opts.RetryCount <= 0 {
		opts.RetryCount = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 3
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}

	return &Sender{
		hooks: hooks,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
		workers:    opts.WorkerCount,
		queue:      make(chan *webhookTask, opts.QueueSize),
		stopCh:     make(chan struct{}),
		logger:     slog.Default().With("component", "webhook"),
	}
}

func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

func (s *Sender) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sender) Publish(_ context.Context, ev core.Event) {
	for i, hook := range s.hooks {
		if !matches(hook, ev) {
			continue
		}
		task := &webhookTask{
			hook: i,
			payload: &WebhookPayload{
				Event:     string(ev.Type),
				Timestamp: ev.Timestamp,
				Data:      ev,
			},
		}

		select {
		case s.queue <- task:
		default:
			s.logger.Warn("queue full, dropping event", "url", hook.URL, "event", ev.Type, "job_id", ev.JobID)
		}
	}
}

// matches reports whether hook subscribes to ev. Empty lists subscribe to all.
func matches(hook config.WebhookConfig, ev core.Event) bool {
	return contains(hook.Events, string(ev.Type)) && contains(hook.Recipients, string(ev.RecipientType))
}

func contains(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v || item == "*" {
			return true
		}
	}
	return false
}

func (s *Sender) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case task := <-s.queue:
			if err := s.sendWithRetry(task); err != nil {
				s.logger.Error("delivery failed",
					"worker", id,
					"url", s.hooks[task.hook].URL,
					"event", task.payload.Event,
					"attempts", task.attempt,
					"error", err)
			}
		}
	}
}

func (s *Sender) sendWithRetry(task *webhookTask) error {
	hook := s.hooks[task.hook]

	var lastErr error
	for task.attempt < s.retryCount {
		task.attempt++

		err := s.sendRequest(context.Background(), hook, task.payload)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.clientError() {
			return err
		}

		if task.attempt < s.retryCount {
			backoff := s.retryDelay * time.Duration(1<<(task.attempt-1))
			s.logger.Debug("retrying", "url", hook.URL, "attempt", task.attempt, "backoff", backoff, "error", err)

			select {
			case <-s.stopCh:
				return errShutdown
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http error: %d", e.code)
}

func (e *statusError) clientError() bool {
	return e.code >= 400 && e.code < 500 && e.code != http.StatusTooManyRequests
}

func (s *Sender) sendRequest(ctx context.Context, hook config.WebhookConfig, payload *WebhookPayload) error {
	data, err := json.Marshal(payload.Data)
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	if hook.Secret != "" {
		payload.Signature = Sign(data, hook.Secret)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", payload.Signature)
	req.Header.Set("X-Webhook-Event", payload.Event)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// Hooks returns the configured endpoints.
func (s *Sender) Hooks() []config.WebhookConfig {
	return append([]config.WebhookConfig(nil), s.hooks...)
}

// Test delivers a notification event to hook i synchronously, without retries
// or subscription filtering.
func (s *Sender) Test(ctx context.Context, i int) error {
	if i < 0 || i >= len(s.hooks) {
		return fmt.Errorf("%w: %d", ErrUnknownHook, i)
	}
	ev := core.Event{
		Type:      core.EventNotification,
		Message:   "webhook test",
		Timestamp: time.Now(),
	}
	return s.sendRequest(ctx, s.hooks[i], &WebhookPayload{
		Event:     string(ev.Type),
		Timestamp: ev.Timestamp,
		Data:      ev,
	})
}

// Sign is the hex HMAC-SHA256 of the event data, sent as X-Webhook-Signature.
func Sign(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
