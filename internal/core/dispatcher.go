package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orrn/printdesk/internal/config"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultFetchTimeout = 30 * time.Second
	defaultRetryDelay   = 10 * time.Second
	maxRetryBackoff     = 5 * time.Minute
	terminalTimeout     = 10 * time.Second
	anonymousUser       = "Anonymous User"
)

// Fleet is the printer side of dispatch, satisfied by *FleetManager.
type Fleet interface {
	OnlineCount() int
	Dispatch(ctx context.Context, path string, cfg PrintConfig, override string) (*DispatchResult, error)
}

// Dispatcher polls the job store, claims pending jobs and drives each claimed
// job to completed or failed.
type Dispatcher struct {
	store   JobStore
	blobs   BlobStore
	fleet   Fleet
	events  EventSink
	metrics MetricsRecorder
	queue   *WindowQueue
	feed    ChangeFeed
	config  *config.DispatcherConfig
	logger  *slog.Logger

	claimed    *ClaimSet
	automation atomic.Bool
	pollMu     sync.Mutex
	nudgeCh    chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	loops   sync.WaitGroup
	jobs    sync.WaitGroup
	jobCtx  context.Context
	cancel  context.CancelFunc
	now     func() time.Time
}

func NewDispatcher(store JobStore, blobs BlobStore, fleet Fleet, events EventSink, cfg *config.DispatcherConfig) *Dispatcher {
	if cfg == nil {
		cfg = &config.DispatcherConfig{Automation: true}
	}
	if events == nil {
		events = MultiSink(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		store:   store,
		blobs:   blobs,
		fleet:   fleet,
		events:  events,
		config:  cfg,
		logger:  slog.Default().With("component", "dispatcher"),
		claimed: NewClaimSet(),
		nudgeCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		jobCtx:  ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	d.automation.Store(cfg.Automation)
	return d
}

// UseQueue routes claimed jobs through a windowed priority queue instead of
// one goroutine per job.
func (d *Dispatcher) UseQueue(q *WindowQueue) { d.queue = q }

// UseChangeFeed makes store change notifications trigger an immediate poll.
func (d *Dispatcher) UseChangeFeed(f ChangeFeed) { d.feed = f }

func (d *Dispatcher) UseMetrics(m MetricsRecorder) { d.metrics = m }

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	if d.feed != nil {
		changes, err := d.feed.Watch(ctx)
		if err != nil {
			d.logger.Warn("change feed unavailable, relying on polling", "error", err)
		} else {
			d.loops.Add(1)
			go d.forwardChanges(changes)
		}
	}

	d.loops.Add(1)
	go d.pollLoop(ctx)

	d.logger.Info("dispatcher started", "automation", d.Automation(), "queued", d.queue != nil)
	return nil
}

// Stop ends polling and waits for in-flight jobs to reach a terminal state.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	d.loops.Wait()
	d.jobs.Wait()
	d.cancel()
}

func (d *Dispatcher) pollLoop(ctx context.Context) {
	defer d.loops.Done()

	interval := d.config.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.Poll(ctx)

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Poll(ctx)
		case <-d.nudgeCh:
			d.Poll(ctx)
		}
	}
}

func (d *Dispatcher) forwardChanges(changes <-chan struct{}) {
	defer d.loops.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			d.Nudge()
		}
	}
}

// Nudge requests a poll as soon as the loop is free.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudgeCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Automation() bool {
	return d.automation.Load()
}

func (d *Dispatcher) SetAutomation(enabled bool) {
	if d.automation.Swap(enabled) != enabled {
		d.logger.Info("automation changed", "enabled", enabled)
	}
	if enabled {
		d.Nudge()
	}
}

// Claimed lists the job ids this process is currently executing.
func (d *Dispatcher) Claimed() []string {
	return d.claimed.Snapshot()
}

// Poll runs one pass: adopt processing jobs nobody here owns, then, if
// automation is on, claim up to one pending job per online printer. Errors are logged and the pass is
// retried on the next tick.
func (d *Dispatcher) Poll(ctx context.Context) {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	orphans, err := d.store.FindProcessing(ctx, d.claimed.Snapshot())
	if err != nil {
		d.logger.Error("failed to query processing jobs", "error", err)
		return
	}
	for _, job := range orphans {
		if !d.claimed.Add(job.ID) {
			continue
		}
		d.logger.Info("recovering processing job", "job_id", job.ID, "order_id", job.OrderID)
		d.schedule(job)
	}

	if !d.Automation() {
		return
	}

	online := d.fleet.OnlineCount()
	if online == 0 {
		d.logger.Debug("no printers online, skipping pending jobs")
		return
	}

	pending, err := d.store.FindPending(ctx, online)
	if err != nil {
		d.logger.Error("failed to query pending jobs", "error", err)
		return
	}
	for _, job := range pending {
		if err := d.claimAndSchedule(ctx, job); err != nil {
			if errors.Is(err, ErrClaimConflict) {
				d.logger.Debug("job claimed elsewhere", "job_id", job.ID)
				continue
			}
			d.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
		}
	}
}

// StartProcessing claims and runs one pending job identified by job id or
// order id, regardless of the automation flag.
func (d *Dispatcher) StartProcessing(ctx context.Context, ref string) (*Job, error) {
	job, err := d.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if job.Status != JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", ErrClaimConflict, job.ID, job.Status)
	}
	if err := d.claimAndSchedule(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (d *Dispatcher) GetJob(ctx context.Context, ref string) (*Job, error) {
	return d.store.Get(ctx, ref)
}

func (d *Dispatcher) claimAndSchedule(ctx context.Context, job *Job) error {
	if !d.claimed.Add(job.ID) {
		return fmt.Errorf("%w: job %s already running here", ErrClaimConflict, job.ID)
	}

	at := d.now()
	ok, err := d.store.Claim(ctx, job.ID, at)
	if err != nil {
		d.claimed.Remove(job.ID)
		return fmt.Errorf("failed to claim job %s: %w", job.ID, err)
	}
	if !ok {
		d.claimed.Remove(job.ID)
		return fmt.Errorf("%w: job %s", ErrClaimConflict, job.ID)
	}

	prev := job.Status
	job.Status = JobStatusProcessing
	job.stamp(TimelineProcessing, at)
	d.logger.Info("job claimed", "job_id", job.ID, "order_id", job.OrderID, "files", len(job.Files))
	d.publish(ctx, JobEvents(EventJobUpdated, job, prev, ""))

	d.schedule(job)
	return nil
}

// schedule hands a claimed job to the queue or a goroutine. The job id must
// already be in the claimed set; runJob or abandon removes it.
func (d *Dispatcher) schedule(job *Job) {
	if d.queue != nil {
		d.queue.EnqueueWithSkip(job.Priority(), func(ctx context.Context) error {
			return d.runJob(ctx, job)
		}, func(cause error) {
			d.abandon(job, cause)
		})
		return
	}

	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		_ = d.runJob(d.jobCtx, job)
	}()
}

func (d *Dispatcher) runJob(ctx context.Context, job *Job) error {
	defer d.claimed.Remove(job.ID)

	started := d.now()
	runErr := d.printFiles(ctx, job)
	d.settle(ctx, job, started, runErr)
	return runErr
}

// abandon releases a queued job whose entry was withdrawn before it ran. A
// cancelled entry fails the job. A closing queue leaves it processing so the
// next poll, here or in another process, recovers it.
func (d *Dispatcher) abandon(job *Job, cause error) {
	defer d.claimed.Remove(job.ID)

	if errors.Is(cause, ErrQueueClosed) {
		d.logger.Info("queue closed before job ran, leaving it for recovery", "job_id", job.ID, "order_id", job.OrderID)
		return
	}
	d.settle(d.jobCtx, job, d.now(), fmt.Errorf("cancelled before printing: %w", cause))
}

// settle records the job's terminal status and notifies both parties.
func (d *Dispatcher) settle(ctx context.Context, job *Job, started time.Time, runErr error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
	defer cancel()

	at := d.now()
	prev := job.Status
	if runErr != nil {
		job.Status = JobStatusFailed
		job.Error = runErr.Error()
		job.stamp(TimelineFailed, at)
		if err := d.store.Fail(tctx, job.ID, job.Error, at); err != nil {
			d.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
		}
		d.logger.Error("job failed", "job_id", job.ID, "order_id", job.OrderID, "error", runErr)
		d.publish(tctx, JobEvents(EventJobUpdated, job, prev, job.Error))
		d.notifySubmitter(tctx, job, fmt.Sprintf("Print job for order %s failed: %s", job.OrderID, job.Error))
	} else {
		job.Status = JobStatusCompleted
		job.stamp(TimelineCompleted, at)
		if err := d.store.Complete(tctx, job.ID, at); err != nil {
			d.logger.Error("failed to record job completion", "job_id", job.ID, "error", err)
		}
		d.logger.Info("job completed", "job_id", job.ID, "order_id", job.OrderID, "duration", at.Sub(started))
		d.publish(tctx, JobEvents(EventJobUpdated, job, prev, ""))
		d.notifySubmitter(tctx, job, fmt.Sprintf("Print job for order %s has been printed", job.OrderID))
	}

	if d.metrics != nil {
		d.metrics.JobFinished(job.Status, at.Sub(started))
	}
}

// printFiles dispatches the job's files in order. The first failure aborts
// the remaining files.
func (d *Dispatcher) printFiles(ctx context.Context, job *Job) error {
	for i := range job.Files {
		f := job.Files[i]
		if f.FileID == "" {
			return fmt.Errorf("%w: file %s has no content id", ErrContentNotFound, displayName(f))
		}
		if err := d.printFile(ctx, job, f); err != nil {
			return fmt.Errorf("file %s: %w", displayName(f), err)
		}
	}
	return nil
}

func (d *Dispatcher) printFile(ctx context.Context, job *Job, f FileRef) error {
	path := filepath.Join(d.tempDir(), job.ID+"-"+safeName(f))
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("failed to remove transient file", "path", path, "error", err)
		}
	}()

	if err := d.fetch(ctx, f.FileID, path); err != nil {
		return err
	}

	cfg := f.Config
	cfg.Username = job.Username
	if cfg.Username == "" {
		cfg.Username = anonymousUser
	}
	cfg.OrderID = job.OrderID

	for attempt := 0; ; attempt++ {
		res, err := d.fleet.Dispatch(ctx, path, cfg, "")
		if err == nil {
			d.logger.Info("file sent to printer", "job_id", job.ID, "file", displayName(f),
				"printer", res.Printer, "dispatch_id", res.ID)
			return nil
		}
		if attempt >= d.config.DispatchRetries || !retryable(err) {
			return err
		}
		delay := d.calculateBackoff(attempt)
		d.logger.Warn("dispatch failed, retrying", "job_id", job.ID, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrPrinterUnavailable) || errors.Is(err, ErrDeviceRejected)
}

func (d *Dispatcher) calculateBackoff(retryCount int) time.Duration {
	baseDelay := d.config.RetryDelay
	if baseDelay == 0 {
		baseDelay = defaultRetryDelay
	}
	backoff := baseDelay * time.Duration(1<<uint(retryCount))
	if backoff > maxRetryBackoff {
		backoff = maxRetryBackoff
	}
	return backoff
}

// fetch copies a blob to path, bounded by the fetch timeout.
func (d *Dispatcher) fetch(ctx context.Context, id FileID, path string) error {
	timeout := d.config.FetchTimeout
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := d.blobs.Exists(fctx, id)
	if err != nil {
		return fmt.Errorf("failed to look up content %s: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrContentNotFound, id)
	}

	rc, err := d.blobs.Open(fctx, id)
	if err != nil {
		return fmt.Errorf("failed to open content %s: %w", id, err)
	}
	defer rc.Close()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create transient file: %w", err)
	}
	defer out.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, rc)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to download content %s: %w", id, err)
		}
		return out.Sync()
	case <-fctx.Done():
		_ = rc.Close()
		<-done
		return fmt.Errorf("failed to download content %s: %w", id, fctx.Err())
	}
}

func (d *Dispatcher) tempDir() string {
	if d.config.TempDir != "" {
		return d.config.TempDir
	}
	return os.TempDir()
}

func (d *Dispatcher) publish(ctx context.Context, events []Event) {
	for _, ev := range events {
		d.events.Publish(ctx, ev)
	}
}

func (d *Dispatcher) notifySubmitter(ctx context.Context, job *Job, msg string) {
	if job.UserID == "" {
		return
	}
	d.events.Publish(ctx, Event{
		Type:          EventNotification,
		RecipientType: RecipientUser,
		RecipientID:   job.UserID,
		JobID:         job.ID,
		OrderID:       job.OrderID,
		Status:        job.Status,
		Message:       msg,
		Timestamp:     d.now(),
	})
}

func displayName(f FileRef) string {
	if f.OriginalName != "" {
		return f.OriginalName
	}
	if f.Filename != "" {
		return f.Filename
	}
	return string(f.FileID)
}

func safeName(f FileRef) string {
	name := filepath.Base(f.Filename)
	if name == "." || name == "/" || name == "" {
		name = "document.pdf"
	}
	return strings.ReplaceAll(name, string(os.PathSeparator), "_")
}
