package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printdesk/internal/config"
)

const (
	defaultWindow      = 3 * time.Second
	defaultMaxRankDrop = 5
	entryRetention     = time.Hour
)

type EntryStatus string

const (
	EntryQueued    EntryStatus = "queued"
	EntryPrinting  EntryStatus = "printing"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryCancelled EntryStatus = "cancelled"
)

type QueueEntry struct {
	ID           string      `json:"id"`
	Priority     int         `json:"priority"`
	WindowStart  time.Time   `json:"window_start"`
	OriginalRank int         `json:"original_rank"`
	CurrentRank  int         `json:"current_rank"`
	Status       EntryStatus `json:"status"`
	Error        string      `json:"error,omitempty"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	StartedAt    time.Time   `json:"started_at,omitempty"`
	FinishedAt   time.Time   `json:"finished_at,omitempty"`
}

// Task is one unit of work executed when its window drains.
type Task func(ctx context.Context) error

// SkipFunc is called once when a task is withdrawn without running. cause is
// ErrEntryCancelled or ErrQueueClosed.
type SkipFunc func(cause error)

type queuedTask struct {
	entry  QueueEntry
	run    Task
	onSkip SkipFunc
}

type window struct {
	start   time.Time
	arrived []*queuedTask
	ranked  []*queuedTask
	done    chan struct{}
}

// WindowQueue batches requests into fixed-width time windows and runs each
// window serially in priority order. No entry runs more than maxRankDrop
// positions after its arrival position within its window. Windows drain one
// at a time in the order they opened.
type WindowQueue struct {
	width       time.Duration
	maxRankDrop int
	metrics     MetricsRecorder
	logger      *slog.Logger

	mu       sync.Mutex
	open     *window
	lastDone chan struct{}
	entries  map[string]*queuedTask

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWindowQueue(cfg *config.QueueConfig, metrics MetricsRecorder) *WindowQueue {
	width := defaultWindow
	maxDrop := defaultMaxRankDrop
	if cfg != nil {
		if cfg.Window > 0 {
			width = cfg.Window
		}
		if cfg.MaxRankDrop >= 0 {
			maxDrop = cfg.MaxRankDrop
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WindowQueue{
		width:       width,
		maxRankDrop: maxDrop,
		metrics:     metrics,
		logger:      slog.Default().With("component", "window_queue"),
		entries:     make(map[string]*queuedTask),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue adds a task to the collecting window, opening one if none is
// collecting, and returns the entry id. Priority is not range checked here.
func (q *WindowQueue) Enqueue(priority int, task Task) string {
	return q.EnqueueWithSkip(priority, task, nil)
}

// EnqueueWithSkip is Enqueue with a hook for tasks that never run, either
// because the entry was cancelled or because the queue closed first.
func (q *WindowQueue) EnqueueWithSkip(priority int, task Task, onSkip SkipFunc) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.prune(now)

	w := q.open
	if w == nil {
		w = &window{start: now, done: make(chan struct{})}
		prev := q.lastDone
		q.open = w
		q.lastDone = w.done

		q.wg.Add(1)
		go q.runWindow(w, prev)
		q.logger.Debug("window opened", "start", now)
	}

	t := &queuedTask{
		entry: QueueEntry{
			ID:           uuid.NewString(),
			Priority:     priority,
			WindowStart:  w.start,
			OriginalRank: len(w.arrived),
			Status:       EntryQueued,
			EnqueuedAt:   now,
		},
		run:    task,
		onSkip: onSkip,
	}
	w.arrived = append(w.arrived, t)
	w.ranked = rankWindow(w.arrived, q.maxRankDrop)
	for i, rt := range w.ranked {
		rt.entry.CurrentRank = i
	}
	q.entries[t.entry.ID] = t
	q.reportDepth()

	return t.entry.ID
}

// rankWindow orders arrivals by priority, highest first, keeping arrival
// order among equals. An entry whose deadline position (arrival position plus
// maxDrop) is reached is placed there ahead of higher-priority entries.
func rankWindow(arrived []*queuedTask, maxDrop int) []*queuedTask {
	remaining := make([]*queuedTask, len(arrived))
	copy(remaining, arrived)
	sort.SliceStable(remaining, func(i, j int) bool {
		return remaining[i].entry.Priority > remaining[j].entry.Priority
	})

	out := make([]*queuedTask, 0, len(remaining))
	for pos := 0; len(remaining) > 0; pos++ {
		pick := 0
		for i, t := range remaining {
			if t.entry.OriginalRank+maxDrop <= pos {
				pick = i
				break
			}
		}
		out = append(out, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	return out
}

func (q *WindowQueue) runWindow(w *window, prev <-chan struct{}) {
	defer q.wg.Done()
	defer close(w.done)

	timer := time.NewTimer(q.width)
	select {
	case <-timer.C:
	case <-q.ctx.Done():
		timer.Stop()
	}

	q.mu.Lock()
	if q.open == w {
		q.open = nil
	}
	order := make([]*queuedTask, len(w.ranked))
	copy(order, w.ranked)
	q.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-q.ctx.Done():
		}
	}

	q.logger.Debug("window draining", "start", w.start, "entries", len(order))

	for _, t := range order {
		started, closed := q.begin(t)
		if closed && t.onSkip != nil {
			t.onSkip(ErrQueueClosed)
		}
		if !started {
			continue
		}
		err := t.run(q.ctx)
		q.finish(t, err)
	}
}

// begin marks t as printing unless it was cancelled or the queue is closing.
// closed reports that begin itself withdrew t because of Close.
func (q *WindowQueue) begin(t *queuedTask) (started, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.entry.Status != EntryQueued {
		return false, false
	}
	if q.ctx.Err() != nil {
		t.entry.Status = EntryCancelled
		t.entry.FinishedAt = time.Now()
		q.reportDepth()
		return false, true
	}
	t.entry.Status = EntryPrinting
	t.entry.StartedAt = time.Now()
	q.reportDepth()
	return true, false
}

func (q *WindowQueue) finish(t *queuedTask, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t.entry.FinishedAt = time.Now()
	if err != nil {
		t.entry.Status = EntryFailed
		t.entry.Error = err.Error()
		q.logger.Warn("queued task failed", "entry_id", t.entry.ID, "priority", t.entry.Priority, "error", err)
		return
	}
	t.entry.Status = EntryCompleted
}

func (q *WindowQueue) Status(id string) (QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.entries[id]
	if !ok {
		return QueueEntry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	return t.entry, nil
}

// Cancel withdraws an entry that has not started yet. The entry's skip hook,
// if any, runs before Cancel returns.
func (q *WindowQueue) Cancel(id string) error {
	q.mu.Lock()
	t, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
	}
	if t.entry.Status != EntryQueued {
		status := t.entry.Status
		q.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrEntryNotCancelable, id, status)
	}
	t.entry.Status = EntryCancelled
	t.entry.FinishedAt = time.Now()
	q.reportDepth()
	q.mu.Unlock()

	if t.onSkip != nil {
		t.onSkip(ErrEntryCancelled)
	}
	return nil
}

// Entries returns every tracked entry ordered by window, then rank.
func (q *WindowQueue) Entries() []QueueEntry {
	q.mu.Lock()
	out := make([]QueueEntry, 0, len(q.entries))
	for _, t := range q.entries {
		out = append(out, t.entry)
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].WindowStart.Equal(out[j].WindowStart) {
			return out[i].WindowStart.Before(out[j].WindowStart)
		}
		return out[i].CurrentRank < out[j].CurrentRank
	})
	return out
}

func (q *WindowQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth()
}

func (q *WindowQueue) depth() int {
	n := 0
	for _, t := range q.entries {
		if t.entry.Status == EntryQueued {
			n++
		}
	}
	return n
}

func (q *WindowQueue) reportDepth() {
	if q.metrics != nil {
		q.metrics.QueueDepth(q.depth())
	}
}

// prune drops finished entries older than the retention period.
func (q *WindowQueue) prune(now time.Time) {
	for id, t := range q.entries {
		if t.entry.FinishedAt.IsZero() {
			continue
		}
		if now.Sub(t.entry.FinishedAt) > entryRetention {
			delete(q.entries, id)
		}
	}
}

// Close cancels entries that have not started and waits for running tasks,
// which observe a cancelled context, to return.
func (q *WindowQueue) Close() {
	q.cancel()
	q.wg.Wait()
}
