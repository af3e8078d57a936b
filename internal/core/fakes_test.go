package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory JobStore with the same conditional claim
// semantics as the real stores.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	seq  []string
}

func newMemStore(jobs ...*Job) *memStore {
	s := &memStore{jobs: make(map[string]*Job)}
	for _, j := range jobs {
		s.put(j)
	}
	return s
}

func (s *memStore) put(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.Timeline == nil {
		j.Timeline = map[string]time.Time{TimelineCreated: time.Now()}
	}
	if _, ok := s.jobs[j.ID]; !ok {
		s.seq = append(s.seq, j.ID)
	}
	s.jobs[j.ID] = j
}

func clone(j *Job) *Job {
	c := *j
	c.Files = append([]FileRef(nil), j.Files...)
	c.Timeline = make(map[string]time.Time, len(j.Timeline))
	for k, v := range j.Timeline {
		c.Timeline[k] = v
	}
	return &c
}

func (s *memStore) Get(_ context.Context, ref string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[ref]; ok {
		return clone(j), nil
	}
	for _, id := range s.seq {
		if s.jobs[id].OrderID == ref {
			return clone(s.jobs[id]), nil
		}
	}
	return nil, ErrJobNotFound
}

func (s *memStore) FindProcessing(_ context.Context, exclude []string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var out []*Job
	for _, id := range s.seq {
		j := s.jobs[id]
		if j.Status == JobStatusProcessing && !skip[id] {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (s *memStore) FindPending(_ context.Context, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Job
	for _, id := range s.seq {
		if len(out) == limit {
			break
		}
		if j := s.jobs[id]; j.Status == JobStatusPending {
			out = append(out, clone(j))
		}
	}
	return out, nil
}

func (s *memStore) Claim(_ context.Context, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.Status != JobStatusPending {
		return false, nil
	}
	j.Status = JobStatusProcessing
	j.stamp(TimelineProcessing, at)
	return true, nil
}

func (s *memStore) Complete(_ context.Context, jobID string, at time.Time) error {
	return s.finish(jobID, JobStatusCompleted, "", at)
}

func (s *memStore) Fail(_ context.Context, jobID, msg string, at time.Time) error {
	return s.finish(jobID, JobStatusFailed, msg, at)
}

func (s *memStore) finish(jobID string, to JobStatus, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	j.Error = msg
	j.stamp(string(to), at)
	return nil
}

func (s *memStore) job(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.jobs[id])
}

type memBlobs struct {
	mu    sync.Mutex
	blobs map[FileID][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: make(map[FileID][]byte)}
}

func (b *memBlobs) add(id FileID, data string) {
	b.mu.Lock()
	b.blobs[id] = []byte(data)
	b.mu.Unlock()
}

func (b *memBlobs) Exists(_ context.Context, id FileID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blobs[id]
	return ok, nil
}

func (b *memBlobs) Open(_ context.Context, id FileID) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[id]
	if !ok {
		return nil, ErrContentNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type printCall struct {
	Path    string
	Printer string
	Opts    DeviceOptions
	Content string
}

// fakeSpooler records submissions. Print can be slowed down and made to fail
// per printer; it tracks the highest number of concurrent prints.
type fakeSpooler struct {
	mu      sync.Mutex
	names   []string
	calls   []printCall
	delay   time.Duration
	failFor map[string]error
	active  int
	peak    int
	listErr error
}

func (f *fakeSpooler) Printers(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.names...), nil
}

func (f *fakeSpooler) Print(ctx context.Context, path, printer string, opts DeviceOptions) error {
	data, _ := os.ReadFile(path)

	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	err := f.failFor[printer]
	f.calls = append(f.calls, printCall{Path: path, Printer: printer, Opts: opts, Content: string(data)})
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSpooler) printed() []printCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]printCall(nil), f.calls...)
}

func (f *fakeSpooler) peakConcurrency() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// fakeExtractor pretends every document has a fixed page count and records
// each selection it is asked to extract.
type fakeExtractor struct {
	pages int
	mu    sync.Mutex
	got   [][]int
}

func (e *fakeExtractor) PageCount(string) (int, error) {
	return e.pages, nil
}

func (e *fakeExtractor) Extract(_, dst string, pages []int) error {
	e.mu.Lock()
	e.got = append(e.got, append([]int(nil), pages...))
	e.mu.Unlock()
	return os.WriteFile(dst, []byte("extracted"), 0o600)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) byType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func dirEntries(dir string) []string {
	entries, _ := os.ReadDir(dir)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
