package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printdesk/internal/core"
	"github.com/orrn/printdesk/internal/db"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRepo struct {
	mu     sync.Mutex
	jobs   map[string]*core.Job
	blobs  map[core.FileID][]byte
	seq    int
	listed []core.JobFilter
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]*core.Job{}, blobs: map[core.FileID][]byte{}}
}

func (r *fakeRepo) find(ref string) *core.Job {
	for _, j := range r.jobs {
		if j.ID == ref || j.OrderID == ref {
			return j
		}
	}
	return nil
}

func (r *fakeRepo) Get(_ context.Context, ref string) (*core.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j := r.find(ref); j != nil {
		cp := *j
		return &cp, nil
	}
	return nil, core.ErrJobNotFound
}

func (r *fakeRepo) List(_ context.Context, f core.JobFilter) ([]*core.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listed = append(r.listed, f)
	var out []*core.Job
	for _, j := range r.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (r *fakeRepo) Create(_ context.Context, job *core.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	job.ID = fmt.Sprintf("job-%d", r.seq)
	if job.OrderID == "" {
		job.OrderID = fmt.Sprintf("ORD-%d", r.seq)
	}
	job.Status = core.JobStatusPending
	job.CreatedAt = time.Now().UTC()
	job.Timeline = map[string]time.Time{core.TimelineCreated: job.CreatedAt}
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *fakeRepo) Cancel(_ context.Context, ref string) (*core.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.find(ref)
	if j == nil {
		return nil, core.ErrJobNotFound
	}
	if j.Status != core.JobStatusPending {
		return nil, fmt.Errorf("%w: %s -> cancelled", core.ErrInvalidTransition, j.Status)
	}
	j.Status = core.JobStatusCancelled
	cp := *j
	return &cp, nil
}

func (r *fakeRepo) Stats(_ context.Context) (map[core.JobStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[core.JobStatus]int64{}
	for _, j := range r.jobs {
		out[j.Status]++
	}
	return out, nil
}

func (r *fakeRepo) PutBlob(_ context.Context, filename, _ string, src io.Reader) (core.FileID, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	id := core.FileID(fmt.Sprintf("blob-%d", r.seq))
	r.blobs[id] = data
	return id, nil
}

type fakeControl struct {
	mu         sync.Mutex
	automation bool
	nudges     int
	started    []string
	startErr   error
	claimed    []string
}

func (c *fakeControl) StartProcessing(_ context.Context, ref string) (*core.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.started = append(c.started, ref)
	return &core.Job{ID: ref, Status: core.JobStatusProcessing}, nil
}

func (c *fakeControl) Nudge() {
	c.mu.Lock()
	c.nudges++
	c.mu.Unlock()
}

func (c *fakeControl) Automation() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.automation
}

func (c *fakeControl) SetAutomation(v bool) {
	c.mu.Lock()
	c.automation = v
	c.mu.Unlock()
}

func (c *fakeControl) Claimed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.claimed...)
}

type dispatched struct {
	path     string
	cfg      core.PrintConfig
	override string
	body     []byte
}

type fakeFleet struct {
	mu       sync.Mutex
	printers map[string]*core.Printer
	calls    []dispatched
	err      error
}

func newFakeFleet(names ...string) *fakeFleet {
	f := &fakeFleet{printers: map[string]*core.Printer{}}
	for _, n := range names {
		f.printers[n] = &core.Printer{Name: n, Online: true}
	}
	return f
}

func (f *fakeFleet) Printers() []core.Printer {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Printer
	for _, p := range f.printers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *fakeFleet) GetPrinter(name string) (core.Printer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.printers[name]
	if !ok {
		return core.Printer{}, fmt.Errorf("%w: %s", core.ErrPrinterNotFound, name)
	}
	return *p, nil
}

func (f *fakeFleet) SetStatus(name string, online bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.printers[name]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrPrinterNotFound, name)
	}
	p.Online = online
	return nil
}

func (f *fakeFleet) Discover(context.Context) ([]core.Printer, error) {
	return f.Printers(), nil
}

func (f *fakeFleet) OnlineCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.printers {
		if p.Online {
			n++
		}
	}
	return n
}

func (f *fakeFleet) Dispatch(_ context.Context, path string, cfg core.PrintConfig, override string) (*core.DispatchResult, error) {
	body, _ := os.ReadFile(path)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatched{path: path, cfg: cfg, override: override, body: body})
	if f.err != nil {
		return nil, f.err
	}
	return &core.DispatchResult{ID: fmt.Sprintf("PRINT-%d", len(f.calls)), Printer: "P1"}, nil
}

func (f *fakeFleet) dispatches() []dispatched {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatched(nil), f.calls...)
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []*db.AuditLog
}

func (a *fakeAudit) RecordAudit(_ context.Context, log *db.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	log.ID = int64(len(a.logs) + 1)
	a.logs = append(a.logs, log)
	return nil
}

func (a *fakeAudit) ListAudit(_ context.Context, f db.AuditFilter, limit, offset int) ([]*db.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*db.AuditLog
	for _, l := range a.logs {
		if f.Action != "" && l.Action != f.Action {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (a *fakeAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *recordingSink) Publish(_ context.Context, ev core.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

// multipartBody builds a form with the given fields and files (name -> content).
type formFile struct {
	field, name string
	content     []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...formFile) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		fw, err := w.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = fw.Write(f.content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func do(r http.Handler, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func passthrough(c *gin.Context) { c.Next() }

var samplePDF = []byte("%PDF-1.4\n1 0 obj <<>> endobj\n%%EOF\n")
