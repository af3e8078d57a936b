package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
)

type printFixture struct {
	router  *gin.Engine
	queue   *core.WindowQueue
	fleet   *fakeFleet
	handler *PrintHandler
	dir     string
}

func newPrintFixture(t *testing.T, window time.Duration) *printFixture {
	t.Helper()
	f := &printFixture{
		queue: core.NewWindowQueue(&config.QueueConfig{Window: window, MaxRankDrop: 5}, nil),
		fleet: newFakeFleet("P1"),
		dir:   t.TempDir(),
	}
	t.Cleanup(f.queue.Close)
	f.handler = NewPrintHandler(f.queue, f.fleet, f.dir, 1<<20)
	f.router = gin.New()
	f.handler.RegisterRoutes(f.router.Group("/api"), passthrough)
	return f
}

func (f *printFixture) submit(t *testing.T, fields map[string]string) *PrintStatusResponse {
	t.Helper()
	body, ct := multipartBody(t, fields, formFile{"pdf", "doc.pdf", samplePDF})
	w := do(f.router, http.MethodPost, "/api/print", body, ct)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp PrintStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func (f *printFixture) status(t *testing.T, id string) PrintStatusResponse {
	t.Helper()
	w := do(f.router, http.MethodGet, "/api/print/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp PrintStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (f *printFixture) waitFor(t *testing.T, id string, want core.EntryStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		e, err := f.queue.Status(id)
		return err == nil && e.Status == want
	}, 2*time.Second, 10*time.Millisecond)
}

func spoolFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "print-*.pdf"))
	require.NoError(t, err)
	return matches
}

func TestPrint_QueuesAndDispatches(t *testing.T) {
	f := newPrintFixture(t, 20*time.Millisecond)

	resp := f.submit(t, map[string]string{
		"config":   `{"copies":2,"priority":10}`,
		"priority": "70",
		"printer":  "P1",
	})
	assert.Equal(t, core.EntryQueued, resp.Status)
	assert.Equal(t, 70, resp.Priority)

	f.waitFor(t, resp.ID, core.EntryCompleted)

	final := f.status(t, resp.ID)
	assert.Equal(t, "P1", final.Printer)
	assert.Equal(t, "PRINT-1", final.DispatchID)

	calls := f.fleet.dispatches()
	require.Len(t, calls, 1)
	assert.Equal(t, 2, calls[0].cfg.Copies)
	assert.Equal(t, 70, calls[0].cfg.Priority)
	assert.Equal(t, "P1", calls[0].override)
	assert.Equal(t, samplePDF, calls[0].body)
	assert.Empty(t, spoolFiles(t, f.dir))
}

func TestPrint_DefaultPriority(t *testing.T) {
	f := newPrintFixture(t, time.Hour)

	bare := f.submit(t, nil)
	assert.Equal(t, core.DefaultRequestPriority, bare.Priority)

	withConfig := f.submit(t, map[string]string{"config": `{"copies":3}`})
	assert.Equal(t, core.DefaultRequestPriority, withConfig.Priority)

	explicitZero := f.submit(t, map[string]string{"config": `{"priority":0}`})
	assert.Equal(t, 0, explicitZero.Priority)

	e, err := f.queue.Status(bare.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, e.Priority)
}

func TestPrint_DispatchFailureMarksEntryFailed(t *testing.T) {
	f := newPrintFixture(t, 20*time.Millisecond)
	f.fleet.err = core.ErrDeviceRejected

	resp := f.submit(t, nil)
	f.waitFor(t, resp.ID, core.EntryFailed)
	assert.Contains(t, f.status(t, resp.ID).Error, "device rejected")
	assert.Empty(t, spoolFiles(t, f.dir))
}

func TestPrint_Rejects(t *testing.T) {
	f := newPrintFixture(t, time.Hour)

	body, ct := multipartBody(t, nil)
	w := do(f.router, http.MethodPost, "/api/print", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, map[string]string{"priority": "high"}, formFile{"pdf", "a.pdf", samplePDF})
	w = do(f.router, http.MethodPost, "/api/print", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, ct = multipartBody(t, map[string]string{"priority": "101"}, formFile{"pdf", "a.pdf", samplePDF})
	w = do(f.router, http.MethodPost, "/api/print", body, ct)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, f.fleet.SetStatus("P1", false))
	body, ct = multipartBody(t, nil, formFile{"pdf", "a.pdf", samplePDF})
	w = do(f.router, http.MethodPost, "/api/print", body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	assert.Empty(t, f.queue.Entries())
	assert.Empty(t, spoolFiles(t, f.dir))
}

func TestPrint_CancelRemovesSpoolFile(t *testing.T) {
	f := newPrintFixture(t, time.Hour)

	resp := f.submit(t, nil)
	require.Len(t, spoolFiles(t, f.dir), 1)

	w := do(f.router, http.MethodDelete, "/api/print/"+resp.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, core.EntryCancelled, f.status(t, resp.ID).Status)
	assert.Empty(t, spoolFiles(t, f.dir))

	w = do(f.router, http.MethodDelete, "/api/print/"+resp.ID, nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(f.router, http.MethodGet, "/api/print/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPrint_ListEntriesAndCleanup(t *testing.T) {
	f := newPrintFixture(t, time.Hour)
	f.submit(t, map[string]string{"priority": "10"})
	f.submit(t, map[string]string{"priority": "90"})

	w := do(f.router, http.MethodGet, "/api/print", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Entries []core.QueueEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Entries, 2)
	assert.Equal(t, 90, list.Entries[0].Priority)

	require.Len(t, spoolFiles(t, f.dir), 2)
	f.handler.Cleanup()
	assert.Empty(t, spoolFiles(t, f.dir))
}

func TestPrint_SpoolFileExistsUntilDispatch(t *testing.T) {
	f := newPrintFixture(t, 20*time.Millisecond)
	block := make(chan struct{})
	paths := make(chan string, 1)

	f.handler.fleet = fleetFunc(func(ctx context.Context, path string) {
		paths <- path
		<-block
	})

	resp := f.submit(t, nil)
	seen := <-paths
	assert.Equal(t, core.EntryPrinting, f.status(t, resp.ID).Status)

	_, err := os.Stat(seen)
	assert.NoError(t, err)
	close(block)

	f.waitFor(t, resp.ID, core.EntryCompleted)
	_, err = os.Stat(seen)
	assert.True(t, os.IsNotExist(err))
}

// fleetFunc adapts a callback into a single always-online printer.
type fleetFunc func(ctx context.Context, path string)

func (f fleetFunc) OnlineCount() int { return 1 }

func (f fleetFunc) Dispatch(ctx context.Context, path string, _ core.PrintConfig, _ string) (*core.DispatchResult, error) {
	f(ctx, path)
	return &core.DispatchResult{ID: "PRINT-X", Printer: "P1"}, nil
}
