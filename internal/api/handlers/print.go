package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/core"
)

// PrintQueue is the windowed queue in front of the fleet, satisfied by
// *core.WindowQueue.
type PrintQueue interface {
	Enqueue(priority int, task core.Task) string
	Status(id string) (core.QueueEntry, error)
	Cancel(id string) error
	Entries() []core.QueueEntry
}

type PrintStatusResponse struct {
	core.QueueEntry
	Printer    string `json:"printer,omitempty"`
	DispatchID string `json:"dispatch_id,omitempty"`
}

// printTicket tracks the spooled upload and dispatch result of one entry.
type printTicket struct {
	mu     sync.Mutex
	path   string
	ran    bool
	result *core.DispatchResult
}

func (t *printTicket) start() {
	t.mu.Lock()
	t.ran = true
	t.mu.Unlock()
}

func (t *printTicket) finish(res *core.DispatchResult) {
	t.mu.Lock()
	t.result = res
	t.mu.Unlock()
}

// PrintHandler is the standalone print-server surface: uploads go straight
// into the windowed queue and from there to the fleet.
type PrintHandler struct {
	queue     PrintQueue
	fleet     core.Fleet
	tempDir   string
	maxUpload int64
	logger    *slog.Logger

	mu      sync.Mutex
	tickets map[string]*printTicket
}

func NewPrintHandler(queue PrintQueue, fleet core.Fleet, tempDir string, maxUpload int64) *PrintHandler {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	return &PrintHandler{
		queue:     queue,
		fleet:     fleet,
		tempDir:   tempDir,
		maxUpload: maxUpload,
		logger:    slog.Default().With("component", "print_server"),
		tickets:   make(map[string]*printTicket),
	}
}

// Print accepts a multipart "pdf" part with an optional "config" JSON part.
// A "priority" form value overrides the config's priority.
func (h *PrintHandler) Print(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	fh, err := c.FormFile("pdf")
	if err != nil {
		badRequest(c, "pdf file is required")
		return
	}

	cfg := core.PrintConfig{Priority: core.DefaultRequestPriority}
	if raw := c.PostForm("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			badRequest(c, "invalid config: "+err.Error())
			return
		}
	}
	if raw := c.PostForm("priority"); raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil {
			badRequest(c, "priority must be an integer")
			return
		}
		cfg.Priority = p
	}
	if err := cfg.WithDefaults().Validate(); err != nil {
		respondError(c, err, "Invalid print configuration")
		return
	}

	if h.fleet.OnlineCount() == 0 {
		respondError(c, fmt.Errorf("%w: no printers online", core.ErrPrinterUnavailable), "No printers online")
		return
	}

	path, err := h.spool(fh)
	if err != nil {
		respondError(c, err, "Failed to store upload")
		return
	}

	ticket := &printTicket{path: path}
	override := c.PostForm("printer")
	h.mu.Lock()
	id := h.queue.Enqueue(cfg.Priority, func(ctx context.Context) error {
		ticket.start()
		defer os.Remove(path)
		res, err := h.fleet.Dispatch(ctx, path, cfg, override)
		if err != nil {
			return err
		}
		ticket.finish(res)
		return nil
	})
	h.tickets[id] = ticket
	h.pruneTickets()
	h.mu.Unlock()

	h.logger.Info("print request queued", "id", id, "priority", cfg.Priority, "file", fh.Filename)
	h.respondStatus(c, http.StatusAccepted, id)
}

func (h *PrintHandler) spool(fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(h.tempDir, "print-*.pdf")
	if err != nil {
		return "", fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

// pruneTickets forgets entries the queue no longer tracks. Caller holds mu.
func (h *PrintHandler) pruneTickets() {
	for id := range h.tickets {
		if _, err := h.queue.Status(id); errors.Is(err, core.ErrEntryNotFound) {
			delete(h.tickets, id)
		}
	}
}

func (h *PrintHandler) ticket(id string) *printTicket {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tickets[id]
}

func (h *PrintHandler) respondStatus(c *gin.Context, code int, id string) {
	entry, err := h.queue.Status(id)
	if err != nil {
		if errors.Is(err, core.ErrEntryNotFound) {
			h.mu.Lock()
			delete(h.tickets, id)
			h.mu.Unlock()
		}
		respondError(c, err, "Failed to retrieve print status")
		return
	}

	resp := PrintStatusResponse{QueueEntry: entry}
	if t := h.ticket(id); t != nil {
		t.mu.Lock()
		if t.result != nil {
			resp.Printer = t.result.Printer
			resp.DispatchID = t.result.ID
		}
		t.mu.Unlock()
	}
	c.JSON(code, resp)
}

func (h *PrintHandler) GetStatus(c *gin.Context) {
	h.respondStatus(c, http.StatusOK, c.Param("id"))
}

func (h *PrintHandler) ListEntries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.queue.Entries()})
}

func (h *PrintHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if err := h.queue.Cancel(id); err != nil {
		respondError(c, err, "Failed to cancel print request")
		return
	}
	if t := h.ticket(id); t != nil {
		os.Remove(t.path)
	}
	h.respondStatus(c, http.StatusOK, id)
}

// Cleanup removes spool files of requests that never ran. Call it after the
// queue is closed.
func (h *PrintHandler) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, t := range h.tickets {
		t.mu.Lock()
		if !t.ran {
			os.Remove(t.path)
		}
		t.mu.Unlock()
		delete(h.tickets, id)
	}
}

func (h *PrintHandler) RegisterRoutes(r *gin.RouterGroup, throttle gin.HandlerFunc) {
	r.POST("/print", throttle, h.Print)
	r.GET("/print", h.ListEntries)
	r.GET("/print/:id", h.GetStatus)
	r.DELETE("/print/:id", h.Cancel)
}
