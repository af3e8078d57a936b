package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/core"
)

// JobRepository is the job and document store the API writes through. Both
// db.Store and mongostore.Store implement it.
type JobRepository interface {
	Get(ctx context.Context, ref string) (*core.Job, error)
	List(ctx context.Context, filter core.JobFilter) ([]*core.Job, error)
	Create(ctx context.Context, job *core.Job) error
	Cancel(ctx context.Context, ref string) (*core.Job, error)
	Stats(ctx context.Context) (map[core.JobStatus]int64, error)
	PutBlob(ctx context.Context, filename, contentType string, r io.Reader) (core.FileID, error)
}

// JobController is the dispatcher surface used by operators.
type JobController interface {
	StartProcessing(ctx context.Context, ref string) (*core.Job, error)
	Nudge()
	Automation() bool
	SetAutomation(enabled bool)
	Claimed() []string
}

var pdfMagic = []byte("%PDF-")

type JobListResponse struct {
	Jobs   []*core.Job `json:"jobs"`
	Count  int         `json:"count"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

type AutomationRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type AutomationResponse struct {
	Enabled bool     `json:"enabled"`
	Claimed []string `json:"claimed"`
}

type JobHandler struct {
	jobs      JobRepository
	control   JobController
	events    core.EventSink
	audit     AuditStore
	maxUpload int64
}

func NewJobHandler(jobs JobRepository, control JobController, events core.EventSink, audit AuditStore, maxUpload int64) *JobHandler {
	if events == nil {
		events = core.MultiSink(nil)
	}
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	return &JobHandler{
		jobs:      jobs,
		control:   control,
		events:    events,
		audit:     audit,
		maxUpload: maxUpload,
	}
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	limit, offset := paging(c, 50)
	filter := core.JobFilter{
		Status: core.JobStatus(c.Query("status")),
		ShopID: c.Query("shop_id"),
		UserID: c.Query("user_id"),
		Limit:  limit,
		Offset: offset,
	}

	switch filter.Status {
	case "", core.JobStatusPending, core.JobStatusProcessing, core.JobStatusCompleted,
		core.JobStatusFailed, core.JobStatusCancelled:
	default:
		badRequest(c, fmt.Sprintf("unknown status %q", filter.Status))
		return
	}

	jobs, err := h.jobs.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "Failed to retrieve jobs")
		return
	}
	if jobs == nil {
		jobs = []*core.Job{}
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: jobs, Count: len(jobs), Limit: limit, Offset: offset})
}

func (h *JobHandler) GetJob(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondError(c, err, "Failed to retrieve job")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) GetJobStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to retrieve job statistics")
		return
	}
	var total int64
	for _, n := range stats {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"by_status": stats, "total": total})
}

// CreateJob ingests a multipart order: one or more "files" parts, plus either
// a "configs" JSON array (one entry per file) or a single "config" object
// applied to every file.
func (h *JobHandler) CreateJob(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	form, err := c.MultipartForm()
	if err != nil {
		badRequest(c, "invalid multipart form: "+err.Error())
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		badRequest(c, "at least one file is required")
		return
	}

	configs, err := parseConfigs(c.PostForm("configs"), c.PostForm("config"), len(files))
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	job := &core.Job{
		OrderID:  strings.TrimSpace(c.PostForm("order_id")),
		UserID:   c.PostForm("user_id"),
		Username: c.PostForm("username"),
		ShopID:   c.PostForm("shop_id"),
	}
	for i, fh := range files {
		id, err := h.storeUpload(ctx, fh)
		if err != nil {
			respondError(c, err, "Failed to store file")
			return
		}
		job.Files = append(job.Files, core.FileRef{
			FileID:       id,
			Filename:     fmt.Sprintf("%s%s", id, filepath.Ext(fh.Filename)),
			OriginalName: fh.Filename,
			Config:       configs[i],
		})
	}

	if err := h.jobs.Create(ctx, job); err != nil {
		respondError(c, err, "Failed to create job")
		return
	}

	for _, ev := range core.JobEvents(core.EventJobCreated, job, "", "") {
		h.events.Publish(ctx, ev)
	}
	audit(c, h.audit, "create", "job", job.ID, map[string]interface{}{"order_id": job.OrderID, "files": len(job.Files)})
	h.control.Nudge()

	c.JSON(http.StatusCreated, job)
}

// parseConfigs validates per-file configurations; defaults are applied at
// dispatch time, not stored.
func parseConfigs(list, single string, n int) ([]core.PrintConfig, error) {
	configs := make([]core.PrintConfig, n)
	for i := range configs {
		configs[i].Priority = core.DefaultJobFilePriority
	}

	switch {
	case list != "":
		var raw []json.RawMessage
		if err := json.Unmarshal([]byte(list), &raw); err != nil {
			return nil, fmt.Errorf("invalid configs: %v", err)
		}
		if len(raw) != n {
			return nil, fmt.Errorf("configs has %d entries for %d files", len(raw), n)
		}
		for i := range raw {
			if err := json.Unmarshal(raw[i], &configs[i]); err != nil {
				return nil, fmt.Errorf("invalid configs: file %d: %v", i, err)
			}
		}
	case single != "":
		cfg := core.PrintConfig{Priority: core.DefaultJobFilePriority}
		if err := json.Unmarshal([]byte(single), &cfg); err != nil {
			return nil, fmt.Errorf("invalid config: %v", err)
		}
		for i := range configs {
			configs[i] = cfg
		}
	}

	for i, cfg := range configs {
		if err := cfg.WithDefaults().Validate(); err != nil {
			return nil, fmt.Errorf("file %d: %v", i, err)
		}
	}
	return configs, nil
}

func (h *JobHandler) storeUpload(ctx context.Context, fh *multipart.FileHeader) (core.FileID, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, len(pdfMagic))
	n, _ := io.ReadFull(f, head)
	if !bytes.Equal(head[:n], pdfMagic) {
		return "", fmt.Errorf("%w: %s is not a PDF", core.ErrInvalidConfig, fh.Filename)
	}
	return h.jobs.PutBlob(ctx, fh.Filename, "application/pdf", io.MultiReader(bytes.NewReader(head[:n]), f))
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.jobs.Cancel(ctx, c.Param("ref"))
	if err != nil {
		respondError(c, err, "Failed to cancel job")
		return
	}

	for _, ev := range core.JobEvents(core.EventJobUpdated, job, core.JobStatusPending, "cancelled by operator") {
		h.events.Publish(ctx, ev)
	}
	audit(c, h.audit, "cancel", "job", job.ID, nil)
	c.JSON(http.StatusOK, job)
}

// PrintJob is the operator's "print now": it claims and runs a pending job
// whether or not automation is on.
func (h *JobHandler) PrintJob(c *gin.Context) {
	job, err := h.control.StartProcessing(c.Request.Context(), c.Param("ref"))
	if err != nil {
		respondError(c, err, "Failed to start job")
		return
	}
	audit(c, h.audit, "print", "job", job.ID, nil)
	c.JSON(http.StatusAccepted, job)
}

func (h *JobHandler) GetAutomation(c *gin.Context) {
	claimed := h.control.Claimed()
	if claimed == nil {
		claimed = []string{}
	}
	c.JSON(http.StatusOK, AutomationResponse{Enabled: h.control.Automation(), Claimed: claimed})
}

func (h *JobHandler) SetAutomation(c *gin.Context) {
	var req AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "enabled is required")
		return
	}

	h.control.SetAutomation(*req.Enabled)
	audit(c, h.audit, "set_automation", "dispatcher", "", map[string]interface{}{"enabled": *req.Enabled})
	h.GetAutomation(c)
}

// RegisterRoutes mounts the job routes; throttle guards the write paths that
// upload or start printing.
func (h *JobHandler) RegisterRoutes(r *gin.RouterGroup, throttle gin.HandlerFunc) {
	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs", throttle, h.CreateJob)
	r.GET("/jobs/stats", h.GetJobStats)
	r.GET("/jobs/:ref", h.GetJob)
	r.DELETE("/jobs/:ref", h.CancelJob)
	r.POST("/jobs/:ref/print", throttle, h.PrintJob)
	r.GET("/automation", h.GetAutomation)
	r.PUT("/automation", h.SetAutomation)
}
