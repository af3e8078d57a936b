package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/core"
)

// QueueDepther reports how many print-server requests are waiting.
type QueueDepther interface {
	Depth() int
}

type DashboardStats struct {
	Jobs            map[core.JobStatus]int64 `json:"jobs"`
	TotalPrinters   int                      `json:"total_printers"`
	OnlinePrinters  int                      `json:"online_printers"`
	OfflinePrinters int                      `json:"offline_printers"`
	BusyPrinters    int                      `json:"busy_printers"`
	QueueDepth      int                      `json:"queue_depth"`
	Automation      bool                     `json:"automation"`
	InFlight        int                      `json:"in_flight"`
}

type DashboardResponse struct {
	Stats      DashboardStats    `json:"stats"`
	Printers   []PrinterResponse `json:"printers"`
	RecentJobs []*core.Job       `json:"recent_jobs"`
}

type DashboardHandler struct {
	jobs    JobRepository
	fleet   FleetController
	control JobController
	queue   QueueDepther
}

// NewDashboardHandler builds the operator overview. queue may be nil when the
// print-server surface is disabled.
func NewDashboardHandler(jobs JobRepository, fleet FleetController, control JobController, queue QueueDepther) *DashboardHandler {
	return &DashboardHandler{jobs: jobs, fleet: fleet, control: control, queue: queue}
}

func (h *DashboardHandler) Dashboard(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := h.jobs.Stats(ctx)
	if err != nil {
		respondError(c, err, "Failed to retrieve job statistics")
		return
	}
	recent, err := h.jobs.List(ctx, core.JobFilter{Limit: 10})
	if err != nil {
		respondError(c, err, "Failed to retrieve jobs")
		return
	}
	if recent == nil {
		recent = []*core.Job{}
	}

	printers := h.fleet.Printers()
	stats := DashboardStats{
		Jobs:          counts,
		TotalPrinters: len(printers),
		Automation:    h.control.Automation(),
		InFlight:      len(h.control.Claimed()),
	}
	for _, p := range printers {
		if p.Online {
			stats.OnlinePrinters++
		} else {
			stats.OfflinePrinters++
		}
		if p.JobCount > 0 {
			stats.BusyPrinters++
		}
	}
	if h.queue != nil {
		stats.QueueDepth = h.queue.Depth()
	}

	c.JSON(http.StatusOK, DashboardResponse{
		Stats:      stats,
		Printers:   printersToResponse(printers),
		RecentJobs: recent,
	})
}

func (h *DashboardHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/dashboard", h.Dashboard)
}
