package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/core"
)

// FleetController is the operator view of the printer fleet, satisfied by
// *core.FleetManager.
type FleetController interface {
	Printers() []core.Printer
	GetPrinter(name string) (core.Printer, error)
	SetStatus(name string, online bool) error
	Discover(ctx context.Context) ([]core.Printer, error)
	OnlineCount() int
}

type UpdatePrinterStatusRequest struct {
	Online *bool `json:"online" binding:"required"`
}

type PrinterResponse struct {
	Name      string     `json:"name"`
	Online    bool       `json:"online"`
	JobCount  int        `json:"job_count"`
	LastCheck *time.Time `json:"last_check,omitempty"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

type PrinterHandler struct {
	fleet FleetController
	audit AuditStore
}

func NewPrinterHandler(fleet FleetController, audit AuditStore) *PrinterHandler {
	return &PrinterHandler{fleet: fleet, audit: audit}
}

func printerToResponse(p core.Printer) PrinterResponse {
	resp := PrinterResponse{Name: p.Name, Online: p.Online, JobCount: p.JobCount}
	if !p.LastCheck.IsZero() {
		t := p.LastCheck
		resp.LastCheck = &t
	}
	if !p.LastSeen.IsZero() {
		t := p.LastSeen
		resp.LastSeen = &t
	}
	return resp
}

func printersToResponse(printers []core.Printer) []PrinterResponse {
	out := make([]PrinterResponse, 0, len(printers))
	for _, p := range printers {
		out = append(out, printerToResponse(p))
	}
	return out
}

func (h *PrinterHandler) ListPrinters(c *gin.Context) {
	c.JSON(http.StatusOK, printersToResponse(h.fleet.Printers()))
}

func (h *PrinterHandler) GetPrinter(c *gin.Context) {
	p, err := h.fleet.GetPrinter(c.Param("name"))
	if err != nil {
		respondError(c, err, "Failed to retrieve printer")
		return
	}
	c.JSON(http.StatusOK, printerToResponse(p))
}

func (h *PrinterHandler) DiscoverPrinters(c *gin.Context) {
	printers, err := h.fleet.Discover(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "discovery_failed",
			Message: err.Error(),
		})
		return
	}
	audit(c, h.audit, "discover", "printer", "", map[string]interface{}{"found": len(printers)})
	c.JSON(http.StatusOK, printersToResponse(printers))
}

// UpdatePrinterStatus lets the operator take a printer out of, or back into,
// rotation without touching the device.
func (h *PrinterHandler) UpdatePrinterStatus(c *gin.Context) {
	var req UpdatePrinterStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "online is required")
		return
	}

	name := c.Param("name")
	if err := h.fleet.SetStatus(name, *req.Online); err != nil {
		respondError(c, err, "Failed to update printer status")
		return
	}
	audit(c, h.audit, "set_status", "printer", name, map[string]interface{}{"online": *req.Online})

	p, err := h.fleet.GetPrinter(name)
	if err != nil {
		respondError(c, err, "Failed to retrieve printer")
		return
	}
	c.JSON(http.StatusOK, printerToResponse(p))
}

func (h *PrinterHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/printers", h.ListPrinters)
	r.POST("/printers/discover", h.DiscoverPrinters)
	r.GET("/printers/:name", h.GetPrinter)
	r.PUT("/printers/:name/status", h.UpdatePrinterStatus)
}
