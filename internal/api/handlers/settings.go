package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/db"
)

// ServerConfigResponse is the effective configuration with secrets left out.
type ServerConfigResponse struct {
	Port              int      `json:"port"`
	Store             string   `json:"store"`
	DatabasePath      string   `json:"database_path,omitempty"`
	MongoDatabase     string   `json:"mongo_database,omitempty"`
	MongoWatch        bool     `json:"mongo_watch"`
	ArchivePath       string   `json:"archive_path"`
	Spooler           string   `json:"spooler"`
	DiscoveryInterval string   `json:"discovery_interval"`
	PrintTimeout      string   `json:"print_timeout"`
	StaleAfter        string   `json:"stale_after"`
	InitiallyOnline   []string `json:"initially_online"`
	QueueEnabled      bool     `json:"queue_enabled"`
	QueueWindow       string   `json:"queue_window"`
	MaxRankDrop       int      `json:"max_rank_drop"`
	PollInterval      string   `json:"poll_interval"`
	DispatchRetries   int      `json:"dispatch_retries"`
	RetryDelay        string   `json:"retry_delay"`
	AuthEnabled       bool     `json:"auth_enabled"`
	Webhooks          int      `json:"webhooks"`
	LogLevel          string   `json:"log_level"`
	LogFormat         string   `json:"log_format"`
}

type SettingsHandler struct {
	config *config.Config
	audit  AuditStore
}

// NewSettingsHandler serves the configuration view and, when audit is
// non-nil, the audit log.
func NewSettingsHandler(cfg *config.Config, audit AuditStore) *SettingsHandler {
	return &SettingsHandler{config: cfg, audit: audit}
}

func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config
	resp := ServerConfigResponse{
		Port:              cfg.Server.Port,
		Store:             cfg.Store,
		MongoWatch:        cfg.Mongo.Watch,
		ArchivePath:       cfg.Database.ArchivePath,
		Spooler:           cfg.Printers.Spooler,
		DiscoveryInterval: cfg.Printers.DiscoveryInterval.String(),
		PrintTimeout:      cfg.Printers.PrintTimeout.String(),
		StaleAfter:        cfg.Printers.StaleAfter.String(),
		InitiallyOnline:   cfg.Printers.Online,
		QueueEnabled:      cfg.Queue.Enabled,
		QueueWindow:       cfg.Queue.Window.String(),
		MaxRankDrop:       cfg.Queue.MaxRankDrop,
		PollInterval:      cfg.Dispatcher.PollInterval.String(),
		DispatchRetries:   cfg.Dispatcher.DispatchRetries,
		RetryDelay:        cfg.Dispatcher.RetryDelay.String(),
		AuthEnabled:       cfg.Auth.Enabled,
		Webhooks:          len(cfg.Webhooks),
		LogLevel:          cfg.Logging.Level,
		LogFormat:         cfg.Logging.Format,
	}
	if cfg.Store == "mongo" {
		resp.MongoDatabase = cfg.Mongo.Database
	} else {
		resp.DatabasePath = cfg.Database.Path
	}
	if resp.InitiallyOnline == nil {
		resp.InitiallyOnline = []string{}
	}

	c.JSON(http.StatusOK, resp)
}

func (h *SettingsHandler) ListAudit(c *gin.Context) {
	if h.audit == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "audit log is not enabled"})
		return
	}

	limit, offset := paging(c, 100)
	logs, err := h.audit.ListAudit(c.Request.Context(), db.AuditFilter{
		Action:     c.Query("action"),
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
	}, limit, offset)
	if err != nil {
		respondError(c, err, "Failed to retrieve audit log")
		return
	}
	if logs == nil {
		logs = []*db.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": logs, "count": len(logs)})
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings/server", h.GetServerConfig)
	r.GET("/audit", h.ListAudit)
}
