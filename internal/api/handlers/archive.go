package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printdesk/internal/archive"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
	audit    AuditStore
}

func NewArchiveHandler(archiver *archive.Archiver, audit AuditStore) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver, audit: audit}
}

type ArchiveListResponse struct {
	Archives []*archive.ArchiveFile `json:"archives"`
	Count    int                    `json:"count"`
}

type ArchiveStatsResponse struct {
	TotalArchives   int    `json:"total_archives"`
	TotalSize       int64  `json:"total_size_bytes"`
	TotalJobsStored int    `json:"total_jobs_stored"`
	OldestArchive   string `json:"oldest_archive,omitempty"`
	NewestArchive   string `json:"newest_archive,omitempty"`
}

type ArchiveSettingsResponse struct {
	ArchivePath string `json:"archive_path"`
	ArchiveDays int    `json:"archive_days"`
}

type UpdateArchiveSettingsRequest struct {
	ArchiveDays int `json:"archive_days" binding:"required,min=1,max=365"`
}

type RestoreJobRequest struct {
	Ref string `json:"ref" binding:"required"`
}

func archiveError(c *gin.Context, err error, message string) {
	if errors.Is(err, archive.ErrArchiveNotFound) || errors.Is(err, archive.ErrJobNotArchived) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: err.Error()})
		return
	}
	respondError(c, err, message)
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to list archives")
		return
	}
	if archives == nil {
		archives = []*archive.ArchiveFile{}
	}
	c.JSON(http.StatusOK, ArchiveListResponse{Archives: archives, Count: len(archives)})
}

func (h *ArchiveHandler) GetArchiveStats(c *gin.Context) {
	archives, err := h.archiver.ListArchives(c.Request.Context())
	if err != nil {
		respondError(c, err, "Failed to get archive stats")
		return
	}

	resp := ArchiveStatsResponse{TotalArchives: len(archives)}
	for _, a := range archives {
		resp.TotalSize += a.Size
		resp.TotalJobsStored += a.JobCount
	}
	if len(archives) > 0 {
		resp.OldestArchive = archives[0].Filename
		resp.NewestArchive = archives[len(archives)-1].Filename
	}
	c.JSON(http.StatusOK, resp)
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), c.Param("filename"))
	if err != nil {
		archiveError(c, err, "Failed to get archive")
		return
	}
	c.JSON(http.StatusOK, info)
}

func (h *ArchiveHandler) DownloadArchive(c *gin.Context) {
	filename := c.Param("filename")
	path, err := h.archiver.FilePath(filename)
	if err != nil {
		archiveError(c, err, "Failed to get archive")
		return
	}

	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Transfer-Encoding", "binary")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Header("Content-Type", "application/octet-stream")
	c.File(path)
}

func (h *ArchiveHandler) DeleteArchive(c *gin.Context) {
	filename := c.Param("filename")
	if err := h.archiver.DeleteArchive(c.Request.Context(), filename); err != nil {
		archiveError(c, err, "Failed to delete archive")
		return
	}
	audit(c, h.audit, "delete", "archive", filename, nil)
	c.JSON(http.StatusOK, gin.H{"message": "archive deleted"})
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	n, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		respondError(c, err, "Archive run failed")
		return
	}
	audit(c, h.audit, "run", "archive", "", map[string]interface{}{"archived": n})
	c.JSON(http.StatusOK, gin.H{"message": "archive completed", "archived": n})
}

func (h *ArchiveHandler) RestoreJob(c *gin.Context) {
	var req RestoreJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "ref is required")
		return
	}

	info, err := h.archiver.Restore(c.Request.Context(), req.Ref)
	if err != nil {
		archiveError(c, err, "Failed to restore job")
		return
	}
	audit(c, h.audit, "restore", "job", info.JobID, map[string]interface{}{"archive": info.ArchiveFile})
	c.JSON(http.StatusOK, gin.H{"message": "job restored", "job": info})
}

func (h *ArchiveHandler) GetArchiveSettings(c *gin.Context) {
	c.JSON(http.StatusOK, ArchiveSettingsResponse{
		ArchivePath: h.archiver.Path(),
		ArchiveDays: h.archiver.ArchiveDays(),
	})
}

func (h *ArchiveHandler) UpdateArchiveSettings(c *gin.Context) {
	var req UpdateArchiveSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	h.archiver.SetArchiveDays(req.ArchiveDays)
	audit(c, h.audit, "update_settings", "archive", "", map[string]interface{}{"archive_days": req.ArchiveDays})
	h.GetArchiveSettings(c)
}

func (h *ArchiveHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/archives", h.ListArchives)
	r.GET("/archives/stats", h.GetArchiveStats)
	r.GET("/archives/:filename", h.GetArchiveInfo)
	r.GET("/archives/:filename/download", h.DownloadArchive)
	r.DELETE("/archives/:filename", h.DeleteArchive)
	r.POST("/archives/run", h.TriggerArchive)
	r.POST("/archives/restore", h.RestoreJob)
	r.GET("/settings/archival", h.GetArchiveSettings)
	r.PUT("/settings/archival", h.UpdateArchiveSettings)
}
