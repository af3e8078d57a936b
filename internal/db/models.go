package db

import (
	"time"

	"github.com/orrn/printdesk/internal/core"
)

type Blob struct {
	FileID      core.FileID `json:"file_id"`
	Filename    string      `json:"filename"`
	ContentType string      `json:"content_type"`
	Size        int64       `json:"size"`
	CreatedAt   time.Time   `json:"created_at"`
}

type AuditLog struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	DetailsJSON string    `json:"details_json"`
	IPAddress   string    `json:"ip_address"`
	CreatedAt   time.Time `json:"created_at"`
}

type AuditFilter struct {
	Action     string
	EntityType string
	EntityID   string
}
