package device

import (
	"fmt"

	"github.com/orrn/printdesk/internal/config"
	"github.com/orrn/printdesk/internal/core"
)

// NewSpooler builds the print leaf named by cfg.Spooler.
func NewSpooler(cfg *config.PrintersConfig) (core.Spooler, error) {
	switch cfg.Spooler {
	case "", "lp":
		return NewLPSpooler(), nil
	case "raw":
		return NewRawSpooler(cfg.Endpoints, cfg.ConnectionTimeout), nil
	default:
		return nil, fmt.Errorf("unknown spooler %q", cfg.Spooler)
	}
}
