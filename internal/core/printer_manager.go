package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orrn/printdesk/internal/config"
)

const (
	defaultDiscoveryInterval = 60 * time.Second
	defaultPrintTimeout      = 2 * time.Minute
)

// FleetManager owns the printer table. Selection and job-count bookkeeping
// happen under one lock so two concurrent dispatches never observe the same
// load.
type FleetManager struct {
	spooler   Spooler
	extractor PageExtractor
	metrics   MetricsRecorder
	config    *config.PrintersConfig
	logger    *slog.Logger

	printers map[string]*Printer
	seq      int
	mu       sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewFleetManager(spooler Spooler, extractor PageExtractor, cfg *config.PrintersConfig, metrics MetricsRecorder) *FleetManager {
	if cfg == nil {
		cfg = &config.PrintersConfig{}
	}
	return &FleetManager{
		spooler:   spooler,
		extractor: extractor,
		metrics:   metrics,
		config:    cfg,
		logger:    slog.Default().With("component", "fleet"),
		printers:  make(map[string]*Printer),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Start runs an initial discovery and then rediscovers on an interval.
func (fm *FleetManager) Start(ctx context.Context) {
	if _, err := fm.Discover(ctx); err != nil {
		fm.logger.Error("initial discovery failed", "error", err)
	}

	fm.wg.Add(1)
	go fm.discoveryLoop(ctx)
}

func (fm *FleetManager) Stop() {
	close(fm.stopCh)
	fm.wg.Wait()
}

func (fm *FleetManager) discoveryLoop(ctx context.Context) {
	defer fm.wg.Done()

	interval := fm.config.DiscoveryInterval
	if interval == 0 {
		interval = defaultDiscoveryInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-fm.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fm.Discover(ctx); err != nil {
				fm.logger.Warn("discovery failed", "error", err)
			}
		}
	}
}

// Discover merges the spooler's printer list into the table. New printers
// start offline unless listed in the configured online set; printers that
// disappear are kept with their last-seen time.
func (fm *FleetManager) Discover(ctx context.Context) ([]Printer, error) {
	names, err := fm.spooler.Printers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}

	initiallyOnline := make(map[string]bool, len(fm.config.Online))
	for _, n := range fm.config.Online {
		initiallyOnline[n] = true
	}

	now := fm.now()

	fm.mu.Lock()
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p, exists := fm.printers[name]
		if !exists {
			p = &Printer{
				Name:   name,
				Online: initiallyOnline[name],
				order:  fm.seq,
			}
			fm.seq++
			fm.printers[name] = p
			fm.logger.Info("printer discovered", "printer", name, "online", p.Online)
		}
		p.LastSeen = now
		p.LastCheck = now
	}

	if stale := fm.config.StaleAfter; stale > 0 {
		for _, p := range fm.printers {
			p.LastCheck = now
			if p.Online && now.Sub(p.LastSeen) > stale {
				p.Online = false
				fm.logger.Warn("printer not reported by spooler, marking offline",
					"printer", p.Name, "last_seen", p.LastSeen)
			}
		}
	}
	fm.mu.Unlock()

	return fm.Printers(), nil
}

// Printers returns a copy of the table in discovery order.
func (fm *FleetManager) Printers() []Printer {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	printers := make([]Printer, 0, len(fm.printers))
	for _, p := range fm.printers {
		printers = append(printers, *p)
	}
	sort.Slice(printers, func(i, j int) bool { return printers[i].order < printers[j].order })
	return printers
}

func (fm *FleetManager) GetPrinter(name string) (Printer, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	p, exists := fm.printers[name]
	if !exists {
		return Printer{}, fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
	}
	return *p, nil
}

// SetStatus is the operator's online/offline override.
func (fm *FleetManager) SetStatus(name string, online bool) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	p, exists := fm.printers[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPrinterNotFound, name)
	}
	if p.Online != online {
		fm.logger.Info("printer status changed", "printer", name, "online", online)
	}
	p.Online = online
	return nil
}

func (fm *FleetManager) HasAvailable() bool {
	return fm.OnlineCount() > 0
}

func (fm *FleetManager) OnlineCount() int {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	n := 0
	for _, p := range fm.printers {
		if p.Online {
			n++
		}
	}
	return n
}

// Select reports the printer the next unassigned dispatch would go to.
func (fm *FleetManager) Select() (string, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	p := fm.leastLoaded()
	if p == nil {
		return "", ErrPrinterUnavailable
	}
	return p.Name, nil
}

// leastLoaded must be called with mu held.
func (fm *FleetManager) leastLoaded() *Printer {
	var best *Printer
	for _, p := range fm.printers {
		if !p.Online {
			continue
		}
		if best == nil || p.JobCount < best.JobCount ||
			(p.JobCount == best.JobCount && p.order < best.order) {
			best = p
		}
	}
	return best
}

// acquire picks a printer and increments its job count in one step. An
// explicit override must be online; a hint from the print configuration is
// honoured when online and otherwise falls back to the least loaded printer.
func (fm *FleetManager) acquire(override, hint string) (string, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	var target *Printer
	switch {
	case override != "":
		p, exists := fm.printers[override]
		if !exists {
			return "", fmt.Errorf("%w: %s", ErrPrinterNotFound, override)
		}
		if !p.Online {
			return "", fmt.Errorf("%w: %s is offline", ErrPrinterUnavailable, override)
		}
		target = p
	case hint != "":
		if p, exists := fm.printers[hint]; exists && p.Online {
			target = p
		}
	}
	if target == nil {
		target = fm.leastLoaded()
	}
	if target == nil {
		return "", fmt.Errorf("%w: no printer online", ErrPrinterUnavailable)
	}

	target.JobCount++
	fm.reportLoad(target)
	return target.Name, nil
}

func (fm *FleetManager) release(name string) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if p, exists := fm.printers[name]; exists && p.JobCount > 0 {
		p.JobCount--
		fm.reportLoad(p)
	}
}

func (fm *FleetManager) reportLoad(p *Printer) {
	if fm.metrics != nil {
		fm.metrics.PrinterLoad(p.Name, p.JobCount)
	}
}

// Dispatch submits one local file to a printer. It fails fast and does not
// retry: missing content, invalid configuration, an offline override or an
// empty fleet are all returned to the caller.
func (fm *FleetManager) Dispatch(ctx context.Context, path string, cfg PrintConfig, override string) (*DispatchResult, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrContentNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	printPath, cleanup, err := fm.applyPageRanges(path, cfg.PageRanges)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	printer, err := fm.acquire(override, cfg.Printer)
	if err != nil {
		return nil, err
	}
	defer fm.release(printer)

	timeout := fm.config.PrintTimeout
	if timeout == 0 {
		timeout = defaultPrintTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = fm.spooler.Print(pctx, printPath, printer, cfg.DeviceOptions())
	if fm.metrics != nil {
		fm.metrics.FileDispatched(printer, err)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s did not accept the job within %s", ErrDeviceRejected, printer, timeout)
		}
		if errors.Is(err, ErrDeviceRejected) || errors.Is(err, ErrPrinterUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceRejected, err)
	}

	result := &DispatchResult{
		ID:      "PRINT-" + uuid.NewString(),
		Printer: printer,
	}
	fm.logger.Info("file dispatched", "printer", printer, "dispatch_id", result.ID, "file", filepath.Base(path))
	return result, nil
}

// applyPageRanges extracts the selected pages into a sibling file. The
// returned cleanup is always safe to call.
func (fm *FleetManager) applyPageRanges(path, ranges string) (string, func(), error) {
	noop := func() {}

	sel, err := ParsePageRanges(ranges)
	if err != nil {
		return "", noop, err
	}
	if sel == nil {
		return path, noop, nil
	}
	if fm.extractor == nil {
		return "", noop, fmt.Errorf("%w: page ranges are not supported by this spooler", ErrInvalidConfig)
	}

	total, err := fm.extractor.PageCount(path)
	if err != nil {
		return "", noop, fmt.Errorf("failed to count pages: %w", err)
	}
	pages, err := sel.Pages(total)
	if err != nil {
		return "", noop, err
	}

	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".pages-" + uuid.NewString()[:8] + ".pdf"
	if err := fm.extractor.Extract(path, out, pages); err != nil {
		_ = os.Remove(out)
		return "", noop, fmt.Errorf("failed to extract pages %q: %w", ranges, err)
	}
	return out, func() { _ = os.Remove(out) }, nil
}
