// Package device holds the OS print leaves behind core.Spooler and the PDF
// page extractor behind core.PageExtractor.
package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/orrn/printdesk/internal/core"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// LPSpooler submits documents through the CUPS command line tools.
type LPSpooler struct {
	lp     string
	lpstat string
	run    runFunc
	logger *slog.Logger
}

func NewLPSpooler() *LPSpooler {
	return &LPSpooler{
		lp:     "lp",
		lpstat: "lpstat",
		run:    runCommand,
		logger: slog.Default().With("component", "lp"),
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// Printers lists every destination CUPS knows about, enabled or not.
func (s *LPSpooler) Printers(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, s.lpstat, "-p")
	if err != nil {
		if strings.Contains(err.Error(), "No destinations added") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list printers: %w", err)
	}
	return parseLpstat(out), nil
}

func parseLpstat(out []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "printer" {
			names = append(names, fields[1])
		}
	}
	return names
}

func (s *LPSpooler) Print(ctx context.Context, path, printer string, opts core.DeviceOptions) error {
	args := append([]string{"-d", printer}, opts.Args()...)
	args = append(args, "--", path)

	out, err := s.run(ctx, s.lp, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", core.ErrDeviceRejected, err)
	}
	s.logger.Debug("submitted", "printer", printer, "response", strings.TrimSpace(string(out)))
	return nil
}
