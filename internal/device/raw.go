package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orrn/printdesk/internal/core"
)

const (
	defaultRawPort          = 9100
	defaultReadWriteTimeout = 10 * time.Second
	uel                     = "\x1b%-12345X"
)

// PJL status code families. The first two digits of CODE select the state.
var pjlStateMap = map[int]string{
	10: "ready",
	11: "paper_loading",
	30: "warning",
	35: "warning",
	40: "error",
	41: "paper_jam",
	42: "paper_jam",
	44: "paper_jam",
}

type DeviceStatus struct {
	Code     int    `json:"code"`
	Display  string `json:"display"`
	Online   bool   `json:"online"`
	State    string `json:"state"`
	CanPrint bool   `json:"can_print"`
}

// RawSpooler streams PDF jobs wrapped in PJL to JetDirect style endpoints
// (TCP 9100). Printers are named by the keys of the endpoint map.
type RawSpooler struct {
	endpoints map[string]string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewRawSpooler(endpoints map[string]string, timeout time.Duration) *RawSpooler {
	if timeout == 0 {
		timeout = defaultReadWriteTimeout
	}
	return &RawSpooler{
		endpoints: endpoints,
		timeout:   timeout,
		logger:    slog.Default().With("component", "raw"),
	}
}

func (s *RawSpooler) address(printer string) (string, error) {
	addr, ok := s.endpoints[printer]
	if !ok {
		return "", core.ErrPrinterNotFound
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(defaultRawPort))
	}
	return addr, nil
}

func (s *RawSpooler) connect(ctx context.Context, printer string) (net.Conn, error) {
	addr, err := s.address(printer)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: s.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrPrinterUnavailable, err)
	}
	deadline := time.Now().Add(s.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	return conn, nil
}

// Printers returns the configured endpoints that accept a connection.
func (s *RawSpooler) Printers(ctx context.Context) ([]string, error) {
	var names []string
	for name := range s.endpoints {
		conn, err := s.connect(ctx, name)
		if err != nil {
			s.logger.Debug("endpoint unreachable", "printer", name, "error", err)
			continue
		}
		conn.Close()
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Status asks the device for its PJL status.
func (s *RawSpooler) Status(ctx context.Context, printer string) (*DeviceStatus, error) {
	conn, err := s.connect(ctx, printer)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return queryStatus(conn)
}

func queryStatus(conn net.Conn) (*DeviceStatus, error) {
	if _, err := io.WriteString(conn, uel+"@PJL INFO STATUS\r\n"+uel); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrPrinterUnavailable, err)
	}
	resp, err := bufio.NewReader(conn).ReadString('\f')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", core.ErrPrinterUnavailable, err)
	}
	return parseStatus(resp), nil
}

func parseStatus(resp string) *DeviceStatus {
	status := &DeviceStatus{State: "unknown"}
	for _, line := range strings.Split(resp, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch strings.ToUpper(key) {
		case "CODE":
			status.Code, _ = strconv.Atoi(value)
		case "DISPLAY":
			status.Display = strings.Trim(value, `"`)
		case "ONLINE":
			status.Online = strings.EqualFold(value, "TRUE")
		}
	}
	if state, ok := pjlStateMap[status.Code/1000]; ok {
		status.State = state
	}
	status.CanPrint = status.Online && (status.State == "ready" || status.State == "warning")
	return status
}

func (s *RawSpooler) Print(ctx context.Context, path, printer string, opts core.DeviceOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrContentNotFound, err)
	}
	defer f.Close()

	conn, err := s.connect(ctx, printer)
	if err != nil {
		return err
	}
	defer conn.Close()

	status, err := queryStatus(conn)
	if err != nil {
		return err
	}
	if !status.CanPrint {
		return fmt.Errorf("%w: printer reports %s (%d %s)", core.ErrDeviceRejected, status.State, status.Code, status.Display)
	}

	if _, err := io.WriteString(conn, pjlHeader(opts)); err != nil {
		return fmt.Errorf("%w: %v", core.ErrDeviceRejected, err)
	}
	if _, err := io.Copy(conn, f); err != nil {
		return fmt.Errorf("%w: %v", core.ErrDeviceRejected, err)
	}
	if _, err := io.WriteString(conn, uel+"@PJL EOJ\r\n"+uel); err != nil {
		return fmt.Errorf("%w: %v", core.ErrDeviceRejected, err)
	}
	s.logger.Debug("submitted", "printer", printer, "title", opts.Title)
	return nil
}

func pjlHeader(opts core.DeviceOptions) string {
	var b strings.Builder
	b.WriteString(uel + "@PJL\r\n")
	if opts.Title != "" {
		fmt.Fprintf(&b, "@PJL JOB NAME=%q\r\n", opts.Title)
	}
	copies := max(opts.Copies, 1)
	fmt.Fprintf(&b, "@PJL SET COPIES=%d\r\n", copies)
	if opts.Sides == "one-sided" || opts.Sides == "" {
		b.WriteString("@PJL SET DUPLEX=OFF\r\n")
	} else {
		b.WriteString("@PJL SET DUPLEX=ON\r\n@PJL SET BINDING=LONGEDGE\r\n")
	}
	if opts.Landscape {
		b.WriteString("@PJL SET ORIENTATION=LANDSCAPE\r\n")
	} else {
		b.WriteString("@PJL SET ORIENTATION=PORTRAIT\r\n")
	}
	if opts.Media != "" {
		fmt.Fprintf(&b, "@PJL SET PAPER=%s\r\n", strings.ToUpper(opts.Media))
	}
	if opts.Monochrome() {
		b.WriteString("@PJL SET RENDERMODE=GRAYSCALE\r\n")
	} else {
		b.WriteString("@PJL SET RENDERMODE=COLOR\r\n")
	}
	b.WriteString("@PJL ENTER LANGUAGE=PDF\r\n")
	return b.String()
}
