package core

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	ColorMonochrome = "monochrome"
	ColorColor      = "color"

	OrientationPortrait  = "portrait"
	OrientationLandscape = "landscape"

	BorderNone   = "none"
	BorderSingle = "single"

	defaultPaperSize = "A4"
	maxCopies        = 100

	// Priorities used when a submission leaves priority out.
	DefaultRequestPriority = 50
	DefaultJobFilePriority = 90
)

var validPagesPerSheet = map[int]bool{1: true, 2: true, 4: true, 6: true}

type PrintConfig struct {
	Copies        int    `json:"copies" bson:"copies" yaml:"copies"`
	ColorMode     string `json:"color_mode" bson:"color_mode" yaml:"color_mode"`
	PaperSize     string `json:"paper_size" bson:"paper_size" yaml:"paper_size"`
	Orientation   string `json:"orientation" bson:"orientation" yaml:"orientation"`
	Duplex        bool   `json:"duplex" bson:"duplex" yaml:"duplex"`
	PageRanges    string `json:"page_ranges" bson:"page_ranges" yaml:"page_ranges"`
	PagesPerSheet int    `json:"pages_per_sheet" bson:"pages_per_sheet" yaml:"pages_per_sheet"`
	Border        string `json:"border" bson:"border" yaml:"border"`
	Priority      int    `json:"priority" bson:"priority" yaml:"priority"`
	Printer       string `json:"printer,omitempty" bson:"printer,omitempty" yaml:"printer"`

	// Set by the dispatcher from job metadata.
	Username string `json:"username,omitempty" bson:"username,omitempty" yaml:"-"`
	OrderID  string `json:"order_id,omitempty" bson:"order_id,omitempty" yaml:"-"`
}

// WithDefaults fills zero values the way the order form does.
func (c PrintConfig) WithDefaults() PrintConfig {
	if c.Copies == 0 {
		c.Copies = 1
	}
	if c.ColorMode == "" {
		c.ColorMode = ColorMonochrome
	}
	if c.PaperSize == "" {
		c.PaperSize = defaultPaperSize
	}
	if c.Orientation == "" {
		c.Orientation = OrientationPortrait
	}
	if c.PagesPerSheet == 0 {
		c.PagesPerSheet = 1
	}
	if c.Border == "" {
		c.Border = BorderNone
	}
	return c
}

func (c PrintConfig) Validate() error {
	if c.Copies < 1 || c.Copies > maxCopies {
		return fmt.Errorf("%w: copies must be between 1 and %d, got %d", ErrInvalidConfig, maxCopies, c.Copies)
	}
	switch strings.ToLower(c.ColorMode) {
	case ColorMonochrome, ColorColor:
	default:
		return fmt.Errorf("%w: color mode %q (valid: monochrome, color)", ErrInvalidConfig, c.ColorMode)
	}
	switch c.Orientation {
	case OrientationPortrait, OrientationLandscape:
	default:
		return fmt.Errorf("%w: orientation %q (valid: portrait, landscape)", ErrInvalidConfig, c.Orientation)
	}
	if !validPagesPerSheet[c.PagesPerSheet] {
		return fmt.Errorf("%w: pages per sheet %d (valid: 1, 2, 4, 6)", ErrInvalidConfig, c.PagesPerSheet)
	}
	switch c.Border {
	case BorderNone, BorderSingle:
	default:
		return fmt.Errorf("%w: border %q (valid: none, single)", ErrInvalidConfig, c.Border)
	}
	if c.Priority < 0 || c.Priority > 100 {
		return fmt.Errorf("%w: priority must be between 0 and 100, got %d", ErrInvalidConfig, c.Priority)
	}
	if _, err := ParsePageRanges(c.PageRanges); err != nil {
		return err
	}
	return nil
}

// DeviceOptions converts the abstract configuration into device-level options.
// Page ranges are not a device option; they are realised by extraction.
func (c PrintConfig) DeviceOptions() DeviceOptions {
	c = c.WithDefaults()
	o := DeviceOptions{
		Copies:     c.Copies,
		Sides:      "one-sided",
		NumberUp:   c.PagesPerSheet,
		Landscape:  c.Orientation == OrientationLandscape,
		Media:      c.PaperSize,
		FitToPage:  true,
		PageBorder: c.Border,
		ColorMode:  strings.ToLower(c.ColorMode),
		Title:      jobTitle(c.OrderID, c.Username),
	}
	if c.Duplex {
		o.Sides = "two-sided-long-edge"
	}
	return o
}

type DeviceOptions struct {
	Copies     int
	Sides      string
	NumberUp   int
	Landscape  bool
	Media      string
	FitToPage  bool
	PageBorder string
	ColorMode  string
	Title      string
}

func jobTitle(orderID, username string) string {
	switch {
	case orderID != "" && username != "":
		return "Order " + orderID + " (" + username + ")"
	case orderID != "":
		return "Order " + orderID
	}
	return username
}

func (o DeviceOptions) Monochrome() bool {
	return o.ColorMode == ColorMonochrome
}

// Args renders the options in lp(1) syntax.
func (o DeviceOptions) Args() []string {
	args := []string{"-n", strconv.Itoa(max(o.Copies, 1))}
	if o.Title != "" {
		args = append(args, "-t", o.Title)
	}
	opt := func(v string) { args = append(args, "-o", v) }

	opt("sides=" + o.Sides)
	opt("number-up=" + strconv.Itoa(max(o.NumberUp, 1)))
	if o.Landscape {
		opt("landscape")
	} else {
		opt("portrait")
	}
	if o.Media != "" {
		opt("media=" + o.Media)
	}
	if o.FitToPage {
		opt("fit-to-page")
	}
	if o.PageBorder != "" {
		opt("page-border=" + o.PageBorder)
	}
	if o.ColorMode != "" {
		opt("print-color-mode=" + o.ColorMode)
	}
	return args
}

type pageSpan struct {
	from, to int
}

// PageSelection is a parsed page-range selector such as "1-4,6,8-10".
type PageSelection []pageSpan

// ParsePageRanges checks the syntax of a selector. Empty and "all" select the
// whole document and yield a nil selection.
func ParsePageRanges(s string) (PageSelection, error) {
	clean := strings.Join(strings.Fields(s), "")
	if clean == "" || strings.EqualFold(clean, "all") {
		return nil, nil
	}

	var sel PageSelection
	for _, part := range strings.Split(clean, ",") {
		from, to, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(from)
		if err != nil || start < 1 {
			return nil, fmt.Errorf("%w: invalid page range %q in %q", ErrInvalidConfig, part, s)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(to)
			if err != nil || end < start {
				return nil, fmt.Errorf("%w: invalid page range %q in %q", ErrInvalidConfig, part, s)
			}
		}
		sel = append(sel, pageSpan{from: start, to: end})
	}
	return sel, nil
}

// Pages expands the selection into 1-based page numbers, in selector order,
// checked against the document's page count.
func (sel PageSelection) Pages(total int) ([]int, error) {
	var pages []int
	for _, sp := range sel {
		if sp.to > total {
			if sp.from == sp.to {
				return nil, fmt.Errorf("%w: invalid page number %d, valid pages are 1-%d", ErrInvalidConfig, sp.from, total)
			}
			return nil, fmt.Errorf("%w: invalid page range %d-%d, valid pages are 1-%d", ErrInvalidConfig, sp.from, sp.to, total)
		}
		for p := sp.from; p <= sp.to; p++ {
			pages = append(pages, p)
		}
	}
	return pages, nil
}
