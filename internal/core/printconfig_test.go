package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePageRanges(t *testing.T) {
	cases := []struct {
		in    string
		total int
		want  []int
	}{
		{"2-3,7", 10, []int{2, 3, 7}},
		{" 1 - 2 , 5 ", 5, []int{1, 2, 5}},
		{"4", 4, []int{4}},
		{"3,1", 3, []int{3, 1}},
	}
	for _, tc := range cases {
		sel, err := ParsePageRanges(tc.in)
		require.NoError(t, err, tc.in)
		pages, err := sel.Pages(tc.total)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, pages, tc.in)
	}
}

func TestParsePageRanges_WholeDocument(t *testing.T) {
	for _, in := range []string{"", "all", "ALL", "  "} {
		sel, err := ParsePageRanges(in)
		assert.NoError(t, err)
		assert.Nil(t, sel, "%q should select the whole document", in)
	}
}

func TestParsePageRanges_Malformed(t *testing.T) {
	for _, in := range []string{"a-b", "0", "5-2", "1,,2", "-3", "1-", "2;4"} {
		_, err := ParsePageRanges(in)
		assert.ErrorIs(t, err, ErrInvalidConfig, in)
	}
}

func TestPageSelection_OutOfBounds(t *testing.T) {
	sel, err := ParsePageRanges("2-12")
	require.NoError(t, err)
	_, err = sel.Pages(10)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "valid pages are 1-10")

	sel, err = ParsePageRanges("11")
	require.NoError(t, err)
	_, err = sel.Pages(10)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPrintConfig_Validate(t *testing.T) {
	valid := PrintConfig{}.WithDefaults()
	require.NoError(t, valid.Validate())
	assert.Equal(t, 1, valid.Copies)
	assert.Equal(t, "A4", valid.PaperSize)
	assert.Equal(t, ColorMonochrome, valid.ColorMode)

	bad := []PrintConfig{
		{Copies: 101},
		{ColorMode: "sepia"},
		{Orientation: "sideways"},
		{PagesPerSheet: 3},
		{Border: "double"},
		{Priority: 101},
		{Priority: -1},
		{PageRanges: "x"},
	}
	for _, cfg := range bad {
		err := cfg.WithDefaults().Validate()
		assert.ErrorIs(t, err, ErrInvalidConfig, "%+v", cfg)
	}
}

func TestDeviceOptions_Args(t *testing.T) {
	cfg := PrintConfig{
		Copies:        2,
		ColorMode:     "Color",
		PaperSize:     "A3",
		Orientation:   OrientationLandscape,
		Duplex:        true,
		PagesPerSheet: 4,
		Border:        BorderSingle,
		Username:      "asha",
		OrderID:       "ORD-7",
	}

	args := cfg.DeviceOptions().Args()
	assert.Equal(t, []string{
		"-n", "2",
		"-t", "Order ORD-7 (asha)",
		"-o", "sides=two-sided-long-edge",
		"-o", "number-up=4",
		"-o", "landscape",
		"-o", "media=A3",
		"-o", "fit-to-page",
		"-o", "page-border=single",
		"-o", "print-color-mode=color",
	}, args)
}

func TestDeviceOptions_Defaults(t *testing.T) {
	opts := PrintConfig{}.DeviceOptions()
	assert.Equal(t, 1, opts.Copies)
	assert.Equal(t, "one-sided", opts.Sides)
	assert.Equal(t, 1, opts.NumberUp)
	assert.False(t, opts.Landscape)
	assert.True(t, opts.Monochrome())
	assert.Contains(t, opts.Args(), "portrait")
}

func TestJobPriority_HighestFile(t *testing.T) {
	job := &Job{Files: []FileRef{
		{Config: PrintConfig{Priority: 10}},
		{Config: PrintConfig{Priority: 90}},
		{Config: PrintConfig{Priority: 40}},
	}}
	assert.Equal(t, 90, job.Priority())
	assert.Equal(t, 0, (&Job{}).Priority())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(JobStatusPending, JobStatusProcessing))
	assert.True(t, CanTransition(JobStatusProcessing, JobStatusCompleted))
	assert.True(t, CanTransition(JobStatusProcessing, JobStatusFailed))
	assert.False(t, CanTransition(JobStatusPending, JobStatusCompleted))
	assert.False(t, CanTransition(JobStatusCompleted, JobStatusProcessing))
	assert.False(t, CanTransition(JobStatusFailed, JobStatusPending))
	assert.True(t, JobStatusCancelled.IsTerminal())
}
