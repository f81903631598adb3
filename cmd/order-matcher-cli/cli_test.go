package main

import (
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
)

func TestParseItemConfidences(t *testing.T) {
	got, err := parseItemConfidences([]string{"a=0.95", " b = 0.7 "})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"a": 0.95, "b": 0.7}, got)

	empty, err := parseItemConfidences(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, bad := range [][]string{
		{"a"},
		{"=0.5"},
		{"a=high"},
		{"a=1.2"},
		{"a=-0.1"},
		{"a=0.5", "a=0.6"},
	} {
		_, err := parseItemConfidences(bad)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "input %v", bad)
	}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := decodeMessage([]byte(`{"id":"m1","customer_id":"c1","subject":"Order","items":[{"id":"i1","description":"drill"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "c1", msg.CustomerID)
	assert.NotNil(t, msg.Items)

	_, err = decodeMessage([]byte(`{"id":`))
	assert.True(t, apperr.Is(err, apperr.KindMalformed))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "cordl…", truncate("cordless drill", 6))
	assert.Equal(t, "ü", truncate("über", 1))
}

func TestDisplayWidthIgnoresColor(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = prev })

	assert.Equal(t, 4, displayWidth(color.RedString("high")))
	assert.Equal(t, 3, displayWidth("│a│"))
}

func TestConfidenceNoColor(t *testing.T) {
	ui := &UI{noColor: true}
	assert.Equal(t, "high (85%)", ui.Confidence(retrieval.ConfidenceHigh, 85))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "1.5s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "2.0m", FormatDuration(2*time.Minute))
	assert.Equal(t, "1.5h", FormatDuration(90*time.Minute))
}
