package monitor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/drover/internal/pipeline"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		d        time.Duration
		expected string
	}{
		{"hours_and_minutes", 2*time.Hour + 15*time.Minute, "2h 15m"},
		{"exact_hour", time.Hour, "1h 0m"},
		{"minutes_and_seconds", 3*time.Minute + 20*time.Second, "3m 20s"},
		{"exact_minute", time.Minute, "1m 0s"},
		{"seconds", 4200 * time.Millisecond, "4.2s"},
		{"exact_second", time.Second, "1.0s"},
		{"milliseconds", 180 * time.Millisecond, "180ms"},
		{"sub_millisecond", 500 * time.Microsecond, "0ms"},
		{"zero", 0, "0ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatDuration(tt.d))
		})
	}
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "never", FormatAge(time.Time{}))

	age := FormatAge(time.Now().Add(-90 * time.Second))
	assert.Equal(t, "1m 30s ago", age)

	assert.True(t, strings.HasSuffix(FormatAge(time.Now().Add(-time.Hour)), " ago"))
}

func TestFormatStage(t *testing.T) {
	tests := []struct {
		stage    pipeline.Stage
		expected string
	}{
		{pipeline.StageBacklog, "Backlog"},
		{pipeline.StageReady, "Ready"},
		{pipeline.StageAgentAssigned, "Agent Assigned"},
		{pipeline.StageInProgress, "In Progress"},
		{pipeline.StageInReview, "In Review"},
		{pipeline.StageMerging, "Merging"},
		{pipeline.StageDone, "Done"},
		{pipeline.StageStalled, "Stalled"},
	}
	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatStage(tt.stage))
		})
	}
}
