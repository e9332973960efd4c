package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTime(t *testing.T) {
	got, ok := ParseTime("frame=  42 fps=0.0 q=-0.0 size=N/A time=01:02:03.45 bitrate=N/A speed=1.2x")
	assert.True(t, ok)
	assert.InDelta(t, 3723.45, got, 1e-9)

	_, ok = ParseTime("Stream #0:0: Video: h264")
	assert.False(t, ok)

	_, ok = ParseTime("time=N/A")
	assert.False(t, ok)
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		duration float64
		offset   int
		want     int
		ok       bool
	}{
		{"end of window", "time=00:01:30.50", 90, 0, 100, true},
		{"halfway single pass", "time=00:00:45.00", 90, 0, 50, true},
		{"halfway after palette", "time=00:00:45.00", 90, PaletteStageOffset, 60, true},
		{"start after palette", "time=00:00:00.00", 90, PaletteStageOffset, 20, true},
		{"truncates", "time=00:00:01.00", 3, 0, 33, true},
		{"overshoot clamps", "time=00:10:00.00", 90, 0, 100, true},
		{"no timestamp", "Press [q] to stop", 90, 0, 0, false},
		{"zero duration", "time=00:00:01.00", 0, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseProgress(tt.line, tt.duration, tt.offset)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, Percent(0, 10, 0))
	assert.Equal(t, 100, Percent(10, 10, 0))
	assert.Equal(t, 20, Percent(5, 0, 20))
	assert.Equal(t, 0, Percent(-5, 10, 0))
}
