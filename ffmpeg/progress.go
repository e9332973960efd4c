package ffmpeg

import (
	"regexp"
	"strconv"
)

// PaletteStageOffset is the share of the progress bar credited to palette generation
// in two-pass mode. ffmpeg gives no progress for that stage, so it is a fixed estimate.
const PaletteStageOffset = 20

var timePattern = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2})\.(\d{2})`)

// ParseTime extracts the elapsed output time from a status line such as
// "frame=  42 fps=0.0 q=-0.0 size=N/A time=00:00:04.20 bitrate=N/A".
func ParseTime(line string) (float64, bool) {
	m := timePattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	s, _ := strconv.Atoi(m[3])
	hs, _ := strconv.Atoi(m[4])
	return float64(h*3600+mm*60+s) + float64(hs)/100, true
}

// Percent maps elapsed seconds of a duration-long window onto [offset, 100].
func Percent(elapsed, duration float64, offset int) int {
	if duration <= 0 {
		return clamp(offset)
	}
	return clamp(int(float64(offset) + elapsed/duration*float64(100-offset)))
}

// ParseProgress combines ParseTime and Percent. Lines without a timestamp yield no event.
func ParseProgress(line string, duration float64, offset int) (int, bool) {
	if duration <= 0 {
		return 0, false
	}
	elapsed, ok := ParseTime(line)
	if !ok {
		return 0, false
	}
	return Percent(elapsed, duration, offset), true
}

func clamp(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
