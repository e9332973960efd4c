package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Probe returns the container duration of path in seconds using ffprobe.
func (r *Runner) Probe(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, r.probeBin, probeArgs(path)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		r.logger.Warn("ffprobe failed",
			zap.String("path", path),
			zap.String("stderr", strings.TrimSpace(stderr.String())),
			zap.Error(err),
		)
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	return parseDuration(stdout.String())
}

func probeArgs(path string) []string {
	return []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}
}

func parseDuration(out string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(out), 64)
	if err != nil {
		return 0, fmt.Errorf("unreadable duration %q: %w", strings.TrimSpace(out), err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("invalid duration %v", v)
	}
	return v, nil
}
