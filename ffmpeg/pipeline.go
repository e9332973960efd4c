package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strconv"
)

// Params is one conversion: the window of Input to render and how to scale it.
type Params struct {
	Input     string
	Output    string
	Start     float64
	End       *float64
	FrameRate int
	Width     int
}

func (p Params) inputArgs() []string {
	args := []string{"-ss", formatSeconds(p.Start)}
	if p.End != nil {
		args = append(args, "-t", formatSeconds(*p.End-p.Start))
	}
	return append(args, "-i", p.Input)
}

func (p Params) filter() string {
	return fmt.Sprintf("fps=%d,scale=%d:-1:flags=lanczos", p.FrameRate, p.Width)
}

// SinglePassArgs renders the GIF directly with ffmpeg's default palette.
func SinglePassArgs(p Params) []string {
	return append(p.inputArgs(), "-vf", p.filter(), "-y", p.Output)
}

// PaletteArgs is the first of the two high quality passes: it writes an optimised palette image.
func PaletteArgs(p Params, palette string) []string {
	return append(p.inputArgs(), "-vf", p.filter()+",palettegen", "-y", palette)
}

// PaletteUseArgs renders the GIF against the palette produced by PaletteArgs.
func PaletteUseArgs(p Params, palette string) []string {
	args := append(p.inputArgs(), "-i", palette)
	return append(args, "-lavfi", p.filter()+" [x]; [x][1:v] paletteuse", "-y", p.Output)
}

// PalettePath places the palette next to the output, named after the job so concurrent jobs never collide.
func PalettePath(output, jobID string) string {
	return filepath.Join(filepath.Dir(output), "palette_"+jobID+".png")
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
