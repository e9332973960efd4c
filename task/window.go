package task

import "fmt"

// ConversionWindow returns how many seconds of the source will be converted:
// min(end, sourceDuration) - start when end is set, sourceDuration - start otherwise.
func ConversionWindow(sourceDuration, start float64, end *float64) (float64, error) {
	stop := sourceDuration
	if end != nil && *end < stop {
		stop = *end
	}
	window := stop - start
	if window <= 0 {
		return 0, fmt.Errorf("%w: start %gs, end %gs, source duration %gs", ErrWindow, start, stop, sourceDuration)
	}
	return window, nil
}
