package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// Flags the pipeline sets itself. Allowing them globally would let configuration
// redirect inputs or outputs behind the converter's back.
var reservedFlags = map[string]bool{
	"-i":              true,
	"-y":              true,
	"-n":              true,
	"-ss":             true,
	"-t":              true,
	"-to":             true,
	"-vf":             true,
	"-lavfi":          true,
	"-filter_complex": true,
}

// SplitGlobalArgs splits the FF_GLOBAL_ARGS string into arguments without involving a shell.
func SplitGlobalArgs(s string) ([]string, error) {
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	if err := ValidateGlobalArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

// ValidateGlobalArgs rejects reserved flags and shell metacharacters.
func ValidateGlobalArgs(args []string) error {
	for _, arg := range args {
		if reservedFlags[arg] {
			return fmt.Errorf("argument %s is set by the converter and cannot be global", arg)
		}
		// exec does not use a shell, but these never belong in an ffmpeg flag.
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
	}
	return nil
}
