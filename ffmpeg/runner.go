package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"unicode/utf8"

	"ffgif/config"

	"go.uber.org/zap"
)

const maxLineSize = 1024 * 1024

type Runner struct {
	bin        string
	probeBin   string
	globalArgs []string
	logLimit   int64
	logger     *zap.Logger
}

func NewRunner(cfg *config.Config, logger *zap.Logger) (*Runner, error) {
	bin, err := exec.LookPath(cfg.FFBin)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	probeBin, err := exec.LookPath(cfg.FFProbeBin)
	if err != nil {
		return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
	}
	globalArgs, err := SplitGlobalArgs(cfg.FFGlobalArgs)
	if err != nil {
		return nil, fmt.Errorf("FF_GLOBAL_ARGS: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		bin:        bin,
		probeBin:   probeBin,
		globalArgs: globalArgs,
		logLimit:   cfg.FFLogLimit,
		logger:     logger.Named("ffmpeg"),
	}, nil
}

// Result describes a finished ffmpeg invocation.
type Result struct {
	Args     []string
	ExitCode int
	// Output is the captured diagnostic (stderr) text.
	Output string
}

// CommandLine renders the invocation for logs.
func (r *Result) CommandLine() string {
	return strings.Join(r.Args, " ")
}

// ExitError is returned when ffmpeg exits non-zero or is killed.
type ExitError struct {
	Result
	Err error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d: %v", e.ExitCode, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Diagnostic is the operator-facing report: command line, exit code and captured output.
func (e *ExitError) Diagnostic() string {
	return fmt.Sprintf("command: %s\nexit code: %d\noutput:\n%s", e.CommandLine(), e.ExitCode, e.Output)
}

// Process is a running ffmpeg invocation. Its stderr is exposed as a forward-only
// sequence of lines through Scan and Text; Wait returns the exit status.
type Process struct {
	ctx     context.Context
	cmd     *exec.Cmd
	stderr  io.ReadCloser
	scanner *bufio.Scanner
	log     transcript
	line    string
	done    bool
}

// Start launches ffmpeg with the configured global arguments prepended to args.
func (r *Runner) Start(ctx context.Context, args []string) (*Process, error) {
	full := make([]string, 0, len(r.globalArgs)+len(args))
	full = append(full, r.globalArgs...)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, r.bin, full...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("attach ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	r.logger.Debug("ffmpeg started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", strings.Join(cmd.Args, " ")),
	)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	scanner.Split(scanLine)

	return &Process{
		ctx:     ctx,
		cmd:     cmd,
		stderr:  stderr,
		scanner: scanner,
		log:     transcript{limit: r.logLimit},
	}, nil
}

// Scan advances to the next diagnostic line. It returns false once the stream is exhausted.
func (p *Process) Scan() bool {
	if p.done {
		return false
	}
	if !p.scanner.Scan() {
		p.done = true
		return false
	}
	p.line = p.scanner.Text()
	p.log.add(p.line)
	return true
}

// Text returns the line produced by the last successful Scan.
func (p *Process) Text() string {
	return p.line
}

// Wait drains any unread output, then waits for ffmpeg to exit. It must be called exactly once.
func (p *Process) Wait() (*Result, error) {
	for p.Scan() {
	}
	if err := p.scanner.Err(); err != nil {
		// An oversized line stops the scanner; keep the pipe empty so ffmpeg can exit.
		p.log.add(fmt.Sprintf("[stderr read aborted: %v]", err))
		io.Copy(io.Discard, p.stderr)
	}

	waitErr := p.cmd.Wait()
	res := &Result{
		Args:     p.cmd.Args,
		ExitCode: -1,
		Output:   p.log.String(),
	}
	if p.cmd.ProcessState != nil {
		res.ExitCode = p.cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		if ctxErr := p.ctx.Err(); ctxErr != nil {
			waitErr = errors.Join(waitErr, ctxErr)
		}
		return res, &ExitError{Result: *res, Err: waitErr}
	}
	return res, nil
}

// Run starts ffmpeg, feeds every diagnostic line to onLine (which may be nil) and waits for exit.
func (r *Runner) Run(ctx context.Context, args []string, onLine func(line string)) (*Result, error) {
	p, err := r.Start(ctx, args)
	if err != nil {
		return nil, err
	}
	for p.Scan() {
		if onLine != nil {
			onLine(p.Text())
		}
	}
	res, err := p.Wait()
	if err != nil {
		r.logger.Debug("ffmpeg failed", zap.String("command", res.CommandLine()), zap.Int("exit_code", res.ExitCode))
		return res, err
	}
	return res, nil
}

// scanLine splits on both '\n' and '\r', since ffmpeg redraws its status line with carriage returns.
func scanLine(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) {
		r, w := utf8.DecodeRune(data[start:])
		if r != '\n' && r != '\r' {
			break
		}
		start += w
	}

	for i := start; i < len(data); {
		r, w := utf8.DecodeRune(data[i:])
		if r == '\n' || r == '\r' {
			return i + w, data[start:i], nil
		}
		i += w
	}

	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// transcript keeps the most recent output within limit bytes (0 means unbounded).
// ffmpeg reports the cause of a failure last, so older lines are dropped first.
type transcript struct {
	lines   []string
	size    int64
	limit   int64
	dropped int
}

func (t *transcript) add(line string) {
	t.lines = append(t.lines, line)
	t.size += int64(len(line) + 1)
	for t.limit > 0 && t.size > t.limit && len(t.lines) > 1 {
		t.size -= int64(len(t.lines[0]) + 1)
		t.lines = t.lines[1:]
		t.dropped++
	}
}

func (t *transcript) String() string {
	out := strings.Join(t.lines, "\n")
	if t.dropped > 0 {
		out = fmt.Sprintf("[%d earlier lines truncated]\n", t.dropped) + out
	}
	return out
}
