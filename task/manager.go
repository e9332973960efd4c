package task

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ffgif/config"
	"ffgif/ffmpeg"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

// Runner is the part of ffmpeg.Runner the manager drives.
type Runner interface {
	Probe(ctx context.Context, path string) (float64, error)
	Run(ctx context.Context, args []string, onLine func(line string)) (*ffmpeg.Result, error)
}

type Option func(*Manager)

// WithAdmission installs a check consulted before every submission.
// A non-nil error rejects the request with ErrBusy.
func WithAdmission(check func() error) Option {
	return func(m *Manager) { m.admit = check }
}

func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

type Manager struct {
	runner    Runner
	table     *Table
	logger    *zap.Logger
	timeout   time.Duration
	outputDir string
	admit     func() error
	newID     func() string
	slots     chan struct{} // nil means unlimited

	// ctx is the parent of every worker context; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func NewManager(cfg *config.Config, runner Runner, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if runner == nil {
		return nil, errors.New("task manager needs a runner")
	}
	if cfg.MaxConcurrency < 0 {
		return nil, fmt.Errorf("MAX_CONCURRENCY must not be negative, got %d", cfg.MaxConcurrency)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		runner:    runner,
		table:     NewTable(),
		logger:    logger.Named("task"),
		timeout:   cfg.FFTimeout,
		outputDir: cfg.OutputDir,
		newID:     shortuuid.New,
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	if cfg.MaxConcurrency > 0 {
		m.slots = make(chan struct{}, cfg.MaxConcurrency)
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger.Info("task manager ready",
		zap.Int("max_concurrency", cfg.MaxConcurrency),
		zap.Duration("timeout", m.timeout),
	)
	return m, nil
}

// Table exposes the job table to retention and snapshot collaborators.
func (m *Manager) Table() *Table {
	return m.table
}

// Submit validates req, probes the source and starts a worker for the new job.
// On error no job is created and the source file is left untouched.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if m.admit != nil {
		if err := m.admit(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBusy, err)
		}
	}

	sourceDuration, err := m.runner.Probe(ctx, req.SourcePath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProbe, err)
	}
	window, err := ConversionWindow(sourceDuration, req.StartTime, req.EndTime)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(req.DestinationPath), 0o755); err != nil {
		return "", fmt.Errorf("%w: destination directory: %v", ErrValidation, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return "", fmt.Errorf("%w: shutting down", ErrBusy)
	}
	job := NewJob(m.newID(), window)
	if err := m.table.Create(job); err != nil {
		return "", err
	}
	m.wg.Add(1)
	go m.execute(job, req)

	m.logger.Info("job submitted",
		zap.String("job_id", job.ID()),
		zap.Float64("window", window),
		zap.Bool("high_quality", req.HighQuality),
	)
	return job.ID(), nil
}

func (m *Manager) Get(id string) (Snapshot, bool) {
	return m.table.Get(id)
}

func (m *Manager) List() []Snapshot {
	return m.table.List()
}

// Shutdown stops accepting jobs and waits for running ones to finish. When ctx
// expires first, the remaining jobs are aborted and Shutdown still waits for
// their cleanup, so every job is terminal once it returns.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
	}

	m.cancel()
	<-done
	return ctx.Err()
}

// GetFilePath resolves a bare artifact file name inside the output directory.
func (m *Manager) GetFilePath(filename string) (string, error) {
	// Security: Prevent path traversal
	clean := filepath.Base(filename)
	if clean != filename || clean == "." || clean == ".." {
		return "", fmt.Errorf("invalid filename")
	}

	fullPath := filepath.Join(m.outputDir, clean)
	if _, err := os.Stat(fullPath); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	return fullPath, nil
}

func (m *Manager) execute(job *Job, req Request) {
	defer m.wg.Done()
	log := m.logger.With(zap.String("job_id", job.ID()))

	started := time.Now()
	err := m.process(log, job, req)
	if err == nil {
		if err := job.Succeed(req.DestinationPath); err != nil {
			log.Error("could not publish result", zap.Error(err))
			return
		}
		log.Info("job finished", zap.Duration("elapsed", time.Since(started)))
		return
	}

	diagnostic := diagnosticOf(err)
	log.Error("job failed", zap.Error(err), zap.String("diagnostic", diagnostic))
	if ferr := job.Fail(userMessage(err), diagnostic); ferr != nil {
		log.Error("could not publish failure", zap.Error(ferr))
	}
}

// process runs the pipeline for one job. Whatever happens, the source, the
// palette and (on failure) any partial output are gone before it returns.
func (m *Manager) process(log *zap.Logger, job *Job, req Request) (err error) {
	var palette string
	defer func() {
		RemoveIfExists(log, req.SourcePath)
		RemoveIfExists(log, palette)
		if err != nil {
			RemoveIfExists(log, req.DestinationPath)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic during conversion", zap.Any("panic", r), zap.Stack("stack"))
			err = &stageError{kind: ErrUnexpected, cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	if m.slots != nil {
		select {
		case m.slots <- struct{}{}:
			defer func() { <-m.slots }()
		case <-m.ctx.Done():
			return &stageError{kind: ErrUnexpected, cause: m.ctx.Err()}
		}
	}
	if err := m.ctx.Err(); err != nil {
		return &stageError{kind: ErrUnexpected, cause: err}
	}

	ctx := m.ctx
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	if err := job.Start(); err != nil {
		return &stageError{kind: ErrUnexpected, cause: err}
	}

	params := ffmpeg.Params{
		Input:     req.SourcePath,
		Output:    req.DestinationPath,
		Start:     req.StartTime,
		End:       req.EndTime,
		FrameRate: req.FrameRate,
		Width:     req.Width,
	}
	window := job.Snapshot().Duration

	if req.HighQuality {
		palette = ffmpeg.PalettePath(req.DestinationPath, job.ID())
		report(log, job, 0, StepPalette)
		if err := m.invoke(ctx, log, ffmpeg.PaletteArgs(params, palette), nil); err != nil {
			return err
		}
		report(log, job, ffmpeg.PaletteStageOffset, StepRender)
		if err := m.invoke(ctx, log, ffmpeg.PaletteUseArgs(params, palette), progressReporter(log, job, window, ffmpeg.PaletteStageOffset)); err != nil {
			return err
		}
	} else {
		report(log, job, 0, StepRender)
		if err := m.invoke(ctx, log, ffmpeg.SinglePassArgs(params), progressReporter(log, job, window, 0)); err != nil {
			return err
		}
	}

	return verifyArtifact(req.DestinationPath)
}

func (m *Manager) invoke(ctx context.Context, log *zap.Logger, args []string, onLine func(string)) error {
	res, err := m.runner.Run(ctx, args, onLine)
	if err == nil {
		return nil
	}

	diagnostic := err.Error()
	var exitErr *ffmpeg.ExitError
	if errors.As(err, &exitErr) {
		diagnostic = exitErr.Diagnostic()
	}
	if res != nil {
		log.Warn("ffmpeg stage failed",
			zap.String("command", res.CommandLine()),
			zap.Int("exit_code", res.ExitCode),
			zap.String("stderr", res.Output),
		)
	}
	return &stageError{kind: ErrPipeline, cause: err, diagnostic: diagnostic}
}

func progressReporter(log *zap.Logger, job *Job, window float64, offset int) func(string) {
	return func(line string) {
		if p, ok := ffmpeg.ParseProgress(line, window, offset); ok {
			report(log, job, p, StepRender)
		}
	}
}

func report(log *zap.Logger, job *Job, progress int, step string) {
	if err := job.Report(progress, step); err != nil {
		log.Debug("progress not recorded", zap.Int("progress", progress), zap.Error(err))
	}
}

func verifyArtifact(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &stageError{kind: ErrArtifact, cause: err}
	}
	if info.Size() == 0 {
		return &stageError{kind: ErrArtifact, cause: fmt.Errorf("%s is empty", path)}
	}
	return nil
}

// RemoveIfExists deletes path, treating an already missing file as success.
func RemoveIfExists(log *zap.Logger, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("could not remove file", zap.String("path", path), zap.Error(err))
	}
}
