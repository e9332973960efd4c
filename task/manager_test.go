// ffgif/task/manager_test.go
package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ffgif/config"
	"ffgif/ffmpeg"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// mockRunner is a mock implementation of the Runner interface for testing.
type mockRunner struct {
	duration float64
	probeErr error
	runFunc  func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error)
	mu       sync.Mutex
	calls    [][]string
}

func (m *mockRunner) Probe(ctx context.Context, path string) (float64, error) {
	if m.probeErr != nil {
		return 0, m.probeErr
	}
	return m.duration, nil
}

func (m *mockRunner) Run(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, args)
	m.mu.Unlock()
	if m.runFunc != nil {
		return m.runFunc(ctx, args, onLine)
	}
	return writeOutput(args, onLine)
}

func (m *mockRunner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// writeOutput behaves like a successful ffmpeg: the last argument is the output file.
func writeOutput(args []string, onLine func(string)) (*ffmpeg.Result, error) {
	if onLine != nil {
		onLine("Input #0, mov,mp4")
		onLine("frame=10 fps=0.0 time=00:00:05.00 bitrate=N/A")
		onLine("frame=20 fps=0.0 time=00:00:10.00 bitrate=N/A")
	}
	out := args[len(args)-1]
	if err := os.WriteFile(out, []byte("GIF89a"), 0o644); err != nil {
		return nil, err
	}
	return &ffmpeg.Result{Args: args}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		MaxConcurrency: 0,
		FFTimeout:      10 * time.Second,
		OutputDir:      t.TempDir(),
	}
}

func newSource(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really a video"), 0o644))
	return path
}

func newRequest(t *testing.T, cfg *config.Config) Request {
	end := 10.0
	return Request{
		SourcePath:      newSource(t),
		StartTime:       0,
		EndTime:         &end,
		FrameRate:       15,
		Width:           480,
		DestinationPath: filepath.Join(cfg.OutputDir, "out.gif"),
	}
}

func newManager(t *testing.T, cfg *config.Config, runner Runner, opts ...Option) *Manager {
	t.Helper()
	mgr, err := NewManager(cfg, runner, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	return mgr
}

func waitTerminal(t *testing.T, mgr *Manager, id string) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, ok := mgr.Get(id)
		snap = s
		return ok && s.State.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestManager_SubmitSinglePass(t *testing.T) {
	cfg := testConfig(t)
	runner := &mockRunner{duration: 30}
	mgr := newManager(t, cfg, runner)
	req := newRequest(t, cfg)

	id, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	snap := waitTerminal(t, mgr, id)
	assert.Equal(t, StateSuccess, snap.State)
	assert.Equal(t, 100, snap.Progress)
	assert.Equal(t, req.DestinationPath, snap.ArtifactPath)
	assert.Empty(t, snap.Error)
	assert.InDelta(t, 10.0, snap.Duration, 1e-9)

	assert.Equal(t, 1, runner.callCount())
	assert.NoFileExists(t, req.SourcePath)
	assert.FileExists(t, req.DestinationPath)
}

func TestManager_SubmitHighQuality(t *testing.T) {
	cfg := testConfig(t)
	var paletteSeen bool
	runner := &mockRunner{duration: 30}
	runner.runFunc = func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
		if runner.callCount() == 2 {
			// The palette produced by the first pass is the second input.
			palette := args[len(args)-5]
			_, err := os.Stat(palette)
			paletteSeen = err == nil
		}
		return writeOutput(args, onLine)
	}
	mgr := newManager(t, cfg, runner)
	req := newRequest(t, cfg)
	req.HighQuality = true

	id, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	snap := waitTerminal(t, mgr, id)
	assert.Equal(t, StateSuccess, snap.State)
	assert.Equal(t, 2, runner.callCount())
	assert.True(t, paletteSeen, "palette must exist when the second pass starts")
	assert.NoFileExists(t, ffmpeg.PalettePath(req.DestinationPath, id))
	assert.NoFileExists(t, req.SourcePath)
	assert.Contains(t, runner.calls[0], "fps=15,scale=480:-1:flags=lanczos,palettegen")
}

func TestManager_SubmitRejected(t *testing.T) {
	t.Run("window error", func(t *testing.T) {
		cfg := testConfig(t)
		runner := &mockRunner{duration: 30}
		mgr := newManager(t, cfg, runner)
		req := newRequest(t, cfg)
		end := 10.0
		req.StartTime, req.EndTime = 25, &end

		_, err := mgr.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrWindow)
		assert.Empty(t, mgr.List())
		assert.Zero(t, runner.callCount())
		assert.FileExists(t, req.SourcePath)
	})

	t.Run("start after source end", func(t *testing.T) {
		cfg := testConfig(t)
		mgr := newManager(t, cfg, &mockRunner{duration: 30})
		req := newRequest(t, cfg)
		req.StartTime, req.EndTime = 31, nil

		_, err := mgr.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrWindow)
		assert.Empty(t, mgr.List())
	})

	t.Run("probe error", func(t *testing.T) {
		cfg := testConfig(t)
		mgr := newManager(t, cfg, &mockRunner{probeErr: errors.New("moov atom not found")})
		req := newRequest(t, cfg)

		_, err := mgr.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrProbe)
		assert.Empty(t, mgr.List())
	})

	t.Run("validation error", func(t *testing.T) {
		cfg := testConfig(t)
		mgr := newManager(t, cfg, &mockRunner{duration: 30})
		req := newRequest(t, cfg)
		req.FrameRate = 0

		_, err := mgr.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Empty(t, mgr.List())
	})

	t.Run("admission refused", func(t *testing.T) {
		cfg := testConfig(t)
		mgr := newManager(t, cfg, &mockRunner{duration: 30}, WithAdmission(func() error {
			return ffmpeg.ErrInsufficientResources
		}))
		req := newRequest(t, cfg)

		_, err := mgr.Submit(context.Background(), req)
		assert.ErrorIs(t, err, ErrBusy)
		assert.Empty(t, mgr.List())
	})

	t.Run("shutting down", func(t *testing.T) {
		cfg := testConfig(t)
		mgr := newManager(t, cfg, &mockRunner{duration: 30})
		require.NoError(t, mgr.Shutdown(context.Background()))

		_, err := mgr.Submit(context.Background(), newRequest(t, cfg))
		assert.ErrorIs(t, err, ErrBusy)
	})
}

func TestManager_PipelineFailure(t *testing.T) {
	cfg := testConfig(t)
	stderr := "[gif @ 0x55] secret/internal/path.mp4: Invalid data found when processing input"
	runner := &mockRunner{
		duration: 30,
		runFunc: func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
			// A partial output is left behind by the failing process.
			assert.NoError(t, os.WriteFile(args[len(args)-1], []byte("GIF8"), 0o644))
			res := ffmpeg.Result{Args: append([]string{"ffmpeg"}, args...), ExitCode: 1, Output: stderr}
			return &res, &ffmpeg.ExitError{Result: res, Err: errors.New("exit status 1")}
		},
	}
	mgr := newManager(t, cfg, runner)
	req := newRequest(t, cfg)
	req.HighQuality = true

	id, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	snap := waitTerminal(t, mgr, id)
	assert.Equal(t, StateFailure, snap.State)
	assert.Empty(t, snap.ArtifactPath)
	assert.NotEmpty(t, snap.Error)
	assert.NotContains(t, snap.Error, "secret")
	assert.Contains(t, snap.Diagnostic, stderr)
	assert.Contains(t, snap.Diagnostic, "exit code: 1")

	assert.Equal(t, 1, runner.callCount(), "second pass must not run after the first fails")
	assert.NoFileExists(t, req.SourcePath)
	assert.NoFileExists(t, ffmpeg.PalettePath(req.DestinationPath, id))
	assert.NoFileExists(t, req.DestinationPath)
}

func TestManager_ArtifactMissing(t *testing.T) {
	cfg := testConfig(t)
	runner := &mockRunner{
		duration: 30,
		runFunc: func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
			assert.NoError(t, os.WriteFile(args[len(args)-1], nil, 0o644))
			return &ffmpeg.Result{Args: args}, nil
		},
	}
	mgr := newManager(t, cfg, runner)
	req := newRequest(t, cfg)

	id, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	snap := waitTerminal(t, mgr, id)
	assert.Equal(t, StateFailure, snap.State)
	assert.Equal(t, "Conversion produced no output.", snap.Error)
	assert.Empty(t, snap.ArtifactPath)
	assert.NoFileExists(t, req.SourcePath)
}

func TestManager_PanicStillCleansUp(t *testing.T) {
	cfg := testConfig(t)
	runner := &mockRunner{
		duration: 30,
		runFunc: func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
			panic("boom")
		},
	}
	mgr := newManager(t, cfg, runner)
	req := newRequest(t, cfg)

	id, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	snap := waitTerminal(t, mgr, id)
	assert.Equal(t, StateFailure, snap.State)
	assert.Equal(t, "An unexpected error occurred during conversion.", snap.Error)
	assert.Contains(t, snap.Diagnostic, "boom")
	assert.NoFileExists(t, req.SourcePath)
}

func TestManager_SourceAlreadyGone(t *testing.T) {
	cfg := testConfig(t)
	runner := &mockRunner{duration: 30}
	runner.runFunc = func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
		// Something else removed the source mid-run; cleanup must tolerate it.
		assert.NoError(t, os.Remove(args[5]))
		return writeOutput(args, onLine)
	}
	mgr := newManager(t, cfg, runner)
	req := newRequest(t, cfg)

	id, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	snap := waitTerminal(t, mgr, id)
	assert.Equal(t, StateSuccess, snap.State)
	assert.NoFileExists(t, req.SourcePath)
}

func TestManager_ConcurrentJobsAreIndependent(t *testing.T) {
	cfg := testConfig(t)
	failDir := t.TempDir()
	runner := &mockRunner{
		duration: 30,
		runFunc: func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
			if filepath.Dir(args[len(args)-1]) == failDir {
				return &ffmpeg.Result{Args: args, ExitCode: 1}, errors.New("exit status 1")
			}
			time.Sleep(20 * time.Millisecond)
			return writeOutput(args, onLine)
		},
	}
	mgr := newManager(t, cfg, runner)

	good := newRequest(t, cfg)
	bad := newRequest(t, cfg)
	bad.DestinationPath = filepath.Join(failDir, "bad.gif")

	goodID, err := mgr.Submit(context.Background(), good)
	require.NoError(t, err)
	badID, err := mgr.Submit(context.Background(), bad)
	require.NoError(t, err)
	assert.NotEqual(t, goodID, badID)

	assert.Equal(t, StateSuccess, waitTerminal(t, mgr, goodID).State)
	assert.Equal(t, StateFailure, waitTerminal(t, mgr, badID).State)
	assert.NoFileExists(t, good.SourcePath)
	assert.NoFileExists(t, bad.SourcePath)
	assert.FileExists(t, good.DestinationPath)
	assert.Len(t, mgr.List(), 2)
}

func TestManager_ConcurrencyLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrency = 1
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	runner := &mockRunner{
		duration: 30,
		runFunc: func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
			started <- struct{}{}
			<-release
			return writeOutput(args, onLine)
		},
	}
	mgr := newManager(t, cfg, runner)

	first := newRequest(t, cfg)
	second := newRequest(t, cfg)
	second.DestinationPath = filepath.Join(cfg.OutputDir, "second.gif")

	firstID, err := mgr.Submit(context.Background(), first)
	require.NoError(t, err)
	<-started
	secondID, err := mgr.Submit(context.Background(), second)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	snap, ok := mgr.Get(secondID)
	require.True(t, ok)
	assert.Equal(t, StatePending, snap.State, "second job waits for a free slot")
	assert.Equal(t, StepQueued, snap.Step)

	close(release)
	assert.Equal(t, StateSuccess, waitTerminal(t, mgr, firstID).State)
	assert.Equal(t, StateSuccess, waitTerminal(t, mgr, secondID).State)
}

func TestManager_Timeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.FFTimeout = 50 * time.Millisecond
	runner := &mockRunner{
		duration: 30,
		runFunc: func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
			<-ctx.Done()
			return &ffmpeg.Result{Args: args, ExitCode: -1}, ctx.Err()
		},
	}
	mgr := newManager(t, cfg, runner)
	req := newRequest(t, cfg)

	id, err := mgr.Submit(context.Background(), req)
	require.NoError(t, err)

	snap := waitTerminal(t, mgr, id)
	assert.Equal(t, StateFailure, snap.State)
	assert.Equal(t, "Conversion timed out.", snap.Error)
	assert.NoFileExists(t, req.SourcePath)
}

func TestManager_ShutdownAbortsRunningJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrency = 1
	started := make(chan struct{}, 1)
	runner := &mockRunner{
		duration: 30,
		runFunc: func(ctx context.Context, args []string, onLine func(string)) (*ffmpeg.Result, error) {
			started <- struct{}{}
			<-ctx.Done()
			return &ffmpeg.Result{Args: args, ExitCode: -1}, ctx.Err()
		},
	}
	mgr, err := NewManager(cfg, runner, zaptest.NewLogger(t))
	require.NoError(t, err)

	running := newRequest(t, cfg)
	queued := newRequest(t, cfg)
	queued.DestinationPath = filepath.Join(cfg.OutputDir, "queued.gif")

	runningID, err := mgr.Submit(context.Background(), running)
	require.NoError(t, err)
	<-started
	queuedID, err := mgr.Submit(context.Background(), queued)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, mgr.Shutdown(ctx), context.DeadlineExceeded)

	// Shutdown returns only after every worker has cleaned up.
	for _, id := range []string{runningID, queuedID} {
		snap, ok := mgr.Get(id)
		require.True(t, ok)
		assert.Equal(t, StateFailure, snap.State, id)
		assert.Equal(t, "Conversion was interrupted by a shutdown.", snap.Error, id)
	}
	assert.NoFileExists(t, running.SourcePath)
	assert.NoFileExists(t, queued.SourcePath)
	assert.NoFileExists(t, running.DestinationPath)
	assert.Equal(t, 1, runner.callCount(), "queued job never reaches ffmpeg")
}

func TestProgressReporter_LogsRejectedReports(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	job := NewJob("job1", 10)
	require.NoError(t, job.Start())
	require.NoError(t, job.Fail("Conversion failed.", ""))

	progressReporter(zap.New(core), job, 10, 0)("frame=1 time=00:00:05.00 bitrate=N/A")

	entries := logs.FilterMessage("progress not recorded").All()
	require.Len(t, entries, 1)
	assert.Equal(t, ErrTerminal.Error(), entries[0].ContextMap()["error"])
	assert.Equal(t, StateFailure, job.Snapshot().State)
}

func TestManager_GetFilePath(t *testing.T) {
	cfg := testConfig(t)
	mgr := newManager(t, cfg, &mockRunner{duration: 30})
	require.NoError(t, os.WriteFile(filepath.Join(cfg.OutputDir, "a.gif"), []byte("GIF89a"), 0o644))

	path, err := mgr.GetFilePath("a.gif")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.OutputDir, "a.gif"), path)

	_, err = mgr.GetFilePath("../a.gif")
	assert.Error(t, err)

	_, err = mgr.GetFilePath("missing.gif")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewManager_RejectsNegativeConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConcurrency = -1
	_, err := NewManager(cfg, &mockRunner{}, nil)
	assert.Error(t, err)
}
