package task

import (
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"
)

type State string

const (
	StatePending State = "PENDING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

func (s State) IsTerminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Step labels shown to clients while a job moves through its pipeline.
const (
	StepQueued   = "Queued"
	StepStarting = "Starting"
	StepPalette  = "Generating Palette"
	StepRender   = "Creating GIF"
	StepDone     = "Done"
	StepFailed   = "Failed"
)

// Request describes one conversion. The source file becomes owned by the job
// once Submit accepts it and is deleted when the job finishes.
type Request struct {
	SourcePath      string
	StartTime       float64
	EndTime         *float64
	FrameRate       int
	Width           int
	HighQuality     bool
	DestinationPath string
}

func (r Request) Validate() error {
	switch {
	case r.SourcePath == "":
		return fmt.Errorf("%w: source path is required", ErrValidation)
	case r.DestinationPath == "":
		return fmt.Errorf("%w: destination path is required", ErrValidation)
	case filepath.Clean(r.SourcePath) == filepath.Clean(r.DestinationPath):
		return fmt.Errorf("%w: destination must differ from source", ErrValidation)
	case !finite(r.StartTime) || r.StartTime < 0:
		return fmt.Errorf("%w: start time must be a non-negative number", ErrValidation)
	case r.EndTime != nil && (!finite(*r.EndTime) || *r.EndTime < 0):
		return fmt.Errorf("%w: end time must be a non-negative number", ErrValidation)
	case r.FrameRate <= 0:
		return fmt.Errorf("%w: frame rate must be positive", ErrValidation)
	case r.Width <= 0:
		return fmt.Errorf("%w: width must be positive", ErrValidation)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Snapshot is a consistent, plain-data copy of a Job.
type Snapshot struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	Progress     int       `json:"progress"`
	Step         string    `json:"step"`
	ArtifactPath string    `json:"-"`
	Error        string    `json:"error,omitempty"`
	Diagnostic   string    `json:"-"`
	Duration     float64   `json:"duration"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Job is the state machine for one conversion:
// PENDING -> RUNNING -> SUCCESS | FAILURE.
type Job struct {
	mu sync.RWMutex

	id          string
	state       State
	progress    int
	step        string
	artifact    string
	errMsg      string
	diagnostic  string
	duration    float64
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
}

func NewJob(id string, duration float64) *Job {
	return &Job{
		id:        id,
		state:     StatePending,
		step:      StepQueued,
		duration:  duration,
		createdAt: time.Now(),
	}
}

func (j *Job) ID() string {
	return j.id
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Snapshot{
		ID:           j.id,
		State:        j.state,
		Progress:     j.progress,
		Step:         j.step,
		ArtifactPath: j.artifact,
		Error:        j.errMsg,
		Diagnostic:   j.diagnostic,
		Duration:     j.duration,
		CreatedAt:    j.createdAt,
		StartedAt:    timeRef(j.startedAt),
		CompletedAt:  timeRef(j.completedAt),
	}
}

// timeRef returns nil for the zero time so unset timestamps are omitted.
func timeRef(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Start moves a pending job to RUNNING.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return ErrTerminal
	}
	if j.state != StatePending {
		return fmt.Errorf("job %s is already %s", j.id, j.state)
	}
	j.state = StateRunning
	j.step = StepStarting
	j.startedAt = time.Now()
	return nil
}

// Report records progress for a running job. Values are clamped to 0-100.
func (j *Job) Report(progress int, step string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return ErrTerminal
	}
	if j.state != StateRunning {
		return fmt.Errorf("job %s is not running", j.id)
	}
	j.progress = max(0, min(100, progress))
	if step != "" {
		j.step = step
	}
	return nil
}

// Succeed publishes the verified artifact. Only a running job can succeed.
func (j *Job) Succeed(artifact string) error {
	if artifact == "" {
		return fmt.Errorf("job %s: empty artifact path", j.id)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return ErrTerminal
	}
	if j.state != StateRunning {
		return fmt.Errorf("job %s is not running", j.id)
	}
	j.state = StateSuccess
	j.progress = 100
	j.step = StepDone
	j.artifact = artifact
	j.completedAt = time.Now()
	return nil
}

// Fail records a user-safe message and the operator-only diagnostic.
func (j *Job) Fail(message, diagnostic string) error {
	if message == "" {
		message = "Conversion failed."
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.IsTerminal() {
		return ErrTerminal
	}
	j.state = StateFailure
	j.step = StepFailed
	j.errMsg = message
	j.diagnostic = diagnostic
	j.completedAt = time.Now()
	return nil
}

// jobFromSnapshot rebuilds a job from a saved snapshot. A job that was still
// pending or running when the snapshot was taken can never finish, so it comes
// back as FAILURE.
func jobFromSnapshot(s Snapshot) *Job {
	j := &Job{
		id:          s.ID,
		state:       s.State,
		progress:    s.Progress,
		step:        s.Step,
		artifact:    s.ArtifactPath,
		errMsg:      s.Error,
		diagnostic:  s.Diagnostic,
		duration:    s.Duration,
		createdAt:   s.CreatedAt,
		startedAt:   timeValue(s.StartedAt),
		completedAt: timeValue(s.CompletedAt),
	}

	switch {
	case j.state == StateSuccess && j.artifact != "":
		j.errMsg, j.diagnostic = "", ""
	case j.state == StateFailure && j.errMsg != "":
		j.artifact = ""
	default:
		j.state = StateFailure
		j.step = StepFailed
		j.artifact = ""
		j.errMsg = "Conversion was interrupted by a restart."
	}
	if j.completedAt.IsZero() {
		j.completedAt = time.Now()
	}
	return j
}
