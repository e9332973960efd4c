// Package snapshot saves the job table to a YAML file on shutdown and loads
// it back on start.
package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"ffgif/task"

	"gopkg.in/yaml.v3"
)

const version = 1

type document struct {
	Version int       `yaml:"version"`
	SavedAt time.Time `yaml:"saved_at"`
	Jobs    []record  `yaml:"jobs"`
}

type record struct {
	ID           string    `yaml:"id"`
	State        string    `yaml:"state"`
	Progress     int       `yaml:"progress"`
	Step         string    `yaml:"step,omitempty"`
	ArtifactPath string    `yaml:"artifact_path,omitempty"`
	Error        string    `yaml:"error,omitempty"`
	Diagnostic   string    `yaml:"diagnostic,omitempty"`
	Duration     float64   `yaml:"duration"`
	CreatedAt    time.Time  `yaml:"created_at"`
	StartedAt    *time.Time `yaml:"started_at,omitempty"`
	CompletedAt  *time.Time `yaml:"completed_at,omitempty"`
}

// Save writes snaps to path, replacing any previous file atomically.
func Save(path string, snaps []task.Snapshot) error {
	doc := document{
		Version: version,
		SavedAt: time.Now().UTC(),
		Jobs:    make([]record, 0, len(snaps)),
	}
	for _, s := range snaps {
		doc.Jobs = append(doc.Jobs, record{
			ID:           s.ID,
			State:        string(s.State),
			Progress:     s.Progress,
			Step:         s.Step,
			ArtifactPath: s.ArtifactPath,
			Error:        s.Error,
			Diagnostic:   s.Diagnostic,
			Duration:     s.Duration,
			CreatedAt:    s.CreatedAt,
			StartedAt:    s.StartedAt,
			CompletedAt:  s.CompletedAt,
		})
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads snapshots saved by Save. A missing file yields no snapshots.
func Load(path string) ([]task.Snapshot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if doc.Version != version {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, doc.Version)
	}

	snaps := make([]task.Snapshot, 0, len(doc.Jobs))
	for _, r := range doc.Jobs {
		snaps = append(snaps, task.Snapshot{
			ID:           r.ID,
			State:        task.State(r.State),
			Progress:     r.Progress,
			Step:         r.Step,
			ArtifactPath: r.ArtifactPath,
			Error:        r.Error,
			Diagnostic:   r.Diagnostic,
			Duration:     r.Duration,
			CreatedAt:    r.CreatedAt,
			StartedAt:    r.StartedAt,
			CompletedAt:  r.CompletedAt,
		})
	}
	return snaps, nil
}
