package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Table maps job IDs to jobs. Entries live until an external retention
// policy evicts them.
type Table struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewTable() *Table {
	return &Table{jobs: make(map[string]*Job)}
}

func (t *Table) Create(j *Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[j.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, j.ID())
	}
	t.jobs[j.ID()] = j
	return nil
}

func (t *Table) Get(id string) (Snapshot, bool) {
	j, ok := t.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot(), true
}

// List returns snapshots of every job, oldest first.
func (t *Table) List() []Snapshot {
	t.mu.RLock()
	snaps := make([]Snapshot, 0, len(t.jobs))
	for _, j := range t.jobs {
		snaps = append(snaps, j.Snapshot())
	}
	t.mu.RUnlock()

	sort.Slice(snaps, func(a, b int) bool {
		if snaps[a].CreatedAt.Equal(snaps[b].CreatedAt) {
			return snaps[a].ID < snaps[b].ID
		}
		return snaps[a].CreatedAt.Before(snaps[b].CreatedAt)
	})
	return snaps
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

func (t *Table) lookup(id string) (*Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}

// Evict removes a terminal job. Running jobs are never evicted.
func (t *Table) Evict(id string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	snap := j.Snapshot()
	if !snap.State.IsTerminal() {
		return Snapshot{}, false
	}
	delete(t.jobs, id)
	return snap, true
}

// Expired lists terminal jobs that completed before cutoff.
func (t *Table) Expired(cutoff time.Time) []Snapshot {
	var out []Snapshot
	for _, s := range t.List() {
		if s.State.IsTerminal() && s.CompletedAt != nil && s.CompletedAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Restore loads previously saved snapshots, skipping IDs already present.
// It returns the number of jobs added.
func (t *Table) Restore(snaps []Snapshot) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, s := range snaps {
		if s.ID == "" {
			continue
		}
		if _, ok := t.jobs[s.ID]; ok {
			continue
		}
		t.jobs[s.ID] = jobFromSnapshot(s)
		n++
	}
	return n
}
