package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gif-forge/internal/model"
)

// JobStore persists job records. Get returns (nil, nil) when the job does
// not exist.
type JobStore interface {
	Put(ctx context.Context, job model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, limit int) ([]model.Job, error)
	Close() error
}

// Store keeps every job in a single JSON file.
type Store struct {
	path  string
	ttl   time.Duration
	mu    sync.RWMutex
	state model.StoredState
}

var _ JobStore = (*Store)(nil)

func NewStore(path string, ttl time.Duration) (*Store, error) {
	if path == "" {
		return nil, errors.New("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &Store{path: path, ttl: ttl}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.state = defaultState()
			return s.saveLocked()
		}
		return err
	}
	if len(b) == 0 {
		s.state = defaultState()
		return s.saveLocked()
	}

	var state model.StoredState
	if err := json.Unmarshal(b, &state); err != nil {
		return err
	}
	mergeDefaults(&state)
	s.state = state
	s.recoverInterruptedLocked()
	return nil
}

func defaultState() model.StoredState {
	return model.StoredState{
		Jobs:      map[string]model.Job{},
		CreatedAt: time.Now().UTC(),
	}
}

func mergeDefaults(state *model.StoredState) {
	if state.Jobs == nil {
		state.Jobs = map[string]model.Job{}
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
}

// recoverInterruptedLocked fails jobs that were in flight when the process
// stopped; their workers are gone.
func (s *Store) recoverInterruptedLocked() {
	now := time.Now().UTC()
	for id, job := range s.state.Jobs {
		if job.Status.Finished() {
			continue
		}
		job.Status = model.JobFailed
		job.Error = "interrupted by server restart"
		job.ErrorCode = "io_failure"
		job.UpdatedAt = now
		s.state.Jobs[id] = job
	}
}

func (s *Store) pruneLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.ttl)
	for id, job := range s.state.Jobs {
		if job.Status.Finished() && job.UpdatedAt.Before(cutoff) {
			delete(s.state.Jobs, id)
		}
	}
}

func (s *Store) saveLocked() error {
	s.pruneLocked()
	s.state.LastUpdatedUnixMS = time.Now().UnixMilli()
	b, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Put(_ context.Context, job model.Job) error {
	if job.ID == "" {
		return errors.New("job id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Jobs[job.ID] = job
	return s.saveLocked()
}

func (s *Store) Get(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.state.Jobs[id]
	if !ok {
		return nil, nil
	}
	cp := job
	return &cp, nil
}

// List returns jobs newest first.
func (s *Store) List(_ context.Context, limit int) ([]model.Job, error) {
	s.mu.RLock()
	out := make([]model.Job, 0, len(s.state.Jobs))
	for _, job := range s.state.Jobs {
		out = append(out, job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}
