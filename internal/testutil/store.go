// Package testutil provides in-memory stand-ins for the job store, the
// broker, the watchdog state and the notifier.
package testutil

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

// MemoryStore is a jobs.Store and jobs.Lister backed by a map
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*jobs.Job
	now    func() time.Time

	// FailWith, when set, is returned by every operation
	FailWith error
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[int64]*jobs.Job),
		now:  time.Now,
	}
}

// SetClock overrides the time source used for create and update stamps
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Insert(ctx context.Context, job *jobs.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return 0, s.FailWith
	}

	s.nextID++
	row := copyJob(job)
	row.ID = s.nextID
	if row.Status == "" {
		row.Status = jobs.StatusQueued
	}
	now := s.now()
	row.CreateTime = now
	row.LastUpdateTime = now
	s.rows[row.ID] = row

	return row.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}

	row, ok := s.rows[id]
	if !ok {
		return nil, jobs.ErrNotFound
	}
	return copyJob(row), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id int64, status jobs.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}

	row, ok := s.rows[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if row.Status == status {
		return nil
	}
	row.Status = status
	row.LastUpdateTime = s.now()
	return nil
}

func (s *MemoryStore) TransitionStatus(ctx context.Context, id int64, from []jobs.Status, to jobs.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return false, s.FailWith
	}

	row, ok := s.rows[id]
	if !ok {
		return false, jobs.ErrNotFound
	}
	if !slices.Contains(from, row.Status) {
		return false, nil
	}
	row.Status = to
	row.LastUpdateTime = s.now()
	return true, nil
}

func (s *MemoryStore) SetResult(ctx context.Context, id int64, data json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}

	row, ok := s.rows[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if row.Status == jobs.StatusFinished || row.Status == jobs.StatusError {
		return jobs.InvalidState(id, row.Status, "set result of")
	}
	row.ResultData = append(json.RawMessage(nil), data...)
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}

	row, ok := s.rows[id]
	if !ok {
		return jobs.ErrNotFound
	}
	row.Log = append(row.Log, jobs.LogEntry{Time: s.now(), Message: msg})
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return s.FailWith
	}

	row, ok := s.rows[id]
	if !ok {
		return jobs.ErrNotFound
	}
	if row.Status == jobs.StatusRunning {
		return jobs.InvalidState(id, row.Status, "delete")
	}
	delete(s.rows, id)
	return nil
}

func (s *MemoryStore) ListStale(ctx context.Context, status jobs.Status, olderThan time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}

	var ids []int64
	for _, row := range s.rows {
		if row.Status != status {
			continue
		}
		ref := row.LastUpdateTime
		if status == jobs.StatusQueued {
			ref = row.CreateTime
		}
		if ref.Before(olderThan) {
			ids = append(ids, row.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) Purge(ctx context.Context, statuses []jobs.Status, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return 0, s.FailWith
	}

	var n int64
	for id, row := range s.rows {
		for _, st := range statuses {
			if row.Status == st && row.LastUpdateTime.Before(olderThan) {
				delete(s.rows, id)
				n++
				break
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) List(ctx context.Context, filter jobs.JobFilter) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}

	var out []jobs.Job
	for _, row := range s.rows {
		if filter.WorkerKind != "" && row.WorkerKind != filter.WorkerKind {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.AfterID > 0 && row.ID >= filter.AfterID {
			continue
		}
		out = append(out, *copyJob(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if filter.PageSize > 0 && len(out) > filter.PageSize {
		out = out[:filter.PageSize]
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[jobs.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailWith != nil {
		return nil, s.FailWith
	}

	counts := make(map[jobs.Status]int)
	for _, row := range s.rows {
		counts[row.Status]++
	}
	return counts, nil
}

// Put stores job as is, keeping its id, status and timestamps
func (s *MemoryStore) Put(job *jobs.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := copyJob(job)
	if row.ID == 0 {
		s.nextID++
		row.ID = s.nextID
	} else if row.ID > s.nextID {
		s.nextID = row.ID
	}
	s.rows[row.ID] = row
}

// Len returns the number of stored rows
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// All returns every row ordered by id
func (s *MemoryStore) All() []jobs.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]jobs.Job, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, *copyJob(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyJob(j *jobs.Job) *jobs.Job {
	c := *j
	c.Payload = append(json.RawMessage(nil), j.Payload...)
	c.ResultData = append(json.RawMessage(nil), j.ResultData...)
	if len(j.ResultData) == 0 {
		c.ResultData = nil
	}
	c.Log = append([]jobs.LogEntry(nil), j.Log...)
	return &c
}
