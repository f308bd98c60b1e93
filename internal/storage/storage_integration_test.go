//go:build integration

package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobserver/internal/jobs"
	"github.com/cuongbtq/jobserver/internal/storage"
	"github.com/cuongbtq/jobserver/internal/testutil"
)

func newStorage(t *testing.T) (*storage.Storage, *storage.StateStore, func(query string, args ...any)) {
	t.Helper()
	client := testutil.NewTestDB(t)
	db := client.GetDB()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	exec := func(query string, args ...any) {
		_, err := db.Exec(query, args...)
		require.NoError(t, err)
	}
	return storage.NewStorage(db, logger), storage.NewStateStore(db), exec
}

func TestStorage_Lifecycle(t *testing.T) {
	s, _, _ := newStorage(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, jobs.NewJob("Echo", json.RawMessage(`{"x":1}`), 300, true))
	require.NoError(t, err)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, 255, job.Priority)
	assert.Equal(t, 255, job.Attributes.Priority)
	assert.True(t, job.Attributes.DeleteOnFinish)
	assert.JSONEq(t, `{"x":1}`, string(job.Payload))
	assert.Nil(t, job.ResultData)

	require.NoError(t, s.UpdateStatus(ctx, id, jobs.StatusRunning))
	running, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, !running.LastUpdateTime.Before(job.LastUpdateTime))

	require.NoError(t, s.UpdateStatus(ctx, id, jobs.StatusRunning), "same status is a no-op")

	err = s.Delete(ctx, id)
	assert.True(t, errors.Is(err, jobs.ErrInvalidState), "running jobs cannot be deleted")

	require.NoError(t, s.SetResult(ctx, id, nil), "empty result is a no-op")
	require.NoError(t, s.SetResult(ctx, id, json.RawMessage(`{"x":1}`)))
	require.NoError(t, s.UpdateStatus(ctx, id, jobs.StatusFinished))

	err = s.SetResult(ctx, id, json.RawMessage(`{"x":2}`))
	assert.True(t, errors.Is(err, jobs.ErrInvalidState))

	finished, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(finished.ResultData), "result is unchanged")

	require.NoError(t, s.AppendLog(ctx, id, "first"))
	require.NoError(t, s.AppendLog(ctx, id, "second"))
	logged, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, logged.Log, 2)
	assert.Equal(t, "first", logged.Log[0].Message)
	assert.Equal(t, "second", logged.Log[1].Message)
	assert.False(t, logged.Log[0].Time.IsZero())

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
}

func TestStorage_NotFound(t *testing.T) {
	s, _, _ := newStorage(t)
	ctx := context.Background()

	_, err := s.Get(ctx, 404)
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
	assert.True(t, errors.Is(s.UpdateStatus(ctx, 404, jobs.StatusRunning), jobs.ErrNotFound))
	assert.True(t, errors.Is(s.SetResult(ctx, 404, json.RawMessage(`1`)), jobs.ErrNotFound))
	assert.True(t, errors.Is(s.AppendLog(ctx, 404, "x"), jobs.ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, 404), jobs.ErrNotFound))
}

func TestStorage_TransitionStatus(t *testing.T) {
	s, _, _ := newStorage(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, jobs.NewJob("Echo", nil, 1, false))
	require.NoError(t, err)

	changed, err := s.TransitionStatus(ctx, id, []jobs.Status{jobs.StatusQueued}, jobs.StatusRunning)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.TransitionStatus(ctx, id, []jobs.Status{jobs.StatusQueued}, jobs.StatusRunning)
	require.NoError(t, err)
	assert.False(t, changed, "row is no longer queued")

	require.NoError(t, s.UpdateStatus(ctx, id, jobs.StatusFinished))
	changed, err = s.TransitionStatus(ctx, id, []jobs.Status{jobs.StatusQueued, jobs.StatusRunning}, jobs.StatusCloned)
	require.NoError(t, err)
	assert.False(t, changed)

	job, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFinished, job.Status, "terminal rows are left alone")

	_, err = s.TransitionStatus(ctx, 404, []jobs.Status{jobs.StatusQueued}, jobs.StatusRunning)
	assert.True(t, errors.Is(err, jobs.ErrNotFound))
}

func TestStorage_StaleAndPurge(t *testing.T) {
	s, _, exec := newStorage(t)
	ctx := context.Background()

	statuses := []jobs.Status{jobs.StatusQueued, jobs.StatusRunning, jobs.StatusFinished, jobs.StatusError, jobs.StatusCloned}
	old := map[jobs.Status]int64{}
	fresh := map[jobs.Status]int64{}

	for _, st := range statuses {
		for _, target := range []map[jobs.Status]int64{old, fresh} {
			job := jobs.NewJob("Echo", json.RawMessage(`{}`), 1, false)
			job.Status = st
			id, err := s.Insert(ctx, job)
			require.NoError(t, err)
			target[st] = id
		}
		exec(`UPDATE jobs SET create_time = NOW() - INTERVAL '10 days', last_update_time = NOW() - INTERVAL '10 days' WHERE id = $1`, old[st])
	}

	stale, err := s.ListStale(ctx, jobs.StatusQueued, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []int64{old[jobs.StatusQueued]}, stale)

	deleted, err := s.Purge(ctx, []jobs.Status{jobs.StatusFinished, jobs.StatusError}, time.Now().AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	for _, st := range statuses {
		_, err := s.Get(ctx, fresh[st])
		assert.NoError(t, err, "fresh %s row is kept", st)

		_, err = s.Get(ctx, old[st])
		if st == jobs.StatusFinished || st == jobs.StatusError {
			assert.True(t, errors.Is(err, jobs.ErrNotFound), "old %s row is purged", st)
		} else {
			assert.NoError(t, err, "old %s row is kept", st)
		}
	}
}

func TestStorage_ListAndCount(t *testing.T) {
	s, _, _ := newStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		kind := "Echo"
		if i%2 == 1 {
			kind = "Sleep"
		}
		_, err := s.Insert(ctx, jobs.NewJob(kind, json.RawMessage(`{}`), 1, false))
		require.NoError(t, err)
	}

	page, err := s.List(ctx, jobs.JobFilter{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Greater(t, page[0].ID, page[1].ID)

	next, err := s.List(ctx, jobs.JobFilter{PageSize: 10, AfterID: page[1].ID})
	require.NoError(t, err)
	assert.Len(t, next, 3)

	sleeps, err := s.List(ctx, jobs.JobFilter{WorkerKind: "Sleep"})
	require.NoError(t, err)
	assert.Len(t, sleeps, 2)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, counts[jobs.StatusQueued])
}

func TestStateStore(t *testing.T) {
	_, state, _ := newStorage(t)
	ctx := context.Background()

	var ids []int64
	found, err := state.Load(ctx, "reported_wait_ids", &ids)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, state.Save(ctx, "reported_wait_ids", []int64{1, 2}))
	require.NoError(t, state.Save(ctx, "reported_wait_ids", []int64{3}))

	found, err = state.Load(ctx, "reported_wait_ids", &ids)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []int64{3}, ids)
}
