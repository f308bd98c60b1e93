package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/jobserver/internal/jobs"
	"github.com/cuongbtq/jobserver/internal/testutil"
	"github.com/cuongbtq/jobserver/internal/worker"
)

type fixture struct {
	store   jobs.Store
	mem     *testutil.MemoryStore
	broker  *testutil.MemoryBroker
	service *jobs.Service
	logger  *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := testutil.NewMemoryStore()
	return newFixtureWithStore(mem, mem)
}

func newFixtureWithStore(store jobs.Store, mem *testutil.MemoryStore) *fixture {
	broker := testutil.NewMemoryBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		store:   store,
		mem:     mem,
		broker:  broker,
		service: jobs.NewService(store, broker, logger),
		logger:  logger,
	}
}

func (f *fixture) worker(cfg worker.Config) *worker.Worker {
	cfg.Logger = f.logger
	cfg.Service = f.service
	cfg.Consumer = f.broker
	if cfg.Registry == nil {
		cfg.Registry = testRegistry()
	}
	if cfg.MemoryUsage == nil {
		cfg.MemoryUsage = func() uint64 { return 1 << 20 }
	}
	return worker.NewWorker(&cfg)
}

func (f *fixture) submit(t *testing.T, kind, payload string, priority int, deleteOnFinish bool) int64 {
	t.Helper()
	id, err := f.service.Submit(context.Background(), kind, json.RawMessage(payload), priority, deleteOnFinish)
	require.NoError(t, err)
	return id
}

func (f *fixture) get(t *testing.T, id int64) *jobs.Job {
	t.Helper()
	job, err := f.mem.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func testRegistry() *worker.Registry {
	r := worker.DefaultRegistry()
	r.Register("Boom", func() worker.Handler {
		return worker.HandlerFunc(func(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
			panic("handler exploded")
		})
	})
	r.Register("Fail", func() worker.Handler {
		return worker.HandlerFunc(func(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("business rule violated")
		})
	})
	r.Register("NotJSON", func() worker.Handler {
		return worker.HandlerFunc(func(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{oops`), nil
		})
	})
	return r
}

func TestWorker_EchoEndToEnd(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, worker.EchoKind, `{"x":1}`, 10, false)

	queued := f.get(t, id)
	assert.Equal(t, jobs.StatusQueued, queued.Status)
	assert.Equal(t, 10, queued.Priority)

	err := f.worker(worker.Config{MinPriority: 1}).Run(context.Background())
	require.NoError(t, err)

	job := f.get(t, id)
	assert.Equal(t, jobs.StatusFinished, job.Status)
	assert.JSONEq(t, `{"x":1}`, string(job.ResultData))
	assert.Equal(t, 1, f.broker.Acked())
	assert.Empty(t, f.broker.Queued())
}

func TestWorker_PriorityClampedEndToEnd(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, worker.EchoKind, `{"x":1}`, 300, false)

	assert.Equal(t, 255, f.get(t, id).Priority)
	published := f.broker.PublishedMessages()
	require.Len(t, published, 1)
	assert.Equal(t, uint8(255), published[0].Priority)

	require.NoError(t, f.worker(worker.Config{MinPriority: 200}).Run(context.Background()))
	assert.Equal(t, jobs.StatusFinished, f.get(t, id).Status)
}

func TestWorker_PriorityGateHandoff(t *testing.T) {
	f := newFixture(t)
	low := f.submit(t, worker.EchoKind, `"low"`, 50, false)
	high := f.submit(t, worker.EchoKind, `"high"`, 250, false)

	highWorker := f.worker(worker.Config{MinPriority: 200})
	require.NoError(t, highWorker.Run(context.Background()))

	assert.Equal(t, jobs.StatusFinished, f.get(t, high).Status)
	assert.Equal(t, jobs.StatusQueued, f.get(t, low).Status, "high priority consumer leaves low priority work alone")
	assert.GreaterOrEqual(t, f.broker.Rejected(), 1)
	require.Len(t, f.broker.Queued(), 1)
	assert.Equal(t, uint8(50), f.broker.Queued()[0].Priority)

	normalWorker := f.worker(worker.Config{MinPriority: 1})
	require.NoError(t, normalWorker.Run(context.Background()))

	lowJob := f.get(t, low)
	assert.Equal(t, jobs.StatusFinished, lowJob.Status)
	assert.JSONEq(t, `"low"`, string(lowJob.ResultData))
	assert.Empty(t, f.broker.Queued())
}

func TestWorker_HighestPriorityFirst(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var order []string
	registry := worker.NewRegistry()
	registry.Register("Record", func() worker.Handler {
		return worker.HandlerFunc(func(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			defer mu.Unlock()
			var name string
			require.NoError(t, json.Unmarshal(payload, &name))
			order = append(order, name)
			return nil, nil
		})
	})

	f.submit(t, "Record", `"a"`, 5, false)
	f.submit(t, "Record", `"b"`, 100, false)
	f.submit(t, "Record", `"c"`, 20, false)

	require.NoError(t, f.worker(worker.Config{Registry: registry}).Run(context.Background()))
	assert.Equal(t, []string{"b", "c", "a"}, order)
}

func TestWorker_CrashRequeue(t *testing.T) {
	tests := []struct {
		name             string
		markCloned       bool
		wantSourceStatus jobs.Status
	}{
		{name: "source row left running", markCloned: false, wantSourceStatus: jobs.StatusRunning},
		{name: "source row marked cloned", markCloned: true, wantSourceStatus: jobs.StatusCloned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.submit(t, "Boom", `{"input":[1,2,3]}`, 42, false)
			other := f.submit(t, worker.EchoKind, `{}`, 1, false)

			err := f.worker(worker.Config{MarkCrashedAsCloned: tt.markCloned}).Run(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, jobs.ErrCrashed))

			source := f.get(t, id)
			assert.Equal(t, tt.wantSourceStatus, source.Status)
			assert.Nil(t, source.ResultData)

			var clones []jobs.Job
			for _, job := range f.mem.All() {
				if job.Attributes.ClonedFrom == id {
					clones = append(clones, job)
				}
			}
			require.Len(t, clones, 1, "exactly one clone")
			clone := clones[0]
			assert.Equal(t, jobs.StatusQueued, clone.Status)
			assert.Equal(t, source.WorkerKind, clone.WorkerKind)
			assert.JSONEq(t, string(source.Payload), string(clone.Payload))
			assert.Equal(t, 42, clone.Priority)

			assert.Equal(t, jobs.StatusQueued, f.get(t, other).Status, "worker stops after a crash")

			var cloneQueued bool
			for _, msg := range f.broker.Queued() {
				decoded, err := jobs.DecodeMessage(msg.Body)
				require.NoError(t, err)
				if decoded.JobID == clone.ID {
					cloneQueued = true
					assert.Equal(t, uint8(42), msg.Priority)
				}
			}
			assert.True(t, cloneQueued, "clone is published")
		})
	}
}

func TestWorker_Failures(t *testing.T) {
	tests := []struct {
		name       string
		kind       string
		wantLogMsg string
	}{
		{name: "unknown worker kind", kind: "Nope", wantLogMsg: "unknown worker kind"},
		{name: "handler error", kind: "Fail", wantLogMsg: "business rule violated"},
		{name: "invalid result", kind: "NotJSON", wantLogMsg: "invalid JSON"},
		{name: "invalid payload", kind: worker.SleepKind, wantLogMsg: "invalid sleep payload"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			payload := `{}`
			if tt.kind == worker.SleepKind {
				payload = `{"seconds":"soon"}`
			}
			id := f.submit(t, tt.kind, payload, 1, false)

			require.NoError(t, f.worker(worker.Config{}).Run(context.Background()))

			job := f.get(t, id)
			assert.Equal(t, jobs.StatusError, job.Status)
			require.NotEmpty(t, job.Log)
			assert.Contains(t, job.Log[len(job.Log)-1].Message, tt.wantLogMsg)
		})
	}
}

func TestWorker_DeleteOnFinish(t *testing.T) {
	tests := []struct {
		name          string
		kind          string
		deleteOnError bool
		wantDeleted   bool
	}{
		{name: "finished is deleted", kind: worker.EchoKind, wantDeleted: true},
		{name: "error is kept by default", kind: "Fail", wantDeleted: false},
		{name: "error is deleted when configured", kind: "Fail", deleteOnError: true, wantDeleted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.submit(t, tt.kind, `{}`, 1, true)

			require.NoError(t, f.worker(worker.Config{DeleteOnError: tt.deleteOnError}).Run(context.Background()))

			_, err := f.mem.Get(context.Background(), id)
			if tt.wantDeleted {
				assert.True(t, errors.Is(err, jobs.ErrNotFound))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWorker_MalformedMessageDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.broker.Publish(context.Background(), []byte(`{"job_id":`), 10))

	require.NoError(t, f.worker(worker.Config{}).Run(context.Background()))

	assert.Equal(t, 1, f.broker.Acked())
	assert.Empty(t, f.broker.Queued())
	assert.Zero(t, f.mem.Len())
}

type recordingReporter struct {
	usages []uint64
}

func (r *recordingReporter) CheckMemory(ctx context.Context, usageBytes uint64) error {
	r.usages = append(r.usages, usageBytes)
	return nil
}

func TestWorker_MemoryRecycle(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, worker.EchoKind, `1`, 10, false)
	second := f.submit(t, worker.EchoKind, `2`, 5, false)

	reporter := &recordingReporter{}
	w := f.worker(worker.Config{
		ConsumerCount:  2,
		MemoryLimitMB:  1024,
		MemoryReporter: reporter,
		MemoryUsage:    func() uint64 { return 600 << 20 },
	})

	require.NoError(t, w.Run(context.Background()), "recycling is not an error")

	assert.Equal(t, jobs.StatusFinished, f.get(t, first).Status)
	assert.Equal(t, jobs.StatusQueued, f.get(t, second).Status)
	assert.Equal(t, []uint64{1200 << 20}, reporter.usages)
}

func TestWorker_MemoryBelowLimitKeepsRunning(t *testing.T) {
	f := newFixture(t)
	f.submit(t, worker.EchoKind, `1`, 1, false)
	f.submit(t, worker.EchoKind, `2`, 1, false)

	w := f.worker(worker.Config{
		ConsumerCount: 4,
		MemoryLimitMB: 1024,
		MemoryUsage:   func() uint64 { return 100 << 20 },
	})
	require.NoError(t, w.Run(context.Background()))

	for _, job := range f.mem.All() {
		assert.Equal(t, jobs.StatusFinished, job.Status)
	}
}

// flakyStore fails the first transition to Running with a connection error
type flakyStore struct {
	jobs.Store
	mu     sync.Mutex
	failed bool
}

func (s *flakyStore) TransitionStatus(ctx context.Context, id int64, from []jobs.Status, to jobs.Status) (bool, error) {
	s.mu.Lock()
	if to == jobs.StatusRunning && !s.failed {
		s.failed = true
		s.mu.Unlock()
		return false, jobs.NewConnectionError("update job status", io.ErrUnexpectedEOF)
	}
	s.mu.Unlock()
	return s.Store.TransitionStatus(ctx, id, from, to)
}

func TestWorker_StoreConnectionErrorRequeues(t *testing.T) {
	mem := testutil.NewMemoryStore()
	f := newFixtureWithStore(&flakyStore{Store: mem}, mem)
	id := f.submit(t, worker.EchoKind, `{"x":1}`, 7, false)

	require.NoError(t, f.worker(worker.Config{RequeueAttempts: 2}).Run(context.Background()))

	all := f.mem.All()
	require.Len(t, all, 2)
	assert.Equal(t, jobs.StatusCloned, all[0].Status)
	assert.Equal(t, id, all[1].Attributes.ClonedFrom)
	assert.Equal(t, jobs.StatusFinished, all[1].Status, "the clone is consumed normally")
	assert.JSONEq(t, `{"x":1}`, string(all[1].ResultData))
}

func TestWorker_CancelledContext(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, worker.EchoKind, `{}`, 1, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.worker(worker.Config{}).Run(ctx))
	assert.Equal(t, jobs.StatusQueued, f.get(t, id).Status)
	assert.Len(t, f.broker.Queued(), 1)
}

func TestWorker_ClonedSourceIsSkipped(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	registry := testRegistry()
	registry.Register("Count", func() worker.Handler {
		return worker.HandlerFunc(func(ctx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
			mu.Lock()
			runs++
			mu.Unlock()
			return payload, nil
		})
	})

	f := newFixture(t)
	id := f.submit(t, "Count", `{"x":1}`, 10, false)
	cloneID, err := f.service.Clone(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, f.broker.Queued(), 2, "the source message is still queued")

	require.NoError(t, f.worker(worker.Config{Registry: registry}).Run(context.Background()))

	source := f.get(t, id)
	assert.Equal(t, jobs.StatusCloned, source.Status, "cloned jobs stay cloned")
	assert.Nil(t, source.ResultData)

	clone := f.get(t, cloneID)
	assert.Equal(t, jobs.StatusFinished, clone.Status)
	assert.JSONEq(t, `{"x":1}`, string(clone.ResultData))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, runs, "the work runs once")
	assert.Empty(t, f.broker.Queued())
}

func TestWorker_TerminalRowsAreNotRerun(t *testing.T) {
	tests := []struct {
		name   string
		status jobs.Status
	}{
		{name: "finished", status: jobs.StatusFinished},
		{name: "error", status: jobs.StatusError},
		{name: "running elsewhere", status: jobs.StatusRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			id := f.submit(t, worker.EchoKind, `{"x":1}`, 10, false)
			require.NoError(t, f.mem.UpdateStatus(context.Background(), id, tt.status))

			require.NoError(t, f.worker(worker.Config{}).Run(context.Background()))

			job := f.get(t, id)
			assert.Equal(t, tt.status, job.Status)
			assert.Nil(t, job.ResultData)
			assert.Equal(t, 1, f.broker.Acked(), "the message is dropped")
		})
	}
}

func TestWorker_InFlightJobFinishesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := testRegistry()
	registry.Register("Shutdown", func() worker.Handler {
		return worker.HandlerFunc(func(handlerCtx context.Context, jobID int64, payload json.RawMessage) (json.RawMessage, error) {
			cancel()
			if handlerCtx.Err() != nil {
				return nil, handlerCtx.Err()
			}
			return json.RawMessage(`{"done":true}`), nil
		})
	})

	f := newFixture(t)
	inflight := f.submit(t, "Shutdown", `{}`, 50, false)
	next := f.submit(t, worker.EchoKind, `{"x":1}`, 10, false)

	require.NoError(t, f.worker(worker.Config{Registry: registry}).Run(ctx))

	job := f.get(t, inflight)
	assert.Equal(t, jobs.StatusFinished, job.Status, "the current job completes")
	assert.JSONEq(t, `{"done":true}`, string(job.ResultData))

	assert.Equal(t, jobs.StatusQueued, f.get(t, next).Status, "no further job is taken")
	assert.Equal(t, 1, f.broker.Acked())
	assert.Len(t, f.broker.Queued(), 1)
}
