package reload

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsman/internal/eventbus"
	"jobsman/internal/executor"
	"jobsman/internal/scheduler"
	"jobsman/internal/store"
	logx "jobsman/pkg/logx"
)

// memStore is an in-memory Store for controller tests. Errors are injectable
// per call site to exercise the failure paths.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]store.JobDefinition
	pending int

	listErr error
	markErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]store.JobDefinition{}}
}

func (m *memStore) put(d store.JobDefinition) {
	m.mu.Lock()
	m.jobs[d.ID] = d
	m.pending++
	m.mu.Unlock()
}

func (m *memStore) setListErr(err error) {
	m.mu.Lock()
	m.listErr = err
	m.mu.Unlock()
}

func (m *memStore) List(ctx context.Context) ([]store.JobDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]store.JobDefinition, 0, len(m.jobs))
	for _, d := range m.jobs {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) Get(ctx context.Context, id string) (store.JobDefinition, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.jobs[id]
	return d, ok, nil
}

func (m *memStore) Upsert(ctx context.Context, d store.JobDefinition) error {
	m.mu.Lock()
	m.jobs[d.ID] = d
	m.mu.Unlock()
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()
	return nil
}

func (m *memStore) PendingUpdateExists(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending > 0, nil
}

func (m *memStore) NoteUpdate(ctx context.Context) error {
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
	return nil
}

func (m *memStore) MarkUpdatesProcessed(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return 0, m.markErr
	}
	n := int64(m.pending)
	m.pending = 0
	return n, nil
}

func (m *memStore) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *memStore) Close() error { return nil }

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, command string, timeout time.Duration) executor.Outcome {
	return executor.Outcome{Status: executor.StatusOK}
}

func testController(st store.Store) *Controller {
	schedCfg := scheduler.Config{Workers: 1, Tick: 10 * time.Millisecond, Location: time.UTC}
	cfg := Config{Interval: 20 * time.Millisecond, DrainTimeout: time.Second}
	return New(cfg, schedCfg, st, noopRunner{}, logx.Nop(), eventbus.New(), nil)
}

func shutdown(t *testing.T, ctrl *Controller) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ctrl.Shutdown(ctx)
}

func TestStartBuildsInitialCore(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "a", Command: "true", Minute: "*/5"})

	ctrl := testController(st)
	require.NoError(t, ctrl.Start(context.Background()))
	defer shutdown(t, ctrl)

	core := ctrl.Active()
	require.NotNil(t, core)
	assert.Equal(t, 1, core.Jobs())
}

func TestStartFailsOnInvalidJob(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "bad", Command: "true", Minute: "61"})

	ctrl := testController(st)
	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, ctrl.Active())
}

func TestReloadSwapsCore(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "a", Command: "true", Minute: "*/5"})

	ctrl := testController(st)
	require.NoError(t, ctrl.Start(context.Background()))
	defer shutdown(t, ctrl)
	first := ctrl.Active()

	st.put(store.JobDefinition{ID: "b", Command: "true", Hour: "3"})
	require.NoError(t, ctrl.Reload(context.Background()))

	second := ctrl.Active()
	require.NotNil(t, second)
	assert.NotSame(t, first, second, "reload must install a fresh core")
	assert.Equal(t, 2, second.Jobs())
	assert.Zero(t, st.pendingCount(), "markers cleared after successful reload")
}

func TestReloadFailureRollsBack(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "a", Command: "true", Minute: "*/5"})

	ctrl := testController(st)
	require.NoError(t, ctrl.Start(context.Background()))
	defer shutdown(t, ctrl)
	old := ctrl.Active()

	// Poison the next snapshot.
	st.put(store.JobDefinition{ID: "bad", Command: "true", Second: "banana"})

	err := ctrl.Reload(context.Background())
	require.Error(t, err)

	assert.Same(t, old, ctrl.Active(), "failed reload must keep the previous core active")
	assert.Positive(t, st.pendingCount(), "markers stay pending so the next poll retries")
}

func TestReloadStoreOutageRollsBack(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "a", Command: "true", Minute: "*/5"})

	ctrl := testController(st)
	require.NoError(t, ctrl.Start(context.Background()))
	defer shutdown(t, ctrl)
	old := ctrl.Active()

	st.setListErr(store.ErrUnavailable)
	err := ctrl.Reload(context.Background())
	require.ErrorIs(t, err, store.ErrUnavailable)
	assert.Same(t, old, ctrl.Active())

	// Outage over: the retried reload succeeds.
	st.setListErr(nil)
	require.NoError(t, ctrl.Reload(context.Background()))
}

func TestConcurrentReloadCoalesces(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "a", Command: "true", Minute: "*/5"})

	ctrl := testController(st)
	require.NoError(t, ctrl.Start(context.Background()))
	defer shutdown(t, ctrl)

	const n = 8
	results := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ctrl.Reload(context.Background())
		}()
	}
	wg.Wait()
	close(results)

	var ok, busy int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrReloadBusy):
			busy++
		default:
			t.Fatalf("unexpected reload error: %v", err)
		}
	}
	assert.GreaterOrEqual(t, ok, 1, "at least one reload must win")
	assert.Equal(t, n, ok+busy)
}

func TestRunPollsAndReloads(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "a", Command: "true", Minute: "*/5"})

	ctrl := testController(st)
	require.NoError(t, ctrl.Start(context.Background()))
	defer shutdown(t, ctrl)
	first := ctrl.Active()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ctrl.Run(ctx)
	}()

	// Simulate an external editor: a new row plus its update marker.
	st.put(store.JobDefinition{ID: "b", Command: "true", Hour: "4"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.Active() != first && ctrl.Active().Jobs() == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	require.NotSame(t, first, ctrl.Active(), "poll loop never picked up the marker")
	assert.Equal(t, 2, ctrl.Active().Jobs())
	assert.Zero(t, st.pendingCount())
}

func TestMarkerClearFailureIsNotFatal(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "a", Command: "true", Minute: "*/5"})

	ctrl := testController(st)
	require.NoError(t, ctrl.Start(context.Background()))
	defer shutdown(t, ctrl)

	st.mu.Lock()
	st.markErr = store.ErrUnavailable
	st.mu.Unlock()

	// The new schedule is serving; a failed marker clear only means one
	// redundant reload later.
	require.NoError(t, ctrl.Reload(context.Background()))
	assert.Equal(t, 1, ctrl.Active().Jobs())
	assert.Positive(t, st.pendingCount())
}

// trackingRunner holds runs open and reports how each one ended, so tests
// can tell a drained completion from a context kill.
type trackingRunner struct {
	started  chan struct{}
	release  chan struct{}
	finished chan error // ctx.Err() observed when the run unblocked
}

func newTrackingRunner() *trackingRunner {
	return &trackingRunner{
		started:  make(chan struct{}, 4),
		release:  make(chan struct{}),
		finished: make(chan error, 4),
	}
}

func (r *trackingRunner) Run(ctx context.Context, command string, timeout time.Duration) executor.Outcome {
	select {
	case r.started <- struct{}{}:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	select {
	case r.finished <- ctx.Err():
	default:
	}
	return executor.Outcome{Status: executor.StatusOK}
}

func TestStartContextCancelDoesNotKillRuns(t *testing.T) {
	st := newMemStore()
	st.put(store.JobDefinition{ID: "long", Command: "true", Second: "*"})

	runner := newTrackingRunner()
	schedCfg := scheduler.Config{Workers: 1, Tick: 10 * time.Millisecond, Location: time.UTC}
	ctrl := New(Config{Interval: 20 * time.Millisecond, DrainTimeout: time.Second},
		schedCfg, st, runner, logx.Nop(), eventbus.New(), nil)

	// Stand-in for the signal context handed to the service on startup.
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ctrl.Start(ctx))
	defer shutdown(t, ctrl)

	select {
	case <-runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never dispatched")
	}

	// The signal arrives while the run is in flight. It must keep running:
	// only the drain policy in Shutdown may end it.
	cancel()
	select {
	case err := <-runner.finished:
		t.Fatalf("in-flight run ended at signal time (ctx err: %v)", err)
	case <-time.After(150 * time.Millisecond):
	}

	close(runner.release)
	select {
	case err := <-runner.finished:
		assert.NoError(t, err, "run context was cancelled by the caller's context")
	case <-time.After(time.Second):
		t.Fatal("released run never finished")
	}
}

func TestShutdownClearsActive(t *testing.T) {
	st := newMemStore()
	ctrl := testController(st)
	require.NoError(t, ctrl.Start(context.Background()))

	shutdown(t, ctrl)
	assert.Nil(t, ctrl.Active())

	// Idempotent.
	shutdown(t, ctrl)
}
