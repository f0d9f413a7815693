package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/emberworks-io/crucible/log"
	"github.com/emberworks-io/crucible/queue"
	"github.com/emberworks-io/crucible/runner"
	"github.com/emberworks-io/crucible/store"
	"github.com/emberworks-io/crucible/types"
)

type fakeStore struct {
	markRunningErr error
	exec           *types.Execution
	execErr        error
	session        *store.SessionWithLanguage
	sessionErr     error
	applyErr       error

	applied map[string]store.TerminalUpdate
	marked  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		applied: map[string]store.TerminalUpdate{},
		marked:  map[string]string{},
	}
}

func (f *fakeStore) MarkRunning(_ context.Context, _ string) error { return f.markRunningErr }

func (f *fakeStore) GetExecution(_ context.Context, _ string) (*types.Execution, error) {
	return f.exec, f.execErr
}

func (f *fakeStore) GetSessionWithLanguage(_ context.Context, _ string) (*store.SessionWithLanguage, error) {
	return f.session, f.sessionErr
}

func (f *fakeStore) ApplyOutcome(_ context.Context, id string, u store.TerminalUpdate) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied[id] = u
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, id, stderr string) error {
	f.marked[id] = stderr
	return nil
}

type fakeQueue struct {
	mu     sync.Mutex
	jobs   []*queue.Job
	acked  []string
	nacked []string
}

func (f *fakeQueue) Reserve(_ context.Context, _ string) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jobs) == 0 {
		return nil, nil
	}
	job := f.jobs[0]
	f.jobs = f.jobs[1:]
	return job, nil
}

func (f *fakeQueue) Ack(_ context.Context, job *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, job.ID)
	return nil
}

func (f *fakeQueue) Nack(_ context.Context, job *queue.Job, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, job.ID)
	return nil
}

func (f *fakeQueue) Depth(_ context.Context) (int64, int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.jobs)), 0, 0, nil
}

func (f *fakeQueue) ackedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acked)
}

type fakeRunner struct {
	outcome  *runner.Outcome
	err      error
	panics   bool
	calls    int
	lastSpec runner.Spec
}

func (f *fakeRunner) Run(_ context.Context, spec runner.Spec) (*runner.Outcome, error) {
	f.calls++
	f.lastSpec = spec
	if f.panics {
		panic("runner blew up")
	}
	return f.outcome, f.err
}

type fakeEvents struct {
	stages []string
}

func (f *fakeEvents) AppendEvent(_ context.Context, ev types.LifecycleEvent) error {
	f.stages = append(f.stages, ev.Stage)
	return nil
}

func testSession() *store.SessionWithLanguage {
	return &store.SessionWithLanguage{
		Session: types.Session{
			ID:         "sess-1",
			LanguageID: 1,
			SourceCode: `print("hi")`,
			Status:     types.SessionActive,
		},
		Language: types.Language{ID: 1, Name: "Python", Runtime: "python", FileName: "main.py"},
	}
}

func testJob(attempts int) *queue.Job {
	return &queue.Job{
		ID: "exec-1",
		Payload: types.JobPayload{
			ExecutionID:   "exec-1",
			SessionID:     "sess-1",
			TimeLimitMS:   5000,
			MemoryLimitMB: 256,
		},
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

func completedOutcome() *runner.Outcome {
	exit := 0
	return &runner.Outcome{
		Status:          types.ExecutionCompleted,
		Stdout:          "hi\n",
		ExecutionTimeMS: 12.5,
		ExitCode:        &exit,
	}
}

func newTestPool(st *fakeStore, q *fakeQueue, r *fakeRunner, ev *fakeEvents) *Pool {
	logger := log.New("worker", "error").WithOutput(io.Discard)
	return New(st, q, r, ev, Config{WorkerID: "w-1"}, logger, nil)
}

func TestProcess_Completed(t *testing.T) {
	st := newFakeStore()
	st.session = testSession()
	q := &fakeQueue{}
	r := &fakeRunner{outcome: completedOutcome()}
	ev := &fakeEvents{}
	p := newTestPool(st, q, r, ev)

	p.process(context.Background(), testJob(0))

	u, ok := st.applied["exec-1"]
	if !ok {
		t.Fatal("outcome not applied")
	}
	if u.Status != types.ExecutionCompleted || u.Stdout != "hi\n" {
		t.Errorf("applied = %+v", u)
	}
	if u.ExitCode == nil || *u.ExitCode != 0 {
		t.Errorf("exit code = %v", u.ExitCode)
	}
	if len(q.acked) != 1 || q.acked[0] != "exec-1" {
		t.Errorf("acked = %v", q.acked)
	}
	if len(q.nacked) != 0 {
		t.Errorf("nacked = %v", q.nacked)
	}
	want := []string{"RUNNING", "COMPLETED"}
	if len(ev.stages) != 2 || ev.stages[0] != want[0] || ev.stages[1] != want[1] {
		t.Errorf("events = %v, want %v", ev.stages, want)
	}

	// The runner must see the language row's runtime, file name, and the
	// job's limits, not zero values.
	if r.lastSpec.RuntimeKey != "python" || r.lastSpec.FileName != "main.py" {
		t.Errorf("spec = %+v", r.lastSpec)
	}
	if r.lastSpec.TimeLimitMS != 5000 || r.lastSpec.MemoryLimitMB != 256 {
		t.Errorf("spec limits = (%d, %d)", r.lastSpec.TimeLimitMS, r.lastSpec.MemoryLimitMB)
	}
}

func TestProcess_RowMissingAcks(t *testing.T) {
	st := newFakeStore()
	st.markRunningErr = fmt.Errorf("store: execution exec-1: %w", store.ErrNotFound)
	q := &fakeQueue{}
	r := &fakeRunner{outcome: completedOutcome()}
	p := newTestPool(st, q, r, &fakeEvents{})

	p.process(context.Background(), testJob(0))

	if r.calls != 0 {
		t.Error("runner invoked for a missing execution row")
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %v", q.acked)
	}
}

func TestProcess_RedeliveredTerminalAcks(t *testing.T) {
	st := newFakeStore()
	st.markRunningErr = fmt.Errorf("store: already left QUEUED: %w", store.ErrConflict)
	st.exec = &types.Execution{ID: "exec-1", Status: types.ExecutionCompleted}
	q := &fakeQueue{}
	r := &fakeRunner{outcome: completedOutcome()}
	p := newTestPool(st, q, r, &fakeEvents{})

	p.process(context.Background(), testJob(1))

	if r.calls != 0 {
		t.Error("runner invoked for an already-terminal execution")
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %v", q.acked)
	}
	if len(st.applied) != 0 {
		t.Errorf("applied = %v", st.applied)
	}
}

func TestProcess_RerunsRowStuckRunning(t *testing.T) {
	// A redelivery that finds the row RUNNING means a prior attempt crashed
	// mid-run; the job is re-run and the idempotent terminal write lands.
	st := newFakeStore()
	st.markRunningErr = fmt.Errorf("store: already left QUEUED: %w", store.ErrConflict)
	st.exec = &types.Execution{ID: "exec-1", Status: types.ExecutionRunning}
	st.session = testSession()
	q := &fakeQueue{}
	r := &fakeRunner{outcome: completedOutcome()}
	p := newTestPool(st, q, r, &fakeEvents{})

	p.process(context.Background(), testJob(1))

	if r.calls != 1 {
		t.Fatalf("runner calls = %d", r.calls)
	}
	if _, ok := st.applied["exec-1"]; !ok {
		t.Error("outcome not applied")
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %v", q.acked)
	}
}

func TestProcess_SessionGoneFailsDeterministically(t *testing.T) {
	st := newFakeStore()
	st.sessionErr = fmt.Errorf("store: session sess-1: %w", store.ErrNotFound)
	q := &fakeQueue{}
	r := &fakeRunner{outcome: completedOutcome()}
	ev := &fakeEvents{}
	p := newTestPool(st, q, r, ev)

	p.process(context.Background(), testJob(0))

	if r.calls != 0 {
		t.Error("runner invoked without a session")
	}
	if st.marked["exec-1"] != "session no longer exists" {
		t.Errorf("marked = %q", st.marked["exec-1"])
	}
	if len(q.acked) != 1 {
		t.Errorf("acked = %v", q.acked)
	}
	if len(q.nacked) != 0 {
		t.Error("deterministic failure must not burn a retry")
	}
}

func TestProcess_TransientErrorNacks(t *testing.T) {
	st := newFakeStore()
	st.session = testSession()
	q := &fakeQueue{}
	r := &fakeRunner{err: errors.New("scratch dir: disk full")}
	p := newTestPool(st, q, r, &fakeEvents{})

	p.process(context.Background(), testJob(0))

	if len(q.nacked) != 1 {
		t.Fatalf("nacked = %v", q.nacked)
	}
	if len(q.acked) != 0 {
		t.Errorf("acked = %v", q.acked)
	}
	if len(st.marked) != 0 {
		t.Errorf("marked before retries exhausted: %v", st.marked)
	}
}

func TestProcess_FinalAttemptRetiresRow(t *testing.T) {
	st := newFakeStore()
	st.session = testSession()
	q := &fakeQueue{}
	r := &fakeRunner{err: errors.New("scratch dir: disk full")}
	p := newTestPool(st, q, r, &fakeEvents{})

	p.process(context.Background(), testJob(3))

	if len(q.nacked) != 1 {
		t.Fatalf("nacked = %v", q.nacked)
	}
	stderr := st.marked["exec-1"]
	if stderr == "" {
		t.Fatal("row not marked FAILED on final attempt")
	}
	if want := "execution failed after retries"; len(stderr) < len(want) || stderr[:len(want)] != want {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestProcess_RunnerPanicNacks(t *testing.T) {
	st := newFakeStore()
	st.session = testSession()
	q := &fakeQueue{}
	r := &fakeRunner{panics: true}
	p := newTestPool(st, q, r, &fakeEvents{})

	p.process(context.Background(), testJob(0))

	if len(q.nacked) != 1 {
		t.Fatalf("panic not converted to a nack: %v", q.nacked)
	}
}

func TestProcess_ApplyConflictAcks(t *testing.T) {
	st := newFakeStore()
	st.session = testSession()
	st.applyErr = fmt.Errorf("store: already terminal: %w", store.ErrConflict)
	q := &fakeQueue{}
	p := newTestPool(st, q, &fakeRunner{outcome: completedOutcome()}, &fakeEvents{})

	p.process(context.Background(), testJob(0))

	if len(q.acked) != 1 {
		t.Errorf("acked = %v", q.acked)
	}
	if len(q.nacked) != 0 {
		t.Errorf("nacked = %v", q.nacked)
	}
}

func TestRun_ProcessesAndDrains(t *testing.T) {
	st := newFakeStore()
	st.session = testSession()
	q := &fakeQueue{jobs: []*queue.Job{testJob(0)}}
	r := &fakeRunner{outcome: completedOutcome()}
	p := newTestPool(st, q, r, &fakeEvents{})
	p.cfg.PollInterval = 5 * time.Millisecond
	p.cfg.GracePeriod = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for q.ackedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("job not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}
}

type fakeSweepStore struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakeSweepStore) SweepStuckRunning(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func TestSweeper_CutoffFromMaxRunAge(t *testing.T) {
	st := &fakeSweepStore{n: 2}
	s := NewSweeper(st, SweeperConfig{MaxRunAge: 90 * time.Second},
		log.New("sweeper", "error").WithOutput(io.Discard), nil)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.sweep(context.Background())

	if want := now.Add(-90 * time.Second); !st.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", st.cutoff, want)
	}
}

func TestSweeper_StoreErrorIsNonFatal(t *testing.T) {
	st := &fakeSweepStore{err: errors.New("db down")}
	s := NewSweeper(st, SweeperConfig{},
		log.New("sweeper", "error").WithOutput(io.Discard), nil)

	s.sweep(context.Background())
}
