package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeJob is a scriptable JobHandle for exercising the timeout and cancel
// contracts without real process isolation.
type fakeJob struct {
	mu           sync.Mutex
	done         chan struct{}
	output       map[string]any
	logs         []string
	obeysSignal  bool
	killed       bool
	signalled    bool
	finishedOnce sync.Once
}

func newFakeJob(output map[string]any, obeysSignal bool) *fakeJob {
	return &fakeJob{done: make(chan struct{}), output: output, obeysSignal: obeysSignal}
}

func (j *fakeJob) finish() {
	j.finishedOnce.Do(func() { close(j.done) })
}

func (j *fakeJob) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		if j.killed {
			return nil, errors.New("killed")
		}
		if j.signalled {
			return nil, errors.New("interrupted")
		}
		return j.output, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (j *fakeJob) Signal(context.Context) error {
	j.mu.Lock()
	j.signalled = true
	obeys := j.obeysSignal
	j.mu.Unlock()
	if obeys {
		j.finish()
	}
	return nil
}

func (j *fakeJob) Kill(context.Context) error {
	j.mu.Lock()
	j.killed = true
	j.mu.Unlock()
	j.finish()
	return nil
}

func (j *fakeJob) Logs(context.Context) ([]string, error) {
	return j.logs, nil
}

func testTimeouts() TaskTimeouts {
	return TaskTimeouts{
		Dispatch:         time.Second,
		Execution:        5 * time.Second,
		LogCollection:    time.Second,
		CancelGrace:      50 * time.Millisecond,
		ForceKillEnabled: true,
	}
}

func TestJobTaskRunner_DispatchCollectsOutputAndLogs(t *testing.T) {
	job := newFakeJob(map[string]any{"result": "ok"}, true)
	job.logs = []string{"line 1", "line 2"}
	job.finish()

	r := NewJobTaskRunner(func(context.Context, TaskRequest) (JobHandle, error) {
		return job, nil
	})
	res, err := r.Dispatch(context.Background(), TaskRequest{RequestID: "req", Timeouts: testTimeouts()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output["result"] != "ok" {
		t.Fatalf("output = %+v", res.Output)
	}
	if len(res.Logs) != 2 {
		t.Fatalf("logs = %v", res.Logs)
	}
}

func TestJobTaskRunner_DispatchTimeoutBoundsLaunch(t *testing.T) {
	r := NewJobTaskRunner(func(ctx context.Context, _ TaskRequest) (JobHandle, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	timeouts := testTimeouts()
	timeouts.Dispatch = 10 * time.Millisecond

	_, err := r.Dispatch(context.Background(), TaskRequest{RequestID: "req", Timeouts: timeouts})
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestJobTaskRunner_ExecutionTimeoutFailsTask(t *testing.T) {
	job := newFakeJob(nil, true) // never finishes on its own
	job.logs = []string{"partial output"}

	r := NewJobTaskRunner(func(context.Context, TaskRequest) (JobHandle, error) {
		return job, nil
	})
	timeouts := testTimeouts()
	timeouts.Execution = 10 * time.Millisecond

	res, err := r.Dispatch(context.Background(), TaskRequest{RequestID: "req", Timeouts: timeouts})
	if err == nil || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	// Logs are still collected on the failure path.
	if res == nil || len(res.Logs) != 1 {
		t.Fatalf("res = %+v", res)
	}
}

// dispatchAsync starts a dispatch and waits until the runner has registered
// the job, so Cancel can find it.
func dispatchAsync(t *testing.T, r *JobTaskRunner, req TaskRequest) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(context.Background(), req)
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Phase(req.RequestID); ok {
			return errCh
		}
		if time.Now().After(deadline) {
			t.Fatal("job never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestJobTaskRunner_CancelGraceful(t *testing.T) {
	job := newFakeJob(map[string]any{"result": "ok"}, true)
	r := NewJobTaskRunner(func(context.Context, TaskRequest) (JobHandle, error) {
		return job, nil
	})

	var mu sync.Mutex
	var phases []CancelPhase
	r.OnCancelPhase = func(_ string, phase CancelPhase) {
		mu.Lock()
		phases = append(phases, phase)
		mu.Unlock()
	}

	req := TaskRequest{RequestID: "req", Timeouts: testTimeouts()}
	errCh := dispatchAsync(t, r, req)

	if err := r.Cancel(context.Background(), "req"); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err == nil {
		t.Fatal("cancelled dispatch should report the interruption")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []CancelPhase{CancelPhaseRequested, CancelPhaseGraceWait, CancelPhaseCancelled}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v", phases)
	}
	for i, p := range want {
		if phases[i] != p {
			t.Fatalf("phase[%d] = %q, want %q", i, phases[i], p)
		}
	}
	if job.killed {
		t.Fatal("graceful cancel must not force-kill")
	}
}

func TestJobTaskRunner_ContextCancelShutsDownJob(t *testing.T) {
	job := newFakeJob(nil, true) // never finishes on its own, obeys the signal
	r := NewJobTaskRunner(func(context.Context, TaskRequest) (JobHandle, error) {
		return job, nil
	})

	var mu sync.Mutex
	var phases []CancelPhase
	r.OnCancelPhase = func(_ string, phase CancelPhase) {
		mu.Lock()
		phases = append(phases, phase)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	req := TaskRequest{RequestID: "req", Timeouts: testTimeouts()}
	go func() {
		_, err := r.Dispatch(ctx, req)
		errCh <- err
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := r.Phase("req"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never registered")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}

	// The abandoned job was signalled and stopped within the grace period.
	job.mu.Lock()
	signalled, killed := job.signalled, job.killed
	job.mu.Unlock()
	if !signalled {
		t.Fatal("job was never signalled")
	}
	if killed {
		t.Fatal("obedient job must not be force-killed")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []CancelPhase{CancelPhaseRequested, CancelPhaseGraceWait, CancelPhaseCancelled}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v", phases)
	}
	for i, p := range want {
		if phases[i] != p {
			t.Fatalf("phase[%d] = %q, want %q", i, phases[i], p)
		}
	}
}

func TestJobTaskRunner_CancelForceKillsAfterGrace(t *testing.T) {
	job := newFakeJob(nil, false) // ignores the stop signal
	r := NewJobTaskRunner(func(context.Context, TaskRequest) (JobHandle, error) {
		return job, nil
	})

	var mu sync.Mutex
	var last CancelPhase
	r.OnCancelPhase = func(_ string, phase CancelPhase) {
		mu.Lock()
		last = phase
		mu.Unlock()
	}

	req := TaskRequest{RequestID: "req", Timeouts: testTimeouts()}
	errCh := dispatchAsync(t, r, req)

	if err := r.Cancel(context.Background(), "req"); err != nil {
		t.Fatal(err)
	}
	<-errCh

	mu.Lock()
	defer mu.Unlock()
	if last != CancelPhaseForceKilled {
		t.Fatalf("final phase = %q", last)
	}
	if !job.killed {
		t.Fatal("grace expired, job should have been killed")
	}
}

func TestJobTaskRunner_ForceKillDisabledLeavesJobRunning(t *testing.T) {
	job := newFakeJob(map[string]any{"result": "late"}, false)
	r := NewJobTaskRunner(func(context.Context, TaskRequest) (JobHandle, error) {
		return job, nil
	})

	timeouts := testTimeouts()
	timeouts.ForceKillEnabled = false
	req := TaskRequest{RequestID: "req", Timeouts: timeouts}
	errCh := dispatchAsync(t, r, req)

	if err := r.Cancel(context.Background(), "req"); err != nil {
		t.Fatal(err)
	}
	if job.killed {
		t.Fatal("force-kill disabled, job must not be killed")
	}

	// The job is still live and can finish normally.
	job.mu.Lock()
	job.signalled = false
	job.mu.Unlock()
	job.finish()
	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func TestJobTaskRunner_CancelUnknownRequest(t *testing.T) {
	r := NewJobTaskRunner(nil)
	if err := r.Cancel(context.Background(), "ghost"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSimulatedTaskRunner_DefaultEchoesPrompt(t *testing.T) {
	r := NewSimulatedTaskRunner()
	res, err := r.Dispatch(context.Background(), TaskRequest{RequestID: "req", Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output["result"] != "hello" {
		t.Fatalf("output = %+v", res.Output)
	}
}

func TestSimulatedTaskRunner_ScriptError(t *testing.T) {
	r := NewSimulatedTaskRunner()
	r.Script = func(context.Context, TaskRequest) (map[string]any, error) {
		return nil, fmt.Errorf("scripted failure")
	}
	if _, err := r.Dispatch(context.Background(), TaskRequest{RequestID: "req"}); err == nil {
		t.Fatal("expected scripted failure")
	}
}

func TestSimulatedTaskRunner_Cancel(t *testing.T) {
	r := NewSimulatedTaskRunner()
	r.Latency = 5 * time.Second

	errCh := make(chan error, 1)
	req := TaskRequest{RequestID: "req", Prompt: "slow"}
	go func() {
		_, err := r.Dispatch(context.Background(), req)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := r.Cancel(context.Background(), "req"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dispatch never became cancellable")
		}
		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancel")
	}
}
