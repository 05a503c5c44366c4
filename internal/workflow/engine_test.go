package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/pkg/models"
)

func newTestEngine() (*Engine, store.Store) {
	s := store.NewMemoryStore()
	e := NewEngine(s)
	e.retryInterval = time.Millisecond
	return e, s
}

func TestExecuteHappyPath(t *testing.T) {
	e, _ := newTestEngine()
	e.Register(&Definition{
		Name: "greet",
		Steps: []Step{
			{Name: "upper", Run: func(c *Context) (any, error) {
				var in map[string]string
				if err := c.Input(&in); err != nil {
					return nil, err
				}
				return map[string]string{"text": "HELLO " + in["name"]}, nil
			}},
			{Name: "confirm", Run: func(c *Context) (any, error) {
				var prev map[string]string
				if err := c.Output("upper", &prev); err != nil {
					return nil, err
				}
				return map[string]string{"final": prev["text"] + "!"}, nil
			}},
		},
	})

	run, err := e.Execute(context.Background(), "greet", map[string]string{"name": "world"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != models.WorkflowCompleted {
		t.Errorf("status = %s, want completed", run.Status)
	}
	var out map[string]string
	if err := StepOutput(run, "confirm", &out); err != nil {
		t.Fatalf("StepOutput: %v", err)
	}
	if out["final"] != "HELLO world!" {
		t.Errorf("final = %q", out["final"])
	}
}

func TestExecuteUnknownWorkflow(t *testing.T) {
	e, _ := newTestEngine()
	if _, err := e.Execute(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("err = %v, want ErrUnknownWorkflow", err)
	}
}

func TestCompensationRunsInReverse(t *testing.T) {
	e, _ := newTestEngine()
	var undone []string
	boom := errors.New("boom")

	e.Register(&Definition{
		Name: "fails",
		Steps: []Step{
			{
				Name: "first",
				Run:  func(c *Context) (any, error) { return "a", nil },
				Compensate: func(c *Context) error {
					undone = append(undone, "first")
					return nil
				},
			},
			{
				Name: "second",
				Run:  func(c *Context) (any, error) { return "b", nil },
				Compensate: func(c *Context) error {
					undone = append(undone, "second")
					return nil
				},
			},
			{
				Name: "third",
				Run:  func(c *Context) (any, error) { return nil, boom },
			},
		},
	})

	run, err := e.Execute(context.Background(), "fails", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want original failure", err)
	}
	if run.Status != models.WorkflowCompensated {
		t.Errorf("status = %s, want compensated", run.Status)
	}
	if len(undone) != 2 || undone[0] != "second" || undone[1] != "first" {
		t.Errorf("compensation order = %v, want [second first]", undone)
	}
}

func TestCompensationFailureDoesNotMaskError(t *testing.T) {
	e, _ := newTestEngine()
	boom := errors.New("boom")
	e.Register(&Definition{
		Name: "comp-fails",
		Steps: []Step{
			{
				Name:       "first",
				Run:        func(c *Context) (any, error) { return "a", nil },
				Compensate: func(c *Context) error { return errors.New("undo failed") },
			},
			{Name: "second", Run: func(c *Context) (any, error) { return nil, boom }},
		},
	})

	_, err := e.Execute(context.Background(), "comp-fails", nil)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the original step failure", err)
	}
}

func TestStepRetries(t *testing.T) {
	e, _ := newTestEngine()
	attempts := 0
	e.Register(&Definition{
		Name: "flaky",
		Steps: []Step{
			{
				Name:        "sometimes",
				MaxAttempts: 3,
				Run: func(c *Context) (any, error) {
					attempts++
					if attempts < 3 {
						return nil, errors.New("transient")
					}
					return "ok", nil
				},
			},
		},
	})

	run, err := e.Execute(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if run.Status != models.WorkflowCompleted {
		t.Errorf("status = %s", run.Status)
	}
}

func TestResumeSkipsJournaledSteps(t *testing.T) {
	e, s := newTestEngine()
	firstRuns := 0
	secondRuns := 0
	done := make(chan struct{})
	e.Register(&Definition{
		Name: "resumable",
		Steps: []Step{
			{Name: "first", Run: func(c *Context) (any, error) {
				firstRuns++
				return "a", nil
			}},
			{Name: "second", Run: func(c *Context) (any, error) {
				secondRuns++
				defer close(done)
				return "b", nil
			}},
		},
	})

	// Simulate a crash after step one: the run is journaled but unfinished.
	run := &models.WorkflowRun{
		ID:      "wf-crashed",
		Name:    "resumable",
		Status:  models.WorkflowRunning,
		Input:   []byte(`{}`),
		Journal: map[string][]byte{"first": []byte(`"a"`)},
	}
	if err := s.CreateWorkflowRun(context.Background(), run); err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}

	if err := e.Resume(context.Background()); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resumed run did not finish")
	}

	if firstRuns != 0 {
		t.Errorf("journaled step re-executed %d times", firstRuns)
	}
	if secondRuns != 1 {
		t.Errorf("pending step ran %d times, want 1", secondRuns)
	}
	got, err := s.GetWorkflowRun(context.Background(), "wf-crashed")
	if err != nil {
		t.Fatalf("GetWorkflowRun: %v", err)
	}
	if got.Status != models.WorkflowCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
}

func TestSignalDelivery(t *testing.T) {
	e, _ := newTestEngine()
	e.Register(&Definition{
		Name: "waits",
		Steps: []Step{
			{Name: "wait", Run: func(c *Context) (any, error) {
				payload, err := c.Recv("approval", 2*time.Second)
				if err != nil {
					return nil, err
				}
				return string(payload), nil
			}},
		},
	})

	runID, err := e.Start(context.Background(), "waits", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Give the waiter a moment to register, then signal.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := e.Signal(context.Background(), runID, "approval", []byte("granted")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("could not deliver signal")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var run *models.WorkflowRun
	for time.Now().Before(deadline) {
		run, err = e.GetRun(context.Background(), runID)
		if err == nil && run.Status == models.WorkflowCompleted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if run == nil || run.Status != models.WorkflowCompleted {
		t.Fatalf("run did not complete after signal: %+v", run)
	}
	var out string
	if err := StepOutput(run, "wait", &out); err != nil {
		t.Fatalf("StepOutput: %v", err)
	}
	if out != "granted" {
		t.Errorf("signal payload = %q", out)
	}
}

func TestRecvSeesPersistedSignal(t *testing.T) {
	e, s := newTestEngine()
	run := &models.WorkflowRun{
		ID:      "wf-sig",
		Name:    "any",
		Status:  models.WorkflowRunning,
		Input:   []byte(`{}`),
		Signals: map[string][]byte{"approval": []byte("early")},
	}
	if err := s.CreateWorkflowRun(context.Background(), run); err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}

	c := &Context{ctx: context.Background(), engine: e, run: run}
	payload, err := c.Recv("approval", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(payload) != "early" {
		t.Errorf("payload = %q", payload)
	}
}

func TestRecvNeverMissesConcurrentSignal(t *testing.T) {
	e, s := newTestEngine()

	// Recv and Signal race on every iteration. Whatever the
	// interleaving, the payload is either in the store when Recv checks
	// it or delivered through the waiter channel; a timeout here means a
	// lost wakeup.
	for i := 0; i < 100; i++ {
		run := &models.WorkflowRun{
			ID:     fmt.Sprintf("wf-race-%d", i),
			Name:   "any",
			Status: models.WorkflowRunning,
			Input:  []byte(`{}`),
		}
		if err := s.CreateWorkflowRun(context.Background(), run); err != nil {
			t.Fatalf("CreateWorkflowRun: %v", err)
		}
		c := &Context{ctx: context.Background(), engine: e, run: run}

		done := make(chan error, 1)
		go func() {
			_, err := c.Recv("approval", time.Second)
			done <- err
		}()
		if err := e.Signal(context.Background(), run.ID, "approval", []byte("go")); err != nil {
			t.Fatalf("Signal: %v", err)
		}
		if err := <-done; err != nil {
			t.Fatalf("iteration %d: signal lost: %v", i, err)
		}
	}
}

func TestRecvTimeout(t *testing.T) {
	e, s := newTestEngine()
	run := &models.WorkflowRun{ID: "wf-t", Name: "any", Status: models.WorkflowRunning, Input: []byte(`{}`)}
	if err := s.CreateWorkflowRun(context.Background(), run); err != nil {
		t.Fatalf("CreateWorkflowRun: %v", err)
	}
	c := &Context{ctx: context.Background(), engine: e, run: run}
	if _, err := c.Recv("never", 10*time.Millisecond); !errors.Is(err, ErrSignalTimeout) {
		t.Errorf("err = %v, want ErrSignalTimeout", err)
	}
}
