// Package workflow implements the durable workflow engine behind
// registration, signing, and relation grants.
//
// A workflow is a named, ordered list of steps. Every step output is
// journaled to the workflow_runs table before the next step starts, so a
// crashed run resumes from its last completed step instead of repeating
// side effects. When a step fails for good, the compensation handlers of
// the already-completed steps run in reverse order.
//
// Execution flow:
//  1. Create the run row (status running) with the marshaled input
//  2. For each step: replay from journal if present, else execute with
//     retry, then persist the output
//  3. On terminal failure: compensate completed steps in reverse, mark
//     the run compensated, surface the original error
//  4. On restart: Resume re-executes unfinished runs from their journal
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/pkg/models"
)

// resumeConcurrency caps how many interrupted runs Resume drives at once.
const resumeConcurrency = 4

// ErrUnknownWorkflow is returned when executing an unregistered name.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// ErrSignalTimeout is returned by Recv when the wait deadline passes.
var ErrSignalTimeout = errors.New("signal wait timed out")

// Step is one unit of a workflow. Run produces the step's journaled
// output; Compensate undoes its side effects when a later step fails.
type Step struct {
	Name string
	Run  func(ctx *Context) (any, error)

	// Compensate is optional. It receives the same Context and can read
	// the journaled output of its own Run via Output.
	Compensate func(ctx *Context) error

	// MaxAttempts bounds retries for transient failures. Zero means one
	// attempt, no retry.
	MaxAttempts int
}

// Definition is a registered workflow.
type Definition struct {
	Name  string
	Steps []Step
}

// Engine executes workflow definitions durably.
type Engine struct {
	store store.Store

	mu   sync.RWMutex
	defs map[string]*Definition

	// Signal waiters: runID:signal → channel. Senders also persist the
	// payload, so a waiter that started after the send still sees it.
	waitMu  sync.Mutex
	waiters map[string]chan []byte

	// retryInterval seeds the exponential backoff between attempts.
	// Tests shrink it.
	retryInterval time.Duration
}

// Option configures the engine.
type Option func(*Engine)

// WithRetryInterval overrides the base retry backoff interval.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Engine) { e.retryInterval = d }
}

// NewEngine creates a workflow engine backed by the given store.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:         s,
		defs:          make(map[string]*Definition),
		waiters:       make(map[string]chan []byte),
		retryInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a workflow definition. Overwrites if the name exists.
func (e *Engine) Register(def *Definition) {
	e.mu.Lock()
	e.defs[def.Name] = def
	e.mu.Unlock()
	log.Info().Str("workflow", def.Name).Int("steps", len(def.Steps)).Msg("Workflow registered")
}

// Execute runs a workflow to completion and returns the finished run.
// The input is marshaled into the run record before the first step.
func (e *Engine) Execute(ctx context.Context, name string, input any) (*models.WorkflowRun, error) {
	e.mu.RLock()
	def, ok := e.defs[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	run := &models.WorkflowRun{
		ID:      uuid.New().String(),
		Name:    name,
		Status:  models.WorkflowRunning,
		Input:   raw,
		Journal: map[string][]byte{},
		Signals: map[string][]byte{},
	}
	if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create workflow run: %w", err)
	}

	log.Info().Str("run_id", run.ID).Str("workflow", name).Msg("Workflow started")
	return e.drive(ctx, def, run)
}

// Start launches a workflow in the background and returns its run id.
func (e *Engine) Start(ctx context.Context, name string, input any) (string, error) {
	e.mu.RLock()
	def, ok := e.defs[name]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	run := &models.WorkflowRun{
		ID:      uuid.New().String(),
		Name:    name,
		Status:  models.WorkflowRunning,
		Input:   raw,
		Journal: map[string][]byte{},
		Signals: map[string][]byte{},
	}
	if err := e.store.CreateWorkflowRun(ctx, run); err != nil {
		return "", fmt.Errorf("create workflow run: %w", err)
	}

	go func() {
		if _, err := e.drive(context.Background(), def, run); err != nil {
			log.Warn().Str("run_id", run.ID).Str("workflow", name).Err(err).Msg("Background workflow failed")
		}
	}()
	return run.ID, nil
}

// Resume re-executes every unfinished run from its journal. Called once
// on startup; completed steps replay from their journaled outputs, so
// side effects do not repeat.
func (e *Engine) Resume(ctx context.Context) error {
	runs, err := e.store.ListUnfinishedWorkflowRuns(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished runs: %w", err)
	}
	type resumable struct {
		def *Definition
		run models.WorkflowRun
	}
	var pending []resumable
	for i := range runs {
		run := runs[i]
		e.mu.RLock()
		def, ok := e.defs[run.Name]
		e.mu.RUnlock()
		if !ok {
			log.Warn().Str("run_id", run.ID).Str("workflow", run.Name).Msg("Unfinished run has no registered definition")
			continue
		}
		log.Info().Str("run_id", run.ID).Str("workflow", run.Name).Int("journaled", len(run.Journal)).Msg("Resuming workflow")
		pending = append(pending, resumable{def: def, run: run})
	}

	// Drive resumed runs in the background with bounded concurrency so a
	// large backlog cannot stampede downstream services on startup.
	go func() {
		g := new(errgroup.Group)
		g.SetLimit(resumeConcurrency)
		for i := range pending {
			p := pending[i]
			g.Go(func() error {
				if _, err := e.drive(context.Background(), p.def, &p.run); err != nil {
					log.Warn().Str("run_id", p.run.ID).Err(err).Msg("Resumed workflow failed")
				}
				return nil
			})
		}
		g.Wait()
	}()
	return nil
}

// Signal delivers a payload to a waiting run. The payload is persisted
// first, so the signal survives a crash between send and receive.
func (e *Engine) Signal(ctx context.Context, runID, name string, payload []byte) error {
	run, err := e.store.GetWorkflowRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Signals == nil {
		run.Signals = map[string][]byte{}
	}
	run.Signals[name] = payload
	if err := e.store.UpdateWorkflowRun(ctx, run); err != nil {
		return fmt.Errorf("persist signal: %w", err)
	}

	key := runID + ":" + name
	e.waitMu.Lock()
	ch, ok := e.waiters[key]
	if ok {
		delete(e.waiters, key)
	}
	e.waitMu.Unlock()
	if ok {
		ch <- payload
	}
	return nil
}

// GetRun fetches a run by id.
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.WorkflowRun, error) {
	return e.store.GetWorkflowRun(ctx, runID)
}

// ── Execution ───────────────────────────────────────────────

func (e *Engine) drive(ctx context.Context, def *Definition, run *models.WorkflowRun) (*models.WorkflowRun, error) {
	var completed []Step
	for i := range def.Steps {
		step := def.Steps[i]
		sctx := &Context{ctx: ctx, engine: e, run: run, step: step.Name}

		if _, done := run.Journal[step.Name]; done {
			completed = append(completed, step)
			continue
		}

		out, err := e.runStep(sctx, step)
		if err != nil {
			log.Error().Str("run_id", run.ID).Str("step", step.Name).Err(err).Msg("Workflow step failed")
			e.compensate(ctx, run, completed)
			return run, err
		}

		raw, merr := json.Marshal(out)
		if merr != nil {
			e.compensate(ctx, run, completed)
			return run, fmt.Errorf("marshal step output %s: %w", step.Name, merr)
		}
		run.Journal[step.Name] = raw
		if err := e.store.UpdateWorkflowRun(ctx, run); err != nil {
			return run, fmt.Errorf("journal step %s: %w", step.Name, err)
		}
		completed = append(completed, step)
		log.Debug().Str("run_id", run.ID).Str("step", step.Name).Msg("Workflow step journaled")
	}

	now := time.Now().UTC()
	run.Status = models.WorkflowCompleted
	run.CompletedAt = &now
	if err := e.store.UpdateWorkflowRun(ctx, run); err != nil {
		return run, fmt.Errorf("complete run: %w", err)
	}
	log.Info().Str("run_id", run.ID).Str("workflow", run.Name).Msg("Workflow completed")
	return run, nil
}

// runStep executes one step with exponential backoff between attempts.
func (e *Engine) runStep(sctx *Context, step Step) (any, error) {
	attempts := step.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var out any
	op := func() error {
		v, err := step.Run(sctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.retryInterval
	bo.MaxInterval = 32 * e.retryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), sctx.ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}

// compensate runs the undo handlers of completed steps in reverse order.
// The original failure is what callers see; a failing compensation is
// logged and does not mask it.
func (e *Engine) compensate(ctx context.Context, run *models.WorkflowRun, completed []Step) {
	for i := len(completed) - 1; i >= 0; i-- {
		step := completed[i]
		if step.Compensate == nil {
			continue
		}
		sctx := &Context{ctx: ctx, engine: e, run: run, step: step.Name}
		if err := step.Compensate(sctx); err != nil {
			log.Error().Str("run_id", run.ID).Str("step", step.Name).Err(err).Msg("Compensation failed")
		} else {
			log.Info().Str("run_id", run.ID).Str("step", step.Name).Msg("Step compensated")
		}
	}

	run.Status = models.WorkflowCompensated
	if len(completed) == 0 {
		run.Status = models.WorkflowFailed
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := e.store.UpdateWorkflowRun(ctx, run); err != nil {
		log.Error().Str("run_id", run.ID).Err(err).Msg("Failed to persist workflow failure")
	}
}

// ── Step Context ────────────────────────────────────────────

// Context is what a step's Run and Compensate receive.
type Context struct {
	ctx    context.Context
	engine *Engine
	run    *models.WorkflowRun
	step   string
}

// Ctx exposes the underlying context for outbound calls.
func (c *Context) Ctx() context.Context { return c.ctx }

// RunID returns the workflow run id.
func (c *Context) RunID() string { return c.run.ID }

// Input unmarshals the workflow input into v.
func (c *Context) Input(v any) error {
	return json.Unmarshal(c.run.Input, v)
}

// Output unmarshals the journaled output of an earlier step (or, in a
// compensation handler, this step's own output) into v.
func (c *Context) Output(stepName string, v any) error {
	raw, ok := c.run.Journal[stepName]
	if !ok {
		return fmt.Errorf("no journaled output for step %s", stepName)
	}
	return json.Unmarshal(raw, v)
}

// Recv blocks until the named signal arrives or the timeout passes.
// A signal persisted before Recv was called is returned immediately.
func (c *Context) Recv(name string, timeout time.Duration) ([]byte, error) {
	key := c.run.ID + ":" + name
	ch := make(chan []byte, 1)
	c.engine.waitMu.Lock()
	c.engine.waiters[key] = ch
	c.engine.waitMu.Unlock()

	defer func() {
		c.engine.waitMu.Lock()
		delete(c.engine.waiters, key)
		c.engine.waitMu.Unlock()
	}()

	// Check persisted signals only after the waiter is registered. A
	// sender persists before it looks for a waiter, so whichever side of
	// the registration it lands on, the payload is either in the store
	// read below or handed to the channel. Also covers replay after a
	// crash.
	run, err := c.engine.store.GetWorkflowRun(c.ctx, c.run.ID)
	if err == nil {
		if payload, ok := run.Signals[name]; ok {
			return payload, nil
		}
	}

	select {
	case payload := <-ch:
		return payload, nil
	case <-time.After(timeout):
		return nil, ErrSignalTimeout
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// StepOutput decodes a step's journal entry from a finished run.
func StepOutput(run *models.WorkflowRun, stepName string, v any) error {
	raw, ok := run.Journal[stepName]
	if !ok {
		return fmt.Errorf("no journaled output for step %s", stepName)
	}
	return json.Unmarshal(raw, v)
}
