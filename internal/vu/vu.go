// Package vu implements the virtual user: a lifecycle state machine around
// weighted scenario selection, data binding, and sequential step execution
// with think time in between.
package vu

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/data"
	"github.com/stampedehq/stampede/internal/handler"
	"github.com/stampedehq/stampede/internal/hooks"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
	"github.com/stampedehq/stampede/internal/step"
)

// State is the VU lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrTerminated signals a graceful self-stop: the VU's data supply is
// exhausted and it should not be scheduled again.
var ErrTerminated = errors.New("vu terminated: data exhausted")

// ErrStopped reports a scenario pass refused because the VU is stopping or
// stopped.
var ErrStopped = errors.New("vu is stopping or stopped")

// Config wires the collaborators a VU needs. All fields are shared across
// VUs and must be safe for concurrent use.
type Config struct {
	Plan     *plan.TestPlan
	Executor *step.Executor
	Hooks    *hooks.Engine
	Data     *data.Registry
	Handlers *handler.Registry
	Logger   logrus.FieldLogger
}

// VU is one virtual user. One goroutine drives it through Run; control
// methods (RequestStop, WaitForStop) may be called from anywhere.
type VU struct {
	id  int
	cfg Config
	log logrus.FieldLogger

	ctx *lib.VUContext
	rng *rand.Rand

	state    atomic.Int32
	stopCh   chan struct{}
	doneCh   chan struct{}
	doneOnce sync.Once
}

// New creates an idle VU.
func New(id int, cfg Config) *VU {
	return &VU{
		id:     id,
		cfg:    cfg,
		log:    cfg.Logger.WithField("vu_id", id),
		ctx:    lib.NewVUContext(id),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(id)<<16)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ID returns the VU's 1-based identifier.
func (v *VU) ID() int { return v.id }

// State returns the current lifecycle state.
func (v *VU) State() State { return State(v.state.Load()) }

// Context exposes the VU's execution context for tests and hooks.
func (v *VU) Context() *lib.VUContext { return v.ctx }

// Run loops scenario passes until the context ends, the VU is stopped, or
// its data supply is exhausted. Pass errors are logged and never abort the
// loop. Run owns the stopped transition and per-VU handler cleanup.
func (v *VU) Run(ctx context.Context) {
	defer v.markStopped()

	for {
		select {
		case <-ctx.Done():
			return
		case <-v.stopCh:
			return
		default:
		}

		err := v.ExecuteScenarios(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrTerminated), errors.Is(err, ErrStopped):
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		default:
			v.log.WithError(err).Error("scenario pass failed")
		}
	}
}

// RunOnce executes a single scenario pass, then stops. Arrivals phases use
// it when no per-VU lifetime is configured: each arrival is one session.
func (v *VU) RunOnce(ctx context.Context) {
	defer v.markStopped()

	err := v.ExecuteScenarios(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrTerminated), errors.Is(err, ErrStopped):
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		v.log.WithError(err).Error("scenario pass failed")
	}
}

// ExecuteScenarios runs one full pass: global data row, beforeVU hook,
// weighted scenario selection, each selected scenario with its loops and
// hooks, then teardownVU.
func (v *VU) ExecuteScenarios(ctx context.Context) error {
	if !v.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return ErrStopped
	}
	defer v.state.CompareAndSwap(int32(StateRunning), int32(StateIdle))

	ctx, cancel := v.bindStop(ctx)
	defer cancel()

	if err := v.loadGlobalRow(); err != nil {
		v.RequestStop()
		return err
	}

	if err := v.cfg.Hooks.Run(ctx, "beforeVU", v.cfg.Plan.Hooks.BeforeVU, v.ctx); err != nil {
		return err
	}

	var passErr error
	for _, sc := range v.selectScenarios() {
		if ctx.Err() != nil {
			passErr = ctx.Err()
			break
		}
		if err := v.runScenario(ctx, sc); err != nil {
			passErr = err
			break
		}
	}

	if err := v.cfg.Hooks.Run(ctx, "teardownVU", v.cfg.Plan.Hooks.TeardownVU, v.ctx); err != nil && passErr == nil {
		passErr = err
	}
	return passErr
}

// RequestStop signals the VU to stop after the current step. Safe to call
// repeatedly and from any goroutine.
func (v *VU) RequestStop() {
	if v.State() == StateStopped {
		return
	}
	if v.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) ||
		v.state.CompareAndSwap(int32(StateIdle), int32(StateStopping)) {
		close(v.stopCh)
	}
}

// WaitForStop blocks until the VU has fully stopped, including per-VU
// handler cleanup. Returns false on timeout.
func (v *VU) WaitForStop(timeout time.Duration) bool {
	select {
	case <-v.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop requests a stop and waits for completion.
func (v *VU) Stop(timeout time.Duration) bool {
	v.RequestStop()
	return v.WaitForStop(timeout)
}

// markStopped releases per-VU handler resources, then publishes the stopped
// state. No result is emitted after doneCh closes.
func (v *VU) markStopped() {
	if err := v.cfg.Handlers.CleanupVU(v.id); err != nil {
		v.log.WithError(err).Warn("per-vu handler cleanup failed")
	}
	v.state.Store(int32(StateStopped))
	v.doneOnce.Do(func() { close(v.doneCh) })
}

// bindStop derives a context that is also cancelled by the VU's stop signal,
// so in-flight steps and sleeps end promptly on RequestStop.
func (v *VU) bindStop(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-v.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// selectScenarios includes each scenario independently with probability
// weight/100. An empty draw falls back to the first scenario. Order follows
// the plan declaration.
func (v *VU) selectScenarios() []*plan.Scenario {
	scenarios := v.cfg.Plan.Scenarios
	selected := make([]*plan.Scenario, 0, len(scenarios))
	for i := range scenarios {
		if v.rng.Intn(100) < scenarios[i].EffectiveWeight() {
			selected = append(selected, &scenarios[i])
		}
	}
	if len(selected) == 0 && len(scenarios) > 0 {
		selected = append(selected, &scenarios[0])
	}
	return selected
}

// loadGlobalRow fetches one row from the test-global provider and merges its
// columns into the variable scope. Exhaustion terminates the VU gracefully.
func (v *VU) loadGlobalRow() error {
	path := v.cfg.Plan.Global.CSVData
	if path == "" {
		return nil
	}

	p := v.cfg.Data.Get(path, data.Options{})
	if err := p.Load(); err != nil {
		v.log.WithError(err).WithField("file", path).Error("global data file unavailable")
		return ErrTerminated
	}

	mode := v.cfg.Plan.Global.CSVMode
	if mode == "" {
		mode = plan.ModeNext
	}
	row, ok := p.FetchRow(mode, v.id)
	if !ok {
		v.log.WithField("file", path).Info("global data exhausted")
		return ErrTerminated
	}

	v.ctx.GlobalRow = row
	for col, cell := range row {
		v.ctx.Variables[col] = cell
	}
	return nil
}

// runScenario executes one scenario pass: variables, data row, hooks, and
// LoopCount iterations of the step list.
func (v *VU) runScenario(ctx context.Context, sc *plan.Scenario) error {
	v.ctx.ScenarioName = sc.Name
	for k, val := range sc.Variables {
		v.ctx.Variables[k] = copyValue(val)
	}

	binding := sc.DataBinding
	if err := v.loadScenarioRow(sc); err != nil {
		return err
	}

	if err := v.cfg.Hooks.Run(ctx, "beforeScenario", sc.Hooks.BeforeScenario, v.ctx); err != nil {
		return err
	}

	var scErr error
	for iter := 0; iter < sc.LoopCount(); iter++ {
		v.ctx.Iteration = int64(iter)

		if iter > 0 && binding != nil && binding.EffectiveMode() == plan.ModeUnique {
			if err := v.loadScenarioRow(sc); err != nil {
				scErr = err
				break
			}
		}

		if err := v.cfg.Hooks.Run(ctx, "beforeLoop", sc.Hooks.BeforeLoop, v.ctx); err != nil {
			scErr = err
			break
		}

		stepErr := v.runSteps(ctx, sc)

		// afterLoop runs even when a step aborted the iteration.
		if err := v.cfg.Hooks.Run(ctx, "afterLoop", sc.Hooks.AfterLoop, v.ctx); err != nil && stepErr == nil {
			stepErr = err
		}
		if stepErr != nil {
			scErr = stepErr
			break
		}

		if iter < sc.LoopCount()-1 {
			v.pause(ctx, sc.ThinkTime, v.cfg.Plan.Global.ThinkTime)
		}
	}

	if err := v.cfg.Hooks.Run(ctx, "teardownScenario", sc.Hooks.TeardownScenario, v.ctx); err != nil && scErr == nil {
		scErr = err
	}
	return scErr
}

// loadScenarioRow fetches one row from the scenario's binding, stores it as
// the scenario-local row, and exports its columns as variables. A variables
// remap additionally aliases source columns to new names.
func (v *VU) loadScenarioRow(sc *plan.Scenario) error {
	b := sc.DataBinding
	if b == nil {
		return nil
	}

	p := v.cfg.Data.Get(b.File, data.Options{Delimiter: b.Delimiter, Cycle: b.CycleOnExhaustion})
	if err := p.Load(); err != nil {
		v.log.WithError(err).WithField("file", b.File).Error("scenario data file unavailable")
		return ErrTerminated
	}

	row, ok := p.FetchRow(b.EffectiveMode(), v.id)
	if !ok {
		v.log.WithFields(logrus.Fields{"file": b.File, "scenario": sc.Name}).Info("scenario data exhausted")
		return ErrTerminated
	}

	v.ctx.CSVRow = row
	for col, cell := range row {
		v.ctx.Variables[col] = cell
	}
	for col, name := range b.Variables {
		if cell, ok := row[col]; ok {
			v.ctx.Variables[name] = cell
		}
	}
	return nil
}

// runSteps executes the scenario's steps sequentially with effective think
// time between them.
func (v *VU) runSteps(ctx context.Context, sc *plan.Scenario) error {
	steps := sc.Steps
	for i := range steps {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := v.cfg.Executor.Execute(ctx, &steps[i], v.ctx); err != nil {
			return err
		}

		if i == len(steps)-1 || skipsThinkTime(&steps[i+1]) {
			continue
		}
		v.pause(ctx, steps[i].ThinkTime, sc.ThinkTime, v.cfg.Plan.Global.ThinkTime)
	}
	return nil
}

// pause sleeps the first defined think time among raws. Undefined everywhere
// means no pause.
func (v *VU) pause(ctx context.Context, raws ...interface{}) {
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		clock.Sleep(ctx, clock.SampleThinkTime(raw, v.rng, v.log))
		return
	}
}

// thinkTimeExemptPrefixes name the verification and wait style steps that
// should run immediately after their predecessor.
var thinkTimeExemptPrefixes = []string{
	"verify_", "wait_for_", "measure_web_vitals", "performance_audit",
}

func skipsThinkTime(s *plan.Step) bool {
	for _, prefix := range thinkTimeExemptPrefixes {
		if strings.HasPrefix(s.Name, prefix) {
			return true
		}
	}
	return false
}

// copyValue deep-copies plan variable values so hook mutations never reach
// the shared plan.
func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = copyValue(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = copyValue(val)
		}
		return s
	default:
		return v
	}
}
