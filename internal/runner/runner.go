// Package runner orchestrates one test run end to end: it wires the
// collector, handlers, sinks, and rendezvous registry, executes the load
// phases in order, and fans the final summary out to every sink and the
// optional report file.
package runner

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/stampedehq/stampede/internal/clock"
	"github.com/stampedehq/stampede/internal/data"
	"github.com/stampedehq/stampede/internal/handler"
	"github.com/stampedehq/stampede/internal/hooks"
	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/metrics"
	"github.com/stampedehq/stampede/internal/output"
	"github.com/stampedehq/stampede/internal/pattern"
	"github.com/stampedehq/stampede/internal/plan"
	"github.com/stampedehq/stampede/internal/rendezvous"
	"github.com/stampedehq/stampede/internal/report"
	"github.com/stampedehq/stampede/internal/step"
	"github.com/stampedehq/stampede/internal/template"
	"github.com/stampedehq/stampede/internal/vu"
)

// phasePause separates consecutive load phases.
const phasePause = 2 * time.Second

// defaultStopGrace bounds the wait for VUs after a stop request. Stragglers
// are logged and abandoned; handler cleanup runs regardless.
const defaultStopGrace = 10 * time.Second

// Options configures a Runner beyond the plan itself.
type Options struct {
	// FS is the filesystem for data files, hook files, and output files.
	// Defaults to the OS filesystem.
	FS afero.Fs

	Logger logrus.FieldLogger

	// Handlers are protocol handlers registered beside the built-in wait
	// handler. Only the step types the plan uses are activated.
	Handlers []lib.StepHandler

	// Sinks receive results and the summary in addition to the plan's
	// configured outputs. The CLI passes the console sink here.
	Sinks []lib.Sink

	// Collector overrides collector tuning. The results and snapshot file
	// paths come from the plan's json outputs and win over these.
	Collector metrics.Config

	// StopGrace bounds the wait for VUs on shutdown. Default 10s.
	StopGrace time.Duration
}

// Runner executes one test plan, once. Construct with New, start with Run,
// and cancel with Stop or the Run context.
type Runner struct {
	plan      *plan.TestPlan
	fs        afero.Fs
	log       logrus.FieldLogger
	stopGrace time.Duration

	sinks     []lib.Sink
	collector *metrics.Collector
	handlers  *handler.Registry
	barriers  *rendezvous.Registry
	hooks     *hooks.Engine
	pool      *pattern.Pool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ThresholdError reports declared thresholds the final summary failed. The
// summary itself is still valid and was written to every sink.
type ThresholdError struct {
	Failed []lib.ThresholdResult
}

func (e *ThresholdError) Error() string {
	exprs := make([]string, len(e.Failed))
	for i, t := range e.Failed {
		exprs[i] = fmt.Sprintf("%s (actual %.2f)", t.Expression, t.Actual)
	}
	return fmt.Sprintf("%d threshold(s) failed: %s", len(e.Failed), strings.Join(exprs, "; "))
}

// New validates the plan and wires every component of a run. The returned
// Runner has not started anything yet; errors here are configuration errors.
func New(p *plan.TestPlan, opts Options) (*Runner, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateThresholds(p.Thresholds); err != nil {
		return nil, err
	}

	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = defaultStopGrace
	}
	logger := opts.Logger

	built, files, err := output.Build(p, opts.FS, logger)
	if err != nil {
		return nil, err
	}
	sinks := make([]lib.Sink, 0, len(opts.Sinks)+len(built))
	sinks = append(sinks, opts.Sinks...)
	sinks = append(sinks, built...)

	cfg := opts.Collector
	if files.Results != "" {
		cfg.ResultsFile = files.Results
	}
	if files.Snapshot != "" {
		cfg.SnapshotFile = files.Snapshot
	}

	collector := metrics.NewCollector(cfg, p.Name, sinks, opts.FS, logger)
	barriers := rendezvous.NewRegistry(logger)

	handlers := handler.NewRegistry(logger)
	handlers.Register(handler.NewWaitHandlerWithBarriers(logger, barriers))
	for _, h := range opts.Handlers {
		handlers.Register(h)
	}

	registry := data.NewRegistry(opts.FS, logger)
	templates := template.New(opts.FS, registry, p.Global.Faker, logger)
	hookEngine := hooks.New(opts.FS, logger)
	exec := step.NewExecutor(templates, hookEngine, handlers, collector, p.Debug, logger)
	hookEngine.SetStepRunner(exec.RunSteps)

	factory := pattern.FactoryFunc(func(id int) (*vu.VU, error) {
		return vu.New(id, vu.Config{
			Plan:     p,
			Executor: exec,
			Hooks:    hookEngine,
			Data:     registry,
			Handlers: handlers,
			Logger:   logger,
		}), nil
	})

	return &Runner{
		plan:      p,
		fs:        opts.FS,
		log:       logger,
		stopGrace: opts.StopGrace,
		sinks:     sinks,
		collector: collector,
		handlers:  handlers,
		barriers:  barriers,
		hooks:     hookEngine,
		pool:      pattern.NewPool(factory, collector, logger),
	}, nil
}

// Run executes the plan and returns the final summary. Cancelling ctx (or
// calling Stop) ends the test gracefully and is not an error. The error is a
// *lib.FatalError when initialization or a phase failed, a *ThresholdError
// when the summary missed a declared threshold, nil otherwise.
func (r *Runner) Run(ctx context.Context) (*lib.Summary, error) {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("runner already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	defer close(r.done)
	defer cancel()

	r.barriers.Reset()

	if err := r.handlers.Activate(stepTypes(r.plan), r.plan.Debug); err != nil {
		return nil, &lib.FatalError{Op: "activating handlers", Err: err}
	}

	for i, s := range r.sinks {
		if vs, ok := s.(output.VUSource); ok {
			vs.SetVUSource(func() int { return len(r.pool.Live()) })
		}
		if err := s.Initialize(); err != nil {
			for _, prev := range r.sinks[:i] {
				_ = prev.Finalize()
			}
			return nil, &lib.FatalError{Op: "initializing " + s.Name() + " sink", Err: err}
		}
	}

	r.collector.Start()
	r.log.WithFields(logrus.Fields{
		"test":   r.plan.Name,
		"phases": len(r.plan.Load),
	}).Info("test starting")

	var runErr error
	if err := r.hooks.Run(ctx, "beforeTest", r.plan.Hooks.BeforeTest, lib.NewVUContext(0)); err != nil {
		runErr = &lib.FatalError{Op: "beforeTest hook", Err: err}
	}

	if runErr == nil {
		runErr = r.runPhases(ctx)
	}

	// afterTest runs on a fresh context so teardown work proceeds even when
	// the run context is already cancelled. The hook's own timeout applies.
	if err := r.hooks.Run(context.Background(), "afterTest", r.plan.Hooks.AfterTest, lib.NewVUContext(0)); err != nil && runErr == nil {
		runErr = err
	}

	sum := r.shutdown()
	if runErr != nil {
		return sum, runErr
	}
	if failed := failedThresholds(sum.Thresholds); len(failed) > 0 {
		return sum, &ThresholdError{Failed: failed}
	}
	return sum, nil
}

// runPhases executes the load schedule in order. Context cancellation stops
// the schedule without an error.
func (r *Runner) runPhases(ctx context.Context) error {
	for i := range r.plan.Load {
		if ctx.Err() != nil {
			return nil
		}
		if i > 0 && !clock.Sleep(ctx, phasePause) {
			return nil
		}

		phase := r.plan.Load[i]
		pat, err := pattern.New(phase.Pattern, r.log)
		if err != nil {
			return &lib.FatalError{Op: fmt.Sprintf("load phase %d", i), Err: err}
		}

		r.log.WithFields(logrus.Fields{
			"phase":   i,
			"pattern": phase.Pattern,
		}).Info("load phase starting")

		if err := pat.Run(ctx, phase, r.pool); err != nil {
			return &lib.FatalError{Op: fmt.Sprintf("load phase %d (%s)", i, phase.Pattern), Err: err}
		}
	}
	return nil
}

// shutdown runs the ordered teardown and returns the final summary: stop and
// await VUs, finalize the collector, clean up handlers, evaluate thresholds,
// fan the summary out, finalize sinks, and write the report file.
func (r *Runner) shutdown() *lib.Summary {
	r.pool.StopAll()
	if n := r.pool.WaitAll(r.stopGrace); n > 0 {
		r.log.WithField("count", n).Warn("vus still running after stop grace")
	}

	r.collector.Finalize()

	if err := r.handlers.Cleanup(); err != nil {
		r.log.WithError(err).Error("handler cleanup failed")
	}

	sum := r.collector.GetSummary()
	sum.Thresholds = evaluateThresholds(r.plan.Thresholds, sum)

	for _, s := range r.sinks {
		if err := s.WriteSummary(sum); err != nil {
			r.log.WithError(&lib.SinkError{Sink: s.Name(), Err: err}).Error("summary write failed")
		}
	}
	for _, s := range r.sinks {
		if err := s.Finalize(); err != nil {
			r.log.WithError(&lib.SinkError{Sink: s.Name(), Err: err}).Error("sink finalize failed")
		}
	}

	if r.plan.Report.Generate {
		path := r.plan.Report.Output
		if path == "" {
			path = report.DefaultPath
		}
		if err := report.Write(r.fs, path, sum); err != nil {
			r.log.WithError(err).WithField("path", path).Error("report write failed")
		} else {
			r.log.WithField("path", path).Info("report written")
		}
	}

	r.log.WithFields(logrus.Fields{
		"requests":     sum.TotalRequests,
		"success_rate": sum.SuccessRate,
	}).Info("test finished")
	return sum
}

// Stop cancels the run and blocks until Run returns. Safe to call from any
// goroutine, repeatedly, and before Run ever started.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// stepTypes lists every step type the plan can execute, including steps
// nested in hooks, sorted for deterministic activation.
func stepTypes(p *plan.TestPlan) []string {
	set := make(map[string]bool)

	var walkSteps func([]plan.Step)
	walkHook := func(h *plan.Hook) {
		if h != nil {
			walkSteps(h.Steps)
		}
	}
	walkSteps = func(steps []plan.Step) {
		for i := range steps {
			set[steps[i].Type] = true
			walkHook(steps[i].Hooks.BeforeStep)
			walkHook(steps[i].Hooks.TeardownStep)
			walkHook(steps[i].Hooks.OnStepError)
		}
	}

	walkHook(p.Hooks.BeforeTest)
	walkHook(p.Hooks.AfterTest)
	walkHook(p.Hooks.BeforeVU)
	walkHook(p.Hooks.TeardownVU)
	for i := range p.Scenarios {
		sc := &p.Scenarios[i]
		walkSteps(sc.Steps)
		walkHook(sc.Hooks.BeforeScenario)
		walkHook(sc.Hooks.TeardownScenario)
		walkHook(sc.Hooks.BeforeLoop)
		walkHook(sc.Hooks.AfterLoop)
	}

	types := make([]string, 0, len(set))
	for t := range set {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
