package handler

import (
	"context"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/stampedehq/stampede/internal/lib"
	"github.com/stampedehq/stampede/internal/plan"
	"github.com/stampedehq/stampede/internal/rendezvous"
)

type fakeHandler struct {
	typ         string
	initialized bool
	cleaned     bool
	vusCleaned  []int
	initErr     error
}

func (f *fakeHandler) Type() string { return f.typ }

func (f *fakeHandler) Execute(ctx context.Context, step *plan.Step, vuctx *lib.VUContext) (*lib.HandlerResponse, error) {
	return &lib.HandlerResponse{Success: true}, nil
}

func (f *fakeHandler) Initialize(debug plan.DebugConfig) error {
	f.initialized = true
	return f.initErr
}

func (f *fakeHandler) Cleanup() error {
	f.cleaned = true
	return nil
}

func (f *fakeHandler) CleanupVU(vuID int) error {
	f.vusCleaned = append(f.vusCleaned, vuID)
	return nil
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	return NewRegistry(logger)
}

func TestActivateInitializesOnlyRequestedTypes(t *testing.T) {
	r := newTestRegistry(t)
	rest := &fakeHandler{typ: "rest"}
	soap := &fakeHandler{typ: "soap"}
	r.Register(rest)
	r.Register(soap)

	if err := r.Activate([]string{"rest"}, plan.DebugConfig{}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !rest.initialized {
		t.Error("rest handler not initialized")
	}
	if soap.initialized {
		t.Error("soap handler initialized without being requested")
	}

	if _, ok := r.Get("rest"); !ok {
		t.Error("rest handler not active")
	}
	if _, ok := r.Get("soap"); ok {
		t.Error("soap handler active without activation")
	}
}

func TestActivateUnknownTypeFails(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Activate([]string{"carrier-pigeon"}, plan.DebugConfig{}); err == nil {
		t.Fatal("expected error for unregistered type")
	}
}

func TestCleanupVUDispatch(t *testing.T) {
	r := newTestRegistry(t)
	rest := &fakeHandler{typ: "rest"}
	r.Register(rest)
	if err := r.Activate([]string{"rest"}, plan.DebugConfig{}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := r.CleanupVU(4); err != nil {
		t.Fatalf("cleanup vu: %v", err)
	}
	if len(rest.vusCleaned) != 1 || rest.vusCleaned[0] != 4 {
		t.Errorf("vusCleaned = %v", rest.vusCleaned)
	}
}

func TestCleanupRunsAndDeactivates(t *testing.T) {
	r := newTestRegistry(t)
	rest := &fakeHandler{typ: "rest"}
	r.Register(rest)
	if err := r.Activate([]string{"rest"}, plan.DebugConfig{}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	if err := r.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !rest.cleaned {
		t.Error("handler not cleaned up")
	}
	if _, ok := r.Get("rest"); ok {
		t.Error("handler still active after cleanup")
	}
}

func TestWaitHandlerSleeps(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := NewWaitHandler(logger)

	step := &plan.Step{Name: "pause", Type: "wait", Payload: map[string]interface{}{"duration": "50ms"}}
	start := time.Now()
	resp, err := h.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success {
		t.Fatalf("wait failed: %s", resp.Error)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, want >= 50ms", elapsed)
	}
	if resp.DurationMS < 50 {
		t.Errorf("duration_ms = %v", resp.DurationMS)
	}
}

func TestWaitHandlerSecondsNumber(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := NewWaitHandler(logger)

	step := &plan.Step{Name: "pause", Type: "wait", Payload: map[string]interface{}{"duration": 0.05}}
	resp, err := h.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !resp.Success {
		t.Fatalf("wait failed: %s", resp.Error)
	}
}

func TestWaitHandlerCancelled(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := NewWaitHandler(logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	step := &plan.Step{Name: "pause", Type: "wait", Payload: map[string]interface{}{"duration": "10s"}}
	start := time.Now()
	_, err := h.Execute(ctx, step, lib.NewVUContext(1))
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancel took %v", elapsed)
	}
}

func TestWaitHandlerMissingDuration(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := NewWaitHandler(logger)

	step := &plan.Step{Name: "pause", Type: "wait", Payload: map[string]interface{}{}}
	resp, err := h.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Success {
		t.Error("expected failure for missing duration")
	}
	if resp.ErrorKind != lib.ErrorKindRequest {
		t.Errorf("error kind = %s", resp.ErrorKind)
	}
}

func TestWaitHandlerRendezvousTrips(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := NewWaitHandlerWithBarriers(logger, rendezvous.NewRegistry(logger))

	step := &plan.Step{Name: "sync", Type: "wait", Payload: map[string]interface{}{
		"rendezvous": "checkout",
		"parties":    float64(3),
	}}

	results := make(chan *lib.HandlerResponse, 3)
	for i := 1; i <= 3; i++ {
		go func(id int) {
			resp, err := h.Execute(context.Background(), step, lib.NewVUContext(id))
			if err != nil {
				t.Errorf("execute vu %d: %v", id, err)
			}
			results <- resp
		}(i)
	}

	for i := 0; i < 3; i++ {
		select {
		case resp := <-results:
			if !resp.Success {
				t.Errorf("waiter failed: %s", resp.Error)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("barrier never tripped")
		}
	}
}

func TestWaitHandlerRendezvousTimeout(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := NewWaitHandlerWithBarriers(logger, rendezvous.NewRegistry(logger))

	step := &plan.Step{
		Name:    "sync",
		Type:    "wait",
		Timeout: plan.Duration(50 * time.Millisecond),
		Payload: map[string]interface{}{"rendezvous": "lonely", "parties": float64(2)},
	}

	resp, err := h.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Success {
		t.Error("expected timeout failure")
	}
	if resp.ErrorKind != lib.ErrorKindTimeout {
		t.Errorf("error kind = %s, want timeout", resp.ErrorKind)
	}
}

func TestWaitHandlerRendezvousWithoutRegistry(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := NewWaitHandler(logger)

	step := &plan.Step{Name: "sync", Type: "wait", Payload: map[string]interface{}{
		"rendezvous": "orphan",
		"parties":    float64(2),
	}}
	resp, err := h.Execute(context.Background(), step, lib.NewVUContext(1))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Success {
		t.Error("expected failure without a barrier registry")
	}
}
