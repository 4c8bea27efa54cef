package service_test

import (
	"context"
	"sync"
	"testing"

	"controlling_door/internal/grbl"
	"controlling_door/internal/service"
)

// fakeController is a scripted service.Controller for tests that don't need
// the full simulator.
type fakeController struct {
	mu       sync.Mutex
	executed []string
	replies  map[string]grbl.Reply
	errs     map[string]error
	status   grbl.Status
}

func newFakeController() *fakeController {
	return &fakeController{
		replies: make(map[string]grbl.Reply),
		errs:    make(map[string]error),
		status:  grbl.Status{Kind: grbl.StateIdle, MPos: []float64{0, 0, 0}},
	}
}

func (f *fakeController) Execute(ctx context.Context, command string) (grbl.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, command)
	if err, ok := f.errs[command]; ok {
		return grbl.Reply{}, err
	}
	return f.replies[command], nil
}

func (f *fakeController) QueryStatus(ctx context.Context) (grbl.Status, error) {
	return f.status, nil
}

func (f *fakeController) SendRealtime(b byte) error { return nil }

func (f *fakeController) Subscribe(buffer int) (<-chan grbl.Event, func()) {
	ch := make(chan grbl.Event, buffer)
	return ch, func() {}
}

func (f *fakeController) ConnectionState() grbl.ConnectionState {
	return grbl.ConnectionState{Liveness: grbl.LivenessConnected}
}

func (f *fakeController) PollNow() {}

func (f *fakeController) executeCount(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.executed {
		if c == command {
			n++
		}
	}
	return n
}

func TestSettingsDumpCachesUntilWrite(t *testing.T) {
	ctrl := newFakeController()
	ctrl.replies["$$"] = grbl.Reply{Lines: []string{"$110=6000.000", "$120=1000.000"}}
	ctrl.replies["$120=500"] = grbl.Reply{}
	svc := service.NewSettingsService(ctrl, nil, nil, 0)

	ctx := context.Background()
	m, err := svc.Dump(ctx)
	if err != nil {
		t.Fatalf("Dump(): %v", err)
	}
	if m["120"] != "1000.000" {
		t.Errorf("$120 = %q, want 1000.000", m["120"])
	}

	// Second dump is served from cache.
	if _, err := svc.Dump(ctx); err != nil {
		t.Fatalf("Dump() cached: %v", err)
	}
	if n := ctrl.executeCount("$$"); n != 1 {
		t.Errorf("controller dumps = %d, want 1 (cached)", n)
	}

	// A write invalidates the cache.
	if err := svc.Set(ctx, "$120", "500"); err != nil {
		t.Fatalf("Set(): %v", err)
	}
	if _, err := svc.Dump(ctx); err != nil {
		t.Fatalf("Dump() after write: %v", err)
	}
	if n := ctrl.executeCount("$$"); n != 2 {
		t.Errorf("controller dumps = %d, want 2 after invalidation", n)
	}
}

func TestSettingsGetNormalizesKey(t *testing.T) {
	ctrl := newFakeController()
	ctrl.replies["$$"] = grbl.Reply{Lines: []string{"$110=6000.000"}}
	svc := service.NewSettingsService(ctrl, nil, nil, 0)

	ctx := context.Background()
	for _, key := range []string{"110", "$110", " $110 "} {
		v, err := svc.Get(ctx, key)
		if err != nil {
			t.Fatalf("Get(%q): %v", key, err)
		}
		if v != "6000.000" {
			t.Errorf("Get(%q) = %q, want 6000.000", key, v)
		}
	}

	if _, err := svc.Get(ctx, "999"); !isReason(err, service.ReasonInvalidParameter) {
		t.Errorf("Get(unknown) error = %v, want invalid-parameter", err)
	}
}

func TestSettingsSetRejectsControllerError(t *testing.T) {
	ctrl := newFakeController()
	ctrl.errs["$13=2"] = &grbl.CommandError{Code: 3, Raw: "error:3"}
	svc := service.NewSettingsService(ctrl, nil, nil, 0)

	err := svc.Set(context.Background(), "13", "2")
	if !isReason(err, service.ReasonInvalidParameter) {
		t.Errorf("Set() error = %v, want invalid-parameter", err)
	}

	if err := svc.Set(context.Background(), "", "1"); !isReason(err, service.ReasonInvalidParameter) {
		t.Errorf("Set(empty key) error = %v, want invalid-parameter", err)
	}
}
