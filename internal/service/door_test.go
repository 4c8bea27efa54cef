package service_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	cd "controlling_door"
	"controlling_door/internal/grbl"
	"controlling_door/internal/service"
)

func testDoorConfig() cd.DoorConfig {
	return cd.DoorConfig{
		OpenDistanceMM:  20,
		OpenSpeedMMMin:  6000,
		CloseSpeedMMMin: 6000,
		Axis:            "X",
		LimitOffsetMM:   2,
		OpenDirection:   cd.DirectionPositive,
		StopDelayMS:     400,
	}
}

type doorHarness struct {
	door *service.DoorService
	sim  *grbl.Simulator
	// frames carries every status broadcast since startup.
	frames <-chan cd.DoorStatus
}

func startDoor(t *testing.T, cfg cd.DoorConfig) (*doorHarness, func()) {
	t.Helper()
	sim := grbl.NewSimulator()
	cl := grbl.NewClient(grbl.Options{
		Dial:           sim.Dial(),
		PollInterval:   10 * time.Millisecond,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     50 * time.Millisecond,
	})
	door := service.NewDoorService(service.DoorOptions{
		Client: cl,
		Config: cfg,
	})
	frames, unsub := door.Subscribe(256)

	ctx, cancel := context.WithCancel(context.Background())
	clientDone := make(chan struct{})
	doorDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		cl.Run(ctx)
	}()
	go func() {
		defer close(doorDone)
		door.Run(ctx)
	}()

	cleanup := func() {
		cancel()
		for _, done := range []chan struct{}{clientDone, doorDone} {
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Error("run loop did not stop on context cancel")
			}
		}
		unsub()
	}
	return &doorHarness{door: door, sim: sim, frames: frames}, cleanup
}

// waitState consumes broadcast frames until the wanted state appears,
// returning the frame that carried it.
func (h *doorHarness) waitState(t *testing.T, want cd.DoorPhase, timeout time.Duration) cd.DoorStatus {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case st, ok := <-h.frames:
			if !ok {
				t.Fatal("status stream closed")
			}
			if st.State == want {
				return st
			}
		case <-deadline:
			t.Fatalf("door never reached %q (now %q)", want, h.door.Status().State)
		}
	}
}

// home drives a full homing cycle and waits for the closed reference.
func (h *doorHarness) home(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Startup validation races the first intents; retry until it lands.
	for {
		err := h.door.Home(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, service.ErrNotValidated) {
			t.Fatalf("Home(): %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	h.waitState(t, cd.PhaseClosed, 5*time.Second)
}

func TestDoorHomingEstablishesClosedReference(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()

	h.home(t)

	st := h.door.Status()
	if !st.Homed {
		t.Error("expected homed after the cycle")
	}
	if math.Abs(st.PositionMM) > 0.2 {
		t.Errorf("position = %.3f mm, want ~0", st.PositionMM)
	}
	if st.PositionPercent == nil || math.Abs(*st.PositionPercent) > 1 {
		t.Errorf("percent = %v, want ~0", st.PositionPercent)
	}
	// The back-off left the machine off the switch by the limit offset.
	if got := h.sim.Position(0); math.Abs(got-2) > 0.2 {
		t.Errorf("machine position = %.3f, want ~2 (limit offset)", got)
	}
}

func TestDoorOpenCloseRoundTrip(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()
	h.home(t)

	ctx := context.Background()
	if err := h.door.Open(ctx); err != nil {
		t.Fatalf("Open(): %v", err)
	}
	h.waitState(t, cd.PhaseOpening, 2*time.Second)
	st := h.waitState(t, cd.PhaseOpen, 5*time.Second)
	if math.Abs(st.PositionMM-20) > 0.2 {
		t.Errorf("open position = %.3f mm, want ~20", st.PositionMM)
	}
	if st.PositionPercent == nil || math.Abs(*st.PositionPercent-100) > 1 {
		t.Errorf("open percent = %v, want ~100", st.PositionPercent)
	}

	if err := h.door.Close(ctx); err != nil {
		t.Fatalf("Close(): %v", err)
	}
	h.waitState(t, cd.PhaseClosing, 2*time.Second)
	st = h.waitState(t, cd.PhaseClosed, 5*time.Second)
	if math.Abs(st.PositionMM) > 0.2 {
		t.Errorf("closed position = %.3f mm, want ~0", st.PositionMM)
	}
}

func TestDoorNegativeDirectionRoundTrip(t *testing.T) {
	cfg := testDoorConfig()
	cfg.OpenDirection = cd.DirectionNegative
	h, cleanup := startDoor(t, cfg)
	defer cleanup()
	h.home(t)

	if err := h.door.Open(context.Background()); err != nil {
		t.Fatalf("Open(): %v", err)
	}
	st := h.waitState(t, cd.PhaseOpen, 5*time.Second)
	if math.Abs(st.PositionMM-(-20)) > 0.2 {
		t.Errorf("open position = %.3f mm, want ~-20", st.PositionMM)
	}
	if st.PositionPercent == nil || math.Abs(*st.PositionPercent-100) > 1 {
		t.Errorf("open percent = %v, want ~100", st.PositionPercent)
	}
}

func TestDoorReversalFunnelsThroughHalt(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()
	h.home(t)

	ctx := context.Background()
	if err := h.door.Open(ctx); err != nil {
		t.Fatalf("Open(): %v", err)
	}
	h.waitState(t, cd.PhaseOpening, 2*time.Second)
	if err := h.door.Close(ctx); err != nil {
		t.Fatalf("Close() mid-open: %v", err)
	}

	// The reversal must pass through Halting before the new motion starts.
	h.waitState(t, cd.PhaseHalting, 2*time.Second)
	h.waitState(t, cd.PhaseClosing, 2*time.Second)
	st := h.waitState(t, cd.PhaseClosed, 5*time.Second)
	if math.Abs(st.PositionMM) > 0.2 {
		t.Errorf("closed position = %.3f mm, want ~0", st.PositionMM)
	}
}

func TestDoorStopSettlesIntermediate(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()
	h.home(t)

	ctx := context.Background()
	if err := h.door.Open(ctx); err != nil {
		t.Fatalf("Open(): %v", err)
	}
	// Wait until the door is visibly away from both endpoints.
	deadline := time.After(3 * time.Second)
	for {
		st := h.door.Status()
		if st.State == cd.PhaseOpening && st.PositionMM > 2 && st.PositionMM < 15 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("door never reached mid-travel (state %q at %.3f mm)", st.State, st.PositionMM)
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := h.door.Stop(ctx); err != nil {
		t.Fatalf("Stop(): %v", err)
	}
	st := h.waitState(t, cd.PhaseIntermediate, 3*time.Second)
	if st.PositionMM <= 0.2 || st.PositionMM >= 19.8 {
		t.Errorf("stopped at %.3f mm, want mid-travel", st.PositionMM)
	}

	// Stop at rest is a no-op.
	if err := h.door.Stop(ctx); err != nil {
		t.Errorf("Stop() at rest: %v", err)
	}
}

func TestDoorMoveToPercent(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()
	h.home(t)

	ctx := context.Background()
	if err := h.door.MoveToPercent(ctx, 50); err != nil {
		t.Fatalf("MoveToPercent(): %v", err)
	}
	st := h.waitState(t, cd.PhaseIntermediate, 5*time.Second)
	if math.Abs(st.PositionMM-10) > 0.2 {
		t.Errorf("position = %.3f mm, want ~10", st.PositionMM)
	}

	if err := h.door.MoveToPercent(ctx, 150); !isReason(err, service.ReasonInvalidParameter) {
		t.Errorf("MoveToPercent(150) error = %v, want invalid-parameter", err)
	}
}

func TestDoorMotionRequiresHoming(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()

	ctx := context.Background()
	deadline := time.After(3 * time.Second)
	for {
		err := h.door.Open(ctx)
		if errors.Is(err, service.ErrNotHomed) {
			return
		}
		if err == nil {
			t.Fatal("Open() accepted before homing")
		}
		if !errors.Is(err, service.ErrNotValidated) {
			t.Fatalf("Open() error = %v, want not-homed", err)
		}
		select {
		case <-deadline:
			t.Fatalf("validation never completed (last error %v)", err)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDoorStopDuringHomingRaisesAlarm(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()

	ctx := context.Background()
	deadline := time.After(3 * time.Second)
	for {
		err := h.door.Home(ctx)
		if err == nil {
			break
		}
		if !errors.Is(err, service.ErrNotValidated) {
			t.Fatalf("Home(): %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("validation never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	h.waitState(t, cd.PhaseHoming, 2*time.Second)
	if err := h.door.Stop(ctx); err != nil {
		t.Fatalf("Stop() during homing: %v", err)
	}
	st := h.waitState(t, cd.PhaseAlarm, 3*time.Second)
	if st.Alarm == nil {
		t.Fatal("alarm state without alarm info")
	}
	if st.Homed {
		t.Error("aborted homing must not leave the door homed")
	}
}

func TestDoorAlarmBlocksMotionUntilCleared(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()
	h.home(t)

	h.sim.TripAlarm(1)
	st := h.waitState(t, cd.PhaseAlarm, 3*time.Second)
	if st.Alarm == nil || st.Alarm.Code != 1 {
		t.Fatalf("alarm = %+v, want code 1", st.Alarm)
	}

	ctx := context.Background()
	if err := h.door.Open(ctx); !errors.Is(err, service.ErrAlarmActive) {
		t.Errorf("Open() during alarm = %v, want alarm-active", err)
	}

	if err := h.door.ClearAlarm(ctx); err != nil {
		t.Fatalf("ClearAlarm(): %v", err)
	}
	st = h.waitState(t, cd.PhaseClosed, 3*time.Second)
	if st.Alarm != nil {
		t.Errorf("alarm still present after clear: %+v", st.Alarm)
	}
	if err := h.door.Open(ctx); err != nil {
		t.Errorf("Open() after clear: %v", err)
	}
	h.waitState(t, cd.PhaseOpen, 5*time.Second)
}

func TestDoorLinkLossFaultsAndRecovers(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()
	h.home(t)

	h.sim.Close()
	st := h.waitState(t, cd.PhaseFault, 3*time.Second)
	if st.Fault == "" {
		t.Error("fault state without fault text")
	}

	// The client redials the simulator; the door was at rest and the
	// position still matches, so the retained state is trusted.
	st = h.waitState(t, cd.PhaseClosed, 5*time.Second)
	if !st.Homed {
		t.Error("trusted recovery must keep the homed reference")
	}
	if math.Abs(st.PositionMM) > 0.2 {
		t.Errorf("recovered position = %.3f mm, want ~0", st.PositionMM)
	}
}

func TestDoorUnhomedJogMovesMachine(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()

	ctx := context.Background()
	deadline := time.After(3 * time.Second)
	for {
		err := h.door.Jog(ctx, 5, 0)
		if err == nil {
			break
		}
		if !errors.Is(err, service.ErrNotValidated) {
			t.Fatalf("Jog(): %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("validation never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if st := h.door.Status(); st.Homed {
		t.Error("unhomed jog must not home the door")
	}

	moved := time.After(3 * time.Second)
	for {
		if math.Abs(h.sim.Position(0)-5) < 0.3 {
			break
		}
		select {
		case <-moved:
			t.Fatalf("machine position = %.3f, want ~5", h.sim.Position(0))
		case <-time.After(10 * time.Millisecond):
		}
	}
	if st := h.door.Status(); st.State != cd.PhasePending {
		t.Errorf("state after unhomed jog = %q, want pending", st.State)
	}
}

func TestDoorReconfigureStagedDuringMotion(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()
	h.home(t)

	ctx := context.Background()
	if err := h.door.Open(ctx); err != nil {
		t.Fatalf("Open(): %v", err)
	}
	h.waitState(t, cd.PhaseOpening, 2*time.Second)

	dist := 30.0
	cfg, err := h.door.Reconfigure(ctx, cd.DoorConfigPatch{OpenDistanceMM: &dist})
	if err != nil {
		t.Fatalf("Reconfigure() mid-motion: %v", err)
	}
	if cfg.OpenDistanceMM != 30 {
		t.Errorf("returned distance = %v, want 30", cfg.OpenDistanceMM)
	}

	h.waitState(t, cd.PhaseOpen, 5*time.Second)
	// Staged config applies once the door rests.
	deadline := time.After(2 * time.Second)
	for {
		active, staged := h.door.Config()
		if !staged && active.OpenDistanceMM == 30 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("staged config never applied (active %v, staged %v)", active.OpenDistanceMM, staged)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDoorReconfigureRejectsUnsafeStopDelay(t *testing.T) {
	h, cleanup := startDoor(t, testDoorConfig())
	defer cleanup()
	h.home(t)

	// Simulator acceleration is 1000 mm/s²; 6000 mm/min = 100 mm/s needs
	// at least 120 ms with the safety margin.
	delay := 100
	_, err := h.door.Reconfigure(context.Background(), cd.DoorConfigPatch{StopDelayMS: &delay})
	var serr *service.SafetyError
	if !errors.As(err, &serr) {
		t.Fatalf("Reconfigure() error = %v, want SafetyError", err)
	}
	if serr.MinimumMS != 100 || serr.RecommendedMS != 120 {
		t.Errorf("safety verdict = %+v, want min 100 / recommended 120", serr)
	}
	if active, _ := h.door.Config(); active.StopDelayMS != 400 {
		t.Errorf("active stop delay = %d, want unchanged 400", active.StopDelayMS)
	}
}

func isReason(err error, reason string) bool {
	var derr *service.DomainError
	return errors.As(err, &derr) && derr.Reason == reason
}
