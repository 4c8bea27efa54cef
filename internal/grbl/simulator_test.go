package grbl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func dialSim(t *testing.T, sim *Simulator) (Transport, *lineReader) {
	t.Helper()
	tr, err := sim.Dial()(context.Background())
	if err != nil {
		t.Fatalf("dial simulator: %v", err)
	}
	rd := newLineReader(tr)
	// Boot banner always opens a fresh link.
	line := mustReadLine(t, rd, time.Second)
	if !IsBannerLine(line) {
		t.Fatalf("first line = %q, want banner", line)
	}
	return tr, rd
}

func mustReadLine(t *testing.T, rd *lineReader, timeout time.Duration) string {
	t.Helper()
	line, err := rd.ReadLine(time.Now().Add(timeout))
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return strings.TrimSpace(line)
}

func mustWrite(t *testing.T, tr Transport, data string) {
	t.Helper()
	if _, err := tr.Write([]byte(data)); err != nil {
		t.Fatalf("write %q: %v", data, err)
	}
}

func mustWriteByte(t *testing.T, tr Transport, b byte) {
	t.Helper()
	if _, err := tr.Write([]byte{b}); err != nil {
		t.Fatalf("write %#x: %v", b, err)
	}
}

func mustStatus(t *testing.T, tr Transport, rd *lineReader) Status {
	t.Helper()
	mustWriteByte(t, tr, ByteStatusQuery)
	for {
		line := mustReadLine(t, rd, time.Second)
		if !IsStatusLine(line) {
			continue
		}
		st, err := ParseStatus(line)
		if err != nil {
			t.Fatalf("parse status %q: %v", line, err)
		}
		return st
	}
}

func TestSimulatorMoveCompletes(t *testing.T) {
	sim := NewSimulator()
	tr, rd := dialSim(t, sim)

	// 5 mm at 6000 mm/min is 50 ms of travel.
	mustWrite(t, tr, "G90 G1 X5.000 F6000\n")
	if line := mustReadLine(t, rd, time.Second); line != "ok" {
		t.Fatalf("move reply = %q, want ok", line)
	}
	if st := mustStatus(t, tr, rd); st.Kind != StateRun {
		t.Fatalf("state during travel = %v, want Run", st.Kind)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st := mustStatus(t, tr, rd)
		if st.Kind == StateIdle {
			if got, _ := st.AxisPosition("X"); got != 5 {
				t.Fatalf("settled at %v, want 5", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("move never settled")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSimulatorRelativeMove(t *testing.T) {
	sim := NewSimulator()
	tr, rd := dialSim(t, sim)

	mustWrite(t, tr, "G90 G1 X5.000 F60000\n")
	mustReadLine(t, rd, time.Second)
	time.Sleep(50 * time.Millisecond)

	mustWrite(t, tr, "G91 G1 X-2.500 F60000\n")
	if line := mustReadLine(t, rd, time.Second); line != "ok" {
		t.Fatalf("relative move reply = %q, want ok", line)
	}
	time.Sleep(50 * time.Millisecond)
	if got := sim.Position(0); got != 2.5 {
		t.Fatalf("position = %v, want 2.5", got)
	}
}

func TestSimulatorHomingDefersOK(t *testing.T) {
	sim := NewSimulator()
	sim.HomingDuration = 60 * time.Millisecond
	tr, rd := dialSim(t, sim)

	// Park somewhere away from zero first.
	mustWrite(t, tr, "G90 G1 X10.000 F60000\n")
	mustReadLine(t, rd, time.Second)
	time.Sleep(50 * time.Millisecond)

	mustWrite(t, tr, "$HX\n")
	if _, err := rd.ReadLine(time.Now().Add(20 * time.Millisecond)); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("ok must be held back until the cycle completes, got err=%v", err)
	}
	if line := mustReadLine(t, rd, time.Second); line != "ok" {
		t.Fatalf("homing reply = %q, want ok", line)
	}
	if got := sim.Position(0); got != 0 {
		t.Fatalf("position after homing = %v, want 0", got)
	}
	if st := mustStatus(t, tr, rd); st.Kind != StateIdle {
		t.Fatalf("state after homing = %v, want Idle", st.Kind)
	}
}

func TestSimulatorFeedHoldAndFlush(t *testing.T) {
	sim := NewSimulator()
	sim.DecelDuration = 30 * time.Millisecond
	tr, rd := dialSim(t, sim)

	// 100 mm at 6000 mm/min runs a full second; the hold lands mid-travel.
	mustWrite(t, tr, "G90 G1 X100.000 F6000\n")
	mustReadLine(t, rd, time.Second)
	time.Sleep(30 * time.Millisecond)

	mustWriteByte(t, tr, ByteFeedHold)
	if st := mustStatus(t, tr, rd); !(st.Kind == StateHold && st.SubCode == 1) {
		t.Fatalf("right after hold: %v:%d, want Hold:1", st.Kind, st.SubCode)
	}
	time.Sleep(40 * time.Millisecond)
	st := mustStatus(t, tr, rd)
	if !st.Decelerated() {
		t.Fatalf("after decel window: %v:%d, want Hold:0", st.Kind, st.SubCode)
	}
	held, _ := st.AxisPosition("X")
	if held <= 0 || held >= 100 {
		t.Fatalf("held position = %v, want mid-travel", held)
	}

	mustWriteByte(t, tr, ByteQueueFlush)
	st = mustStatus(t, tr, rd)
	if st.Kind != StateIdle {
		t.Fatalf("after flush: %v, want Idle", st.Kind)
	}
	if got, _ := st.AxisPosition("X"); got != held {
		t.Fatalf("flush moved the axis: %v, want %v", got, held)
	}
}

func TestSimulatorSoftResetMidMove(t *testing.T) {
	sim := NewSimulator()
	tr, rd := dialSim(t, sim)

	mustWrite(t, tr, "G90 G1 X100.000 F6000\n")
	mustReadLine(t, rd, time.Second)
	time.Sleep(20 * time.Millisecond)

	mustWriteByte(t, tr, ByteSoftReset)
	sawAlarm := false
	for i := 0; i < 5; i++ {
		line := mustReadLine(t, rd, time.Second)
		if code, ok := ParseAlarmLine(line); ok {
			if code != 3 {
				t.Fatalf("alarm code = %d, want 3", code)
			}
			sawAlarm = true
			break
		}
	}
	if !sawAlarm {
		t.Fatal("soft reset mid-move must raise ALARM:3")
	}

	// G-code is locked out until unlock.
	mustWrite(t, tr, "G90 G1 X1.000 F100\n")
	for {
		line := mustReadLine(t, rd, time.Second)
		if IsBannerLine(line) || IsMessageLine(line) {
			continue
		}
		if line != "error:9" {
			t.Fatalf("move during alarm = %q, want error:9", line)
		}
		break
	}

	mustWrite(t, tr, "$X\n")
	for {
		line := mustReadLine(t, rd, time.Second)
		if IsMessageLine(line) {
			continue
		}
		if line != "ok" {
			t.Fatalf("unlock reply = %q, want ok", line)
		}
		break
	}
	if st := mustStatus(t, tr, rd); st.Kind != StateIdle {
		t.Fatalf("state after unlock = %v, want Idle", st.Kind)
	}
}

func TestSimulatorSoftResetDuringHomingAlarmsSix(t *testing.T) {
	sim := NewSimulator()
	sim.HomingDuration = 200 * time.Millisecond
	tr, rd := dialSim(t, sim)

	mustWrite(t, tr, "$HX\n")
	time.Sleep(20 * time.Millisecond)
	mustWriteByte(t, tr, ByteSoftReset)
	for i := 0; i < 5; i++ {
		line := mustReadLine(t, rd, time.Second)
		if code, ok := ParseAlarmLine(line); ok {
			if code != 6 {
				t.Fatalf("alarm code = %d, want 6", code)
			}
			return
		}
	}
	t.Fatal("reset during homing must raise ALARM:6")
}

func TestSimulatorSettingsRoundTrip(t *testing.T) {
	sim := NewSimulator()
	tr, rd := dialSim(t, sim)

	mustWrite(t, tr, "$$\n")
	var rows []string
	for {
		line := mustReadLine(t, rd, time.Second)
		if line == "ok" {
			break
		}
		rows = append(rows, line)
	}
	m := SettingsMap(rows)
	if m["120"] != "1000.000" {
		t.Fatalf("$120 = %q, want 1000.000", m["120"])
	}

	mustWrite(t, tr, "$120=800.000\n")
	if line := mustReadLine(t, rd, time.Second); line != "ok" {
		t.Fatalf("setting write reply = %q, want ok", line)
	}
	mustWrite(t, tr, "$120\n")
	if line := mustReadLine(t, rd, time.Second); line != "$120=800.000" {
		t.Fatalf("setting read = %q", line)
	}
	mustReadLine(t, rd, time.Second) // trailing ok

	mustWrite(t, tr, "$999\n")
	if line := mustReadLine(t, rd, time.Second); line != "error:3" {
		t.Fatalf("unknown setting = %q, want error:3", line)
	}

	mustWrite(t, tr, "BOGUS\n")
	if line := mustReadLine(t, rd, time.Second); line != "error:20" {
		t.Fatalf("unknown command = %q, want error:20", line)
	}
}

func TestSimulatorStatePersistsAcrossDials(t *testing.T) {
	sim := NewSimulator()
	tr, rd := dialSim(t, sim)

	mustWrite(t, tr, "G90 G1 X7.000 F60000\n")
	mustReadLine(t, rd, time.Second)
	time.Sleep(50 * time.Millisecond)
	tr.Close()

	tr, rd = dialSim(t, sim)
	st := mustStatus(t, tr, rd)
	if got, _ := st.AxisPosition("X"); got != 7 {
		t.Fatalf("position after re-dial = %v, want 7", got)
	}
}

func TestSimulatorTripAlarm(t *testing.T) {
	sim := NewSimulator()
	tr, rd := dialSim(t, sim)

	sim.TripAlarm(1)
	line := mustReadLine(t, rd, time.Second)
	if code, ok := ParseAlarmLine(line); !ok || code != 1 {
		t.Fatalf("line = %q, want ALARM:1", line)
	}
	st := mustStatus(t, tr, rd)
	if st.Kind != StateAlarm || st.SubCode != 1 {
		t.Fatalf("status = %v:%d, want Alarm:1", st.Kind, st.SubCode)
	}
}
