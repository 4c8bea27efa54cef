package grbl

import (
	"errors"
	"testing"
)

func TestParseStatus(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		kind    StateKind
		subCode int
		mpos    []float64
	}{
		{
			name:    "idle with position",
			line:    "<Idle|MPos:0.000,0.000,0.000>",
			kind:    StateIdle,
			subCode: -1,
			mpos:    []float64{0, 0, 0},
		},
		{
			name:    "run mid travel",
			line:    "<Run|MPos:152.350,0.000,0.000|FS:6000,0>",
			kind:    StateRun,
			subCode: -1,
			mpos:    []float64{152.35, 0, 0},
		},
		{
			name:    "decelerated hold",
			line:    "<Hold:0|MPos:80.000,0.000,0.000>",
			kind:    StateHold,
			subCode: 0,
			mpos:    []float64{80, 0, 0},
		},
		{
			name:    "hold still decelerating",
			line:    "<Hold:1|MPos:81.200,0.000,0.000>",
			kind:    StateHold,
			subCode: 1,
			mpos:    []float64{81.2, 0, 0},
		},
		{
			name:    "parameterized alarm",
			line:    "<Alarm:6|MPos:0.000,0.000,0.000>",
			kind:    StateAlarm,
			subCode: 6,
			mpos:    []float64{0, 0, 0},
		},
		{
			name:    "bare alarm",
			line:    "<Alarm|MPos:12.000,0.000,0.000>",
			kind:    StateAlarm,
			subCode: -1,
			mpos:    []float64{12, 0, 0},
		},
		{
			name:    "homing",
			line:    "<Home|MPos:-3.000,0.000,0.000>",
			kind:    StateHome,
			subCode: -1,
			mpos:    []float64{-3, 0, 0},
		},
		{
			name:    "unknown fields ignored",
			line:    "<Idle|MPos:1.000,2.000,3.000|Bf:15,128|Ov:100,100,100|Pn:XYZ>",
			kind:    StateIdle,
			subCode: -1,
			mpos:    []float64{1, 2, 3},
		},
		{
			name:    "door with parameter",
			line:    "<Door:2|MPos:5.000,0.000,0.000>",
			kind:    StateDoor,
			subCode: 2,
			mpos:    []float64{5, 0, 0},
		},
		{
			name:    "surrounding whitespace",
			line:    "  <Idle|MPos:0.000,0.000,0.000>\r",
			kind:    StateIdle,
			subCode: -1,
			mpos:    []float64{0, 0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := ParseStatus(tt.line)
			if err != nil {
				t.Fatalf("ParseStatus(%q): %v", tt.line, err)
			}
			if st.Kind != tt.kind {
				t.Errorf("kind = %v, want %v", st.Kind, tt.kind)
			}
			if st.SubCode != tt.subCode {
				t.Errorf("subcode = %d, want %d", st.SubCode, tt.subCode)
			}
			if len(st.MPos) != len(tt.mpos) {
				t.Fatalf("mpos = %v, want %v", st.MPos, tt.mpos)
			}
			for i := range tt.mpos {
				if st.MPos[i] != tt.mpos[i] {
					t.Errorf("mpos[%d] = %v, want %v", i, st.MPos[i], tt.mpos[i])
				}
			}
		})
	}
}

func TestParseStatusMalformed(t *testing.T) {
	lines := []string{
		"",
		"ok",
		"<",
		"<>",
		"<|MPos:1,2,3>",
		"Idle|MPos:1,2,3",
		"<Bogus|MPos:1,2,3>",
		"<Idle|MPos:1,x,3>",
		"[MSG:not a status]",
	}
	for _, line := range lines {
		if _, err := ParseStatus(line); err == nil {
			t.Errorf("ParseStatus(%q): expected error", line)
		} else {
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Errorf("ParseStatus(%q): error %v is not a ProtocolError", line, err)
			}
		}
	}
}

func TestStatusAxisPosition(t *testing.T) {
	st, err := ParseStatus("<Idle|MPos:10.500,20.000,30.000>")
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := st.AxisPosition("X"); !ok || got != 10.5 {
		t.Errorf("X = %v/%v, want 10.5/true", got, ok)
	}
	if got, ok := st.AxisPosition("Z"); !ok || got != 30 {
		t.Errorf("Z = %v/%v, want 30/true", got, ok)
	}
	if _, ok := st.AxisPosition("A"); ok {
		t.Error("A should be out of range for a 3-axis report")
	}
	if _, ok := st.AxisPosition("Q"); ok {
		t.Error("Q is not an axis")
	}
}

func TestStatusDecelerated(t *testing.T) {
	held, _ := ParseStatus("<Hold:0|MPos:1.000,0.000,0.000>")
	if !held.Decelerated() {
		t.Error("Hold:0 should report decelerated")
	}
	decel, _ := ParseStatus("<Hold:1|MPos:1.000,0.000,0.000>")
	if decel.Decelerated() {
		t.Error("Hold:1 must not report decelerated")
	}
	idle, _ := ParseStatus("<Idle|MPos:1.000,0.000,0.000>")
	if idle.Decelerated() {
		t.Error("Idle must not report decelerated")
	}
}

func TestParseErrorAndAlarmLines(t *testing.T) {
	if code, ok := ParseErrorLine("error:20"); !ok || code != 20 {
		t.Errorf("error:20 = %d/%v", code, ok)
	}
	if _, ok := ParseErrorLine("ok"); ok {
		t.Error("ok is not an error line")
	}
	if code, ok := ParseAlarmLine("ALARM:3"); !ok || code != 3 {
		t.Errorf("ALARM:3 = %d/%v", code, ok)
	}
	if _, ok := ParseAlarmLine("<Alarm|MPos:0,0,0>"); ok {
		t.Error("status report is not an alarm line")
	}
}

func TestParseSettingLine(t *testing.T) {
	tests := []struct {
		line      string
		key, want string
		ok        bool
	}{
		{"$120=1000.000", "120", "1000.000", true},
		{"$1=25", "1", "25", true},
		{"$120=1000.000 (x accel, mm/sec^2)", "120", "1000.000", true},
		{"ok", "", "", false},
		{"$=5", "", "", false},
		{"<Idle|MPos:0,0,0>", "", "", false},
	}
	for _, tt := range tests {
		key, value, ok := ParseSettingLine(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.want {
			t.Errorf("ParseSettingLine(%q) = %q,%q,%v want %q,%q,%v",
				tt.line, key, value, ok, tt.key, tt.want, tt.ok)
		}
	}
}

func TestSettingsMap(t *testing.T) {
	lines := []string{
		"$0=10",
		"$120=1000.000",
		"[MSG:stray message]",
		"$121=500.500",
	}
	m := SettingsMap(lines)
	if len(m) != 3 {
		t.Fatalf("len = %d, want 3", len(m))
	}
	if m["120"] != "1000.000" || m["121"] != "500.500" || m["0"] != "10" {
		t.Errorf("unexpected map: %v", m)
	}
}

func TestAlarmDescription(t *testing.T) {
	if desc := AlarmDescription(3); desc == "unknown alarm" {
		t.Error("alarm 3 should have a description")
	}
	if desc := AlarmDescription(99); desc != "unknown alarm" {
		t.Errorf("alarm 99 = %q, want unknown", desc)
	}
}
