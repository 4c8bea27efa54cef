package grbl

import (
	"fmt"
	"strconv"
	"strings"
)

// StateKind classifies the leading run-state token of a status report.
type StateKind int

const (
	StateUnknown StateKind = iota
	StateIdle
	StateRun
	StateHold
	StateJog
	StateAlarm
	StateDoor
	StateHome
	StateCheck
	StateSleep
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "Idle"
	case StateRun:
		return "Run"
	case StateHold:
		return "Hold"
	case StateJog:
		return "Jog"
	case StateAlarm:
		return "Alarm"
	case StateDoor:
		return "Door"
	case StateHome:
		return "Home"
	case StateCheck:
		return "Check"
	case StateSleep:
		return "Sleep"
	default:
		return "Unknown"
	}
}

// Status is one parsed status report. It is rebuilt on every poll and never
// persisted.
type Status struct {
	Kind    StateKind
	SubCode int       // parameter of Hold:<n>, Door:<n>, Alarm:<n>; -1 when absent
	MPos    []float64 // machine position in X,Y,Z,A,B,C order
	Raw     string
}

// AxisPosition returns the machine position of a single-letter axis.
func (s Status) AxisPosition(axis string) (float64, bool) {
	idx := AxisIndex(axis)
	if idx < 0 || idx >= len(s.MPos) {
		return 0, false
	}
	return s.MPos[idx], true
}

// Decelerated reports a completed feed hold.
func (s Status) Decelerated() bool {
	return s.Kind == StateHold && s.SubCode == 0
}

// ProtocolError reports a line that should have parsed but did not. The
// connection manager treats it as a single retryable read failure.
type ProtocolError struct {
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed controller line %q", e.Line)
}

// CommandError is a controller "error:N" reply to a command.
type CommandError struct {
	Code int
	Raw  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("controller rejected command: %s", e.Raw)
}

// AlarmError is a controller "ALARM:N" report interrupting a command.
type AlarmError struct {
	Code int
}

func (e *AlarmError) Error() string {
	return fmt.Sprintf("controller alarm %d: %s", e.Code, AlarmDescription(e.Code))
}

// IsStatusLine reports whether the line is a bracketed status report.
func IsStatusLine(line string) bool {
	return strings.HasPrefix(line, "<")
}

// IsMessageLine reports whether the line is a bracketed feedback message,
// e.g. "[MSG:...]".
func IsMessageLine(line string) bool {
	return strings.HasPrefix(line, "[")
}

// IsBannerLine reports whether the line is a firmware boot banner.
func IsBannerLine(line string) bool {
	return strings.HasPrefix(line, "Grbl") || strings.HasPrefix(line, "GrblHAL")
}

// ParseErrorLine extracts N from "error:N" replies.
func ParseErrorLine(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, "error:")
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, true // malformed code still counts as an error reply
	}
	return code, true
}

// ParseAlarmLine extracts N from "ALARM:N" reports.
func ParseAlarmLine(line string) (int, bool) {
	rest, ok := strings.CutPrefix(line, "ALARM:")
	if !ok {
		return 0, false
	}
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, true
	}
	return code, true
}

// ParseStatus decodes a "<State|MPos:x,y,z|...>" report. The leading token is
// matched against known run states, with Hold, Door and Alarm carrying an
// optional ":n" parameter. Unknown fields are ignored so newer firmware
// additions do not break parsing.
func ParseStatus(line string) (Status, error) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "<") || !strings.HasSuffix(trimmed, ">") {
		return Status{}, &ProtocolError{Line: line}
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(trimmed, "<"), ">")
	fields := strings.Split(inner, "|")
	if len(fields) == 0 || fields[0] == "" {
		return Status{}, &ProtocolError{Line: line}
	}

	st := Status{SubCode: -1, Raw: trimmed}
	token := fields[0]
	if name, sub, found := strings.Cut(token, ":"); found {
		token = name
		if n, err := strconv.Atoi(sub); err == nil {
			st.SubCode = n
		}
	}
	switch token {
	case "Idle":
		st.Kind = StateIdle
	case "Run":
		st.Kind = StateRun
	case "Hold":
		st.Kind = StateHold
	case "Jog":
		st.Kind = StateJog
	case "Alarm":
		st.Kind = StateAlarm
	case "Door":
		st.Kind = StateDoor
	case "Home":
		st.Kind = StateHome
	case "Check":
		st.Kind = StateCheck
	case "Sleep":
		st.Kind = StateSleep
	default:
		return Status{}, &ProtocolError{Line: line}
	}

	for _, field := range fields[1:] {
		key, value, found := strings.Cut(field, ":")
		if !found {
			continue
		}
		switch key {
		case "MPos":
			parts := strings.Split(value, ",")
			pos := make([]float64, 0, len(parts))
			for _, p := range parts {
				f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
				if err != nil {
					return Status{}, &ProtocolError{Line: line}
				}
				pos = append(pos, f)
			}
			st.MPos = pos
		default:
			// WPos, FS, Bf, Ov, Pn and anything newer: ignore.
		}
	}
	return st, nil
}

// ParseSettingLine decodes one "$key=value" row of a settings report.
func ParseSettingLine(line string) (key, value string, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(line), "$")
	if !found {
		return "", "", false
	}
	key, value, found = strings.Cut(rest, "=")
	if !found || key == "" {
		return "", "", false
	}
	// grblHAL appends " (description)" to some rows.
	if i := strings.IndexByte(value, ' '); i >= 0 {
		value = value[:i]
	}
	return key, value, true
}

// SettingsMap collects every "$key=value" row from reply lines.
func SettingsMap(lines []string) map[string]string {
	out := make(map[string]string, len(lines))
	for _, line := range lines {
		if key, value, ok := ParseSettingLine(line); ok {
			out[key] = value
		}
	}
	return out
}

// alarmDescriptions maps controller alarm codes to operator guidance.
var alarmDescriptions = map[int]string{
	1:  "hard limit triggered; machine position is likely lost",
	2:  "motion target exceeds machine travel",
	3:  "reset while in motion; machine position is likely lost",
	4:  "probe fail: probe not in expected initial state",
	5:  "probe fail: probe did not contact the workpiece",
	6:  "homing fail: reset during active homing cycle",
	7:  "homing fail: safety door opened during homing",
	8:  "homing fail: limit switch still engaged after pull-off",
	9:  "homing fail: limit switch not found within search distance",
	10: "homing fail: second approach did not engage the switch",
}

// AlarmDescription returns a human-readable description for a controller
// alarm code.
func AlarmDescription(code int) string {
	if desc, ok := alarmDescriptions[code]; ok {
		return desc
	}
	return "unknown alarm"
}
