package controlling_door

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DoorPhase is the discriminant of the door state machine. Exactly one phase
// is active at a time; Intermediate, Halting, Alarm and Fault carry extra
// detail in the DoorStatus fields next to State.
type DoorPhase string

const (
	PhasePending      DoorPhase = "pending" // never homed, position unknown
	PhaseHoming       DoorPhase = "homing"
	PhaseClosed       DoorPhase = "closed"
	PhaseOpening      DoorPhase = "opening"
	PhaseClosing      DoorPhase = "closing"
	PhaseOpen         DoorPhase = "open"
	PhaseIntermediate DoorPhase = "intermediate"
	PhaseHalting      DoorPhase = "halting"
	PhaseAlarm        DoorPhase = "alarm"
	PhaseFault        DoorPhase = "fault"
)

// Moving reports whether the phase involves commanded motion.
func (p DoorPhase) Moving() bool {
	switch p {
	case PhaseHoming, PhaseOpening, PhaseClosing, PhaseHalting:
		return true
	}
	return false
}

// AtRest reports whether the mechanism is settled and may accept a new
// motion intent or an immediate reconfiguration.
func (p DoorPhase) AtRest() bool {
	switch p {
	case PhasePending, PhaseClosed, PhaseOpen, PhaseIntermediate:
		return true
	}
	return false
}

// Open-direction values for DoorConfig.OpenDirection.
const (
	DirectionPositive = "positive"
	DirectionNegative = "negative"
)

// AlarmInfo is a controller-reported alarm with its decoded description.
type AlarmInfo struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// ConnectionInfo is the snapshot of transport liveness that rides along with
// every status broadcast.
type ConnectionInfo struct {
	Endpoint  string `json:"endpoint"`           // e.g. "tcp://192.168.1.100:23" or "serial:///dev/ttyUSB0"
	Liveness  string `json:"liveness"`           // connected | retrying | closed
	Attempts  int    `json:"attempts,omitempty"` // reconnect attempts in the current outage
	LastError string `json:"last_error,omitempty"`
}

// DoorStatus is the full snapshot broadcast to subscribers and returned by
// the state endpoint. Version increases by one per state-machine transition
// so consumers can discard stale frames.
type DoorStatus struct {
	Version         uint64         `json:"version"`
	State           DoorPhase      `json:"state"`
	PositionMM      float64        `json:"position_mm"`
	PositionPercent *float64       `json:"position_percent,omitempty"` // absent until homed
	Homed           bool           `json:"homed"`
	Alarm           *AlarmInfo     `json:"alarm,omitempty"`
	Fault           string         `json:"fault,omitempty"`
	ConfigStaged    bool           `json:"config_staged,omitempty"` // a validated reconfiguration waits for rest
	Connection      ConnectionInfo `json:"connection"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Door event types persisted to the event log.
const (
	EventState      = "STATE"
	EventCommand    = "COMMAND"
	EventAlarm      = "ALARM"
	EventFault      = "FAULT"
	EventConnection = "CONNECTION"
	EventConfig     = "CONFIG"
)

// DoorEvent is a single persisted log entry.
type DoorEvent struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       string    `json:"type"` // STATE | COMMAND | ALARM | FAULT | CONNECTION | CONFIG
	State      string    `json:"state"`
	PositionMM float64   `json:"position_mm"`
	Detail     string    `json:"detail"`
}

// DoorConfig holds the motion parameters of the mechanism. It is owned by the
// door state machine and replaced only through the validated reconfiguration
// path; changes arriving mid-motion are staged until the door is at rest.
type DoorConfig struct {
	OpenDistanceMM  float64 `json:"open_distance_mm" mapstructure:"open_distance_mm"`
	OpenSpeedMMMin  float64 `json:"open_speed_mm_min" mapstructure:"open_speed_mm_min"`
	CloseSpeedMMMin float64 `json:"close_speed_mm_min" mapstructure:"close_speed_mm_min"`
	Axis            string  `json:"axis" mapstructure:"axis"`
	LimitOffsetMM   float64 `json:"limit_offset_mm" mapstructure:"limit_offset_mm"`
	OpenDirection   string  `json:"open_direction" mapstructure:"open_direction"` // positive | negative
	AutoHome        bool    `json:"auto_home" mapstructure:"auto_home"`
	StopDelayMS     int     `json:"stop_delay_ms" mapstructure:"stop_delay_ms"`
}

// DirectionSign maps OpenDirection to the sign of travel toward open.
func (c DoorConfig) DirectionSign() float64 {
	if c.OpenDirection == DirectionNegative {
		return -1
	}
	return 1
}

// OpenTargetMM is the signed work-coordinate position of the fully open door.
func (c DoorConfig) OpenTargetMM() float64 {
	return c.DirectionSign() * c.OpenDistanceMM
}

// MaxSpeedMMSec is the faster of the two configured speeds in mm/s.
func (c DoorConfig) MaxSpeedMMSec() float64 {
	speed := c.OpenSpeedMMMin
	if c.CloseSpeedMMMin > speed {
		speed = c.CloseSpeedMMMin
	}
	return speed / 60.0
}

// EndpointEpsilonMM is the tolerance for treating a position as an endpoint:
// 1% of travel, floored at 0.1 mm.
func (c DoorConfig) EndpointEpsilonMM() float64 {
	eps := c.OpenDistanceMM * 0.01
	if eps < 0.1 {
		eps = 0.1
	}
	return eps
}

// PercentOf converts a signed work position to 0..100 open percentage.
func (c DoorConfig) PercentOf(positionMM float64) float64 {
	if c.OpenDistanceMM <= 0 {
		return 0
	}
	pct := positionMM / c.OpenTargetMM() * 100.0
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	return pct
}

// Validate checks field-level constraints. It does not cover the physical
// stop-delay check, which needs the controller's acceleration setting.
func (c DoorConfig) Validate() error {
	if c.OpenDistanceMM <= 0 {
		return errors.New("open_distance_mm must be positive")
	}
	if c.OpenSpeedMMMin <= 0 || c.CloseSpeedMMMin <= 0 {
		return errors.New("speeds must be positive")
	}
	if len(c.Axis) != 1 || !strings.Contains("XYZABC", c.Axis) {
		return fmt.Errorf("axis must be one of X, Y, Z, A, B, C, got %q", c.Axis)
	}
	if c.LimitOffsetMM < 0 {
		return errors.New("limit_offset_mm must not be negative")
	}
	if c.OpenDirection != DirectionPositive && c.OpenDirection != DirectionNegative {
		return fmt.Errorf("open_direction must be %q or %q, got %q", DirectionPositive, DirectionNegative, c.OpenDirection)
	}
	if c.StopDelayMS <= 0 {
		return errors.New("stop_delay_ms must be positive")
	}
	return nil
}

// DoorConfigPatch is a partial reconfiguration; nil fields keep their
// current values.
type DoorConfigPatch struct {
	OpenDistanceMM  *float64 `json:"open_distance_mm,omitempty"`
	OpenSpeedMMMin  *float64 `json:"open_speed_mm_min,omitempty"`
	CloseSpeedMMMin *float64 `json:"close_speed_mm_min,omitempty"`
	Axis            *string  `json:"axis,omitempty"`
	LimitOffsetMM   *float64 `json:"limit_offset_mm,omitempty"`
	OpenDirection   *string  `json:"open_direction,omitempty"`
	AutoHome        *bool    `json:"auto_home,omitempty"`
	StopDelayMS     *int     `json:"stop_delay_ms,omitempty"`
}

// Apply returns a copy of c with the patch's non-nil fields replaced.
func (c DoorConfig) Apply(p DoorConfigPatch) DoorConfig {
	out := c
	if p.OpenDistanceMM != nil {
		out.OpenDistanceMM = *p.OpenDistanceMM
	}
	if p.OpenSpeedMMMin != nil {
		out.OpenSpeedMMMin = *p.OpenSpeedMMMin
	}
	if p.CloseSpeedMMMin != nil {
		out.CloseSpeedMMMin = *p.CloseSpeedMMMin
	}
	if p.Axis != nil {
		out.Axis = *p.Axis
	}
	if p.LimitOffsetMM != nil {
		out.LimitOffsetMM = *p.LimitOffsetMM
	}
	if p.OpenDirection != nil {
		out.OpenDirection = *p.OpenDirection
	}
	if p.AutoHome != nil {
		out.AutoHome = *p.AutoHome
	}
	if p.StopDelayMS != nil {
		out.StopDelayMS = *p.StopDelayMS
	}
	return out
}

// DoorSnapshot is the persisted last-known state, written on every transition
// and read back at startup to detect an unclean shutdown mid-motion.
type DoorSnapshot struct {
	State      DoorPhase `json:"state"`
	PositionMM float64   `json:"position_mm"`
	Homed      bool      `json:"homed"`
	AlarmCode  int       `json:"alarm_code,omitempty"`
	AlarmText  string    `json:"alarm_text,omitempty"`
	FaultText  string    `json:"fault_text,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type User struct {
	ID           int    `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"` // never expose the hash
}

// PushSubscription is a stored browser webpush endpoint.
type PushSubscription struct {
	Endpoint  string    `json:"endpoint"`
	P256DH    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"created_at"`
}
