package grbl

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const simulatorBanner = "GrblHAL 1.1f ['$' or '$HELP' for help]"

type simState int

const (
	simIdle simState = iota
	simRun
	simHoldDecel // Hold:1, still decelerating
	simHeld      // Hold:0, decelerated
	simHoming
	simAlarm
)

// Simulator emulates enough of a grblHAL controller to run the daemon and
// its tests without hardware: homing, absolute and relative moves with a
// linear feed model, feed hold with a deceleration window, queue flush, soft
// reset, alarms, and the settings report. It implements Transport directly;
// machine state survives re-dials the way real hardware survives a dropped
// TCP session.
type Simulator struct {
	// Tunable before Dial; zero values pick test-friendly defaults.
	HomingDuration time.Duration
	DecelDuration  time.Duration

	mu          sync.Mutex
	closed      bool
	readTimeout time.Duration
	out         []byte
	lineBuf     []byte
	pending     []simTimedLine

	state       simState
	axis        int
	pos         [3]float64
	wco         [3]float64 // G92 work offset: work = machine - wco
	target      float64
	feed        float64 // mm/min
	lastAdvance time.Time
	holdDoneAt  time.Time
	homeDoneAt  time.Time
	alarmCode   int
	settings    map[string]string
}

type simTimedLine struct {
	due  time.Time
	text string
}

// NewSimulator returns a simulator at machine zero, idle, with 1000 mm/s²
// acceleration configured on the first three axes.
func NewSimulator() *Simulator {
	return &Simulator{
		HomingDuration: 250 * time.Millisecond,
		DecelDuration:  120 * time.Millisecond,
		settings: map[string]string{
			"0":   "10",
			"1":   "25",
			"100": "80.000",
			"101": "80.000",
			"102": "80.000",
			"110": "6000.000",
			"111": "6000.000",
			"112": "6000.000",
			"120": "1000.000",
			"121": "1000.000",
			"122": "1000.000",
		},
	}
}

// Dial returns a DialFunc handing out this simulator as a fresh link. Frame
// buffers reset per dial; machine position and alarm state persist.
func (s *Simulator) Dial() DialFunc {
	return func(ctx context.Context) (Transport, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = false
		s.out = nil
		s.lineBuf = nil
		s.emitLocked(simulatorBanner)
		return s, nil
	}
}

// TripAlarm forces a controller alarm, as a hard limit would. Test hook.
func (s *Simulator) TripAlarm(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(time.Now())
	s.enterAlarmLocked(code)
}

// Position returns the simulated machine position of an axis index.
func (s *Simulator) Position(axis int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(time.Now())
	return s.pos[axis]
}

func (s *Simulator) Read(p []byte) (int, error) {
	deadline := time.Now().Add(s.currentReadTimeout())
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, fmt.Errorf("simulator: %w", ErrDisconnected)
		}
		s.advanceLocked(time.Now())
		if len(s.out) > 0 {
			n := copy(p, s.out)
			s.out = s.out[n:]
			s.mu.Unlock()
			return n, nil
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, ErrReadTimeout
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *Simulator) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("simulator: %w", ErrDisconnected)
	}
	now := time.Now()
	s.advanceLocked(now)
	for _, b := range p {
		switch b {
		case ByteStatusQuery:
			s.emitLocked(s.statusLineLocked())
		case ByteFeedHold:
			if s.state == simRun {
				s.state = simHoldDecel
				s.holdDoneAt = now.Add(s.DecelDuration)
			}
		case ByteCycleStart:
			if s.state == simHeld || s.state == simHoldDecel {
				s.state = simRun
				s.lastAdvance = now
			}
		case ByteSoftReset:
			s.softResetLocked()
		case ByteQueueFlush:
			if s.state == simRun || s.state == simHoldDecel || s.state == simHeld {
				s.target = s.pos[s.axis]
				s.state = simIdle
			}
		case '\n':
			line := strings.TrimSpace(string(s.lineBuf))
			s.lineBuf = s.lineBuf[:0]
			s.handleLineLocked(now, line)
		case '\r':
		default:
			s.lineBuf = append(s.lineBuf, b)
		}
	}
	return len(p), nil
}

func (s *Simulator) SetReadTimeout(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readTimeout = d
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Simulator) currentReadTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readTimeout <= 0 {
		return 50 * time.Millisecond
	}
	return s.readTimeout
}

// advanceLocked moves simulated time forward: interpolates motion, finishes
// deceleration and homing, and releases replies that became due.
func (s *Simulator) advanceLocked(now time.Time) {
	switch s.state {
	case simRun:
		dt := now.Sub(s.lastAdvance).Seconds()
		if dt > 0 {
			step := s.feed / 60.0 * dt
			cur := s.pos[s.axis]
			switch {
			case cur < s.target:
				cur += step
				if cur >= s.target {
					cur = s.target
					s.state = simIdle
				}
			case cur > s.target:
				cur -= step
				if cur <= s.target {
					cur = s.target
					s.state = simIdle
				}
			default:
				s.state = simIdle
			}
			s.pos[s.axis] = cur
		}
	case simHoldDecel:
		if !now.Before(s.holdDoneAt) {
			s.state = simHeld
		}
	case simHoming:
		if !now.Before(s.homeDoneAt) {
			s.pos = [3]float64{}
			s.state = simIdle
		}
	}
	s.lastAdvance = now

	kept := s.pending[:0]
	for _, tl := range s.pending {
		if !tl.due.After(now) {
			s.emitLocked(tl.text)
		} else {
			kept = append(kept, tl)
		}
	}
	s.pending = kept
}

func (s *Simulator) statusLineLocked() string {
	token := "Idle"
	switch s.state {
	case simRun:
		token = "Run"
	case simHoldDecel:
		token = "Hold:1"
	case simHeld:
		token = "Hold:0"
	case simHoming:
		token = "Home"
	case simAlarm:
		token = "Alarm"
		if s.alarmCode > 0 {
			token = "Alarm:" + strconv.Itoa(s.alarmCode)
		}
	}
	return fmt.Sprintf("<%s|MPos:%.3f,%.3f,%.3f>", token, s.pos[0], s.pos[1], s.pos[2])
}

func (s *Simulator) handleLineLocked(now time.Time, line string) {
	switch {
	case line == "":
		s.emitLocked("ok")
	case line == "$$":
		keys := make([]string, 0, len(s.settings))
		for k := range s.settings {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			a, _ := strconv.Atoi(keys[i])
			b, _ := strconv.Atoi(keys[j])
			return a < b
		})
		for _, k := range keys {
			s.emitLocked("$" + k + "=" + s.settings[k])
		}
		s.emitLocked("ok")
	case line == "$X":
		if s.state == simAlarm {
			s.state = simIdle
			s.alarmCode = 0
			s.emitLocked("[MSG:Caution: Unlocked]")
		}
		s.emitLocked("ok")
	case strings.HasPrefix(line, "$H"):
		axis := strings.TrimPrefix(line, "$H")
		if idx := AxisIndex(axis); idx >= 0 {
			s.axis = idx
		}
		s.state = simHoming
		s.alarmCode = 0
		s.homeDoneAt = now.Add(s.HomingDuration)
		// "ok" arrives only once the cycle completes.
		s.pending = append(s.pending, simTimedLine{due: s.homeDoneAt, text: "ok"})
	case strings.HasPrefix(line, "$"):
		s.handleSettingLocked(line)
	case s.state == simAlarm:
		// G-code is locked out until $X or $H.
		s.emitLocked("error:9")
	case strings.HasPrefix(line, "G92"):
		s.handleWorkOffsetLocked(line)
	case s.handleMoveLocked(now, line):
	default:
		s.emitLocked("error:20")
	}
}

func (s *Simulator) handleSettingLocked(line string) {
	body := strings.TrimPrefix(line, "$")
	if key, value, found := strings.Cut(body, "="); found {
		if _, err := strconv.Atoi(key); err != nil {
			s.emitLocked("error:3")
			return
		}
		s.settings[key] = value
		s.emitLocked("ok")
		return
	}
	if value, ok := s.settings[body]; ok {
		s.emitLocked("$" + body + "=" + value)
		s.emitLocked("ok")
		return
	}
	s.emitLocked("error:3")
}

// handleWorkOffsetLocked applies "G92 X0" style offsets: the named work
// coordinate is declared to equal the given value at the current machine
// position.
func (s *Simulator) handleWorkOffsetLocked(line string) {
	for _, field := range strings.Fields(strings.TrimPrefix(line, "G92")) {
		if len(field) < 2 {
			s.emitLocked("error:2")
			return
		}
		idx := AxisIndex(string(field[0]))
		num, err := strconv.ParseFloat(field[1:], 64)
		if idx < 0 || err != nil {
			s.emitLocked("error:2")
			return
		}
		s.wco[idx] = s.pos[idx] - num
	}
	s.emitLocked("ok")
}

// handleMoveLocked parses "G90 G1 X5.000 F6000" style lines. Returns false
// when the line is not a linear move.
func (s *Simulator) handleMoveLocked(now time.Time, line string) bool {
	relative := false
	sawMode := false
	axis := -1
	var value, feed float64
	for _, field := range strings.Fields(line) {
		switch field {
		case "G90":
			sawMode = true
		case "G91":
			sawMode = true
			relative = true
		case "G0", "G1":
		default:
			if len(field) < 2 {
				return false
			}
			letter := string(field[0])
			num, err := strconv.ParseFloat(field[1:], 64)
			if err != nil {
				return false
			}
			if letter == "F" {
				feed = num
				continue
			}
			idx := AxisIndex(letter)
			if idx < 0 {
				return false
			}
			axis = idx
			value = num
		}
	}
	if !sawMode || axis < 0 {
		return false
	}
	s.axis = axis
	if relative {
		s.target = s.pos[axis] + value
	} else {
		s.target = s.wco[axis] + value
	}
	if feed > 0 {
		s.feed = feed
	} else if s.feed <= 0 {
		s.feed = 500
	}
	if s.target != s.pos[axis] {
		s.state = simRun
		s.lastAdvance = now
	}
	s.emitLocked("ok")
	return true
}

func (s *Simulator) softResetLocked() {
	s.pending = s.pending[:0]
	switch s.state {
	case simRun, simHoldDecel, simHeld:
		s.enterAlarmLocked(3)
	case simHoming:
		s.enterAlarmLocked(6)
	}
	s.emitLocked(simulatorBanner)
	if s.state == simAlarm {
		s.emitLocked("[MSG:'$H'|'$X' to unlock]")
	}
}

func (s *Simulator) enterAlarmLocked(code int) {
	s.pending = s.pending[:0] // an aborted cycle never acks
	s.state = simAlarm
	s.alarmCode = code
	s.target = s.pos[s.axis]
	s.emitLocked("ALARM:" + strconv.Itoa(code))
}

func (s *Simulator) emitLocked(line string) {
	s.out = append(s.out, line...)
	s.out = append(s.out, '\r', '\n')
}
