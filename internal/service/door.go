package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	cd "controlling_door"
	"controlling_door/internal/grbl"
	"controlling_door/internal/logger"
	"controlling_door/internal/metrics"
	"controlling_door/internal/repository"
)

type intentOp int

const (
	opOpen intentOp = iota
	opClose
	opStop
	opMove
	opJog
	opHome
	opZero
	opClearAlarm
	opReconfigure
)

func (o intentOp) String() string {
	switch o {
	case opOpen:
		return "open"
	case opClose:
		return "close"
	case opStop:
		return "stop"
	case opMove:
		return "move_to_percent"
	case opJog:
		return "jog"
	case opHome:
		return "home"
	case opZero:
		return "zero"
	case opClearAlarm:
		return "clear_alarm"
	case opReconfigure:
		return "reconfigure"
	default:
		return "unknown"
	}
}

type intent struct {
	op         intentOp
	percent    float64
	distanceMM float64
	feedMMMin  float64
	patch      cd.DoorConfigPatch
	reply      chan intentResult
}

type intentResult struct {
	cfg cd.DoorConfig
	err error
}

// moveIntent is one commanded motion: the active target while the door is
// Opening or Closing, or the remembered resume intent while Halting.
type moveIntent struct {
	op        intentOp
	targetMM  float64
	feedMMMin float64
	startMM   float64
}

// Homing runs in stages: the cycle itself (its ack arrives only when the
// switch is found), then the back-off move away from the switch, then the
// work-offset zero.
type homingStage int

const (
	stageNone homingStage = iota
	stageCycle
	stageBackoff
)

type retainedState struct {
	phase cd.DoorPhase
	posMM float64
	valid bool
}

// DoorOptions configures a DoorService.
type DoorOptions struct {
	Client    Controller
	Config    cd.DoorConfig
	Events    repository.Events
	Snapshots repository.Snapshots
	Log       *logger.Logger
	// Persist, when set, writes an applied reconfiguration back to the
	// config file.
	Persist       func(cd.DoorConfig) error
	HomingTimeout time.Duration
}

// DoorService is the authoritative door state machine. All state lives on
// its run loop goroutine; external callers submit intents over channels and
// read through snapshot copies, so there is no shared mutable door state.
type DoorService struct {
	client    Controller
	events    repository.Events
	snapshots repository.Snapshots
	log       *logger.Logger
	persist   func(cd.DoorConfig) error

	homingTimeout time.Duration

	intents chan intent
	stopCh  chan intent // stop bypasses the pending-intent queue

	// Run-loop owned; never touched from other goroutines.
	cfg        cd.DoorConfig
	staged     *cd.DoorConfig
	phase      cd.DoorPhase
	homed      bool
	originMPos float64 // machine position of the closed reference
	lastMPos   float64
	posMM      float64
	target     *moveIntent
	resume     *moveIntent
	holdSent   bool
	haltTimer  *time.Timer

	homingDone        chan error
	homingStg         homingStage
	homingTick        *time.Ticker
	backoffTargetMPos float64

	jogging        bool
	jogStartMPos   float64
	jogTargetMPos  float64

	alarm     *cd.AlarmInfo
	fault     string
	retained  retainedState
	validated bool
	valErr    error
	conn      grbl.ConnectionState
	version   uint64

	mu       sync.RWMutex
	snapshot cd.DoorStatus
	cfgCopy  cd.DoorConfig
	stagedFl bool

	subsMu  sync.Mutex
	subs    map[int]chan cd.DoorStatus
	nextSub int
}

// NewDoorService builds the state machine in Pending; Run must be called to
// start it.
func NewDoorService(opts DoorOptions) *DoorService {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	if opts.HomingTimeout <= 0 {
		opts.HomingTimeout = 60 * time.Second
	}
	haltTimer := time.NewTimer(time.Hour)
	if !haltTimer.Stop() {
		<-haltTimer.C
	}
	s := &DoorService{
		client:        opts.Client,
		events:        opts.Events,
		snapshots:     opts.Snapshots,
		log:           log,
		persist:       opts.Persist,
		homingTimeout: opts.HomingTimeout,
		intents:       make(chan intent, 16),
		stopCh:        make(chan intent, 4),
		cfg:           opts.Config,
		phase:         cd.PhasePending,
		haltTimer:     haltTimer,
		subs:          make(map[int]chan cd.DoorStatus),
	}
	s.cfgCopy = s.cfg
	s.snapshot = s.buildStatus()
	return s
}

// Run drives the state machine until the context is cancelled. Stop intents
// are drained ahead of anything else queued.
func (s *DoorService) Run(ctx context.Context) error {
	events, unsub := s.client.Subscribe(64)
	defer unsub()
	s.conn = s.client.ConnectionState()
	s.publish()

	for {
		select {
		case in := <-s.stopCh:
			s.handleIntent(ctx, in)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-s.stopCh:
			s.handleIntent(ctx, in)
		case in := <-s.intents:
			s.handleIntent(ctx, in)
		case ev, ok := <-events:
			if !ok {
				return errors.New("controller event stream closed")
			}
			s.handleControllerEvent(ctx, ev)
		case err := <-s.homingDone:
			s.finishHomingCycle(ctx, err)
		case <-s.haltTimer.C:
			s.haltTimedOut(ctx)
		case <-s.homingTickC():
			// Nudge a report out of the controller while the homing
			// exchange holds the link.
			_ = s.client.SendRealtime(grbl.ByteStatusQuery)
		}
	}
}

func (s *DoorService) homingTickC() <-chan time.Time {
	if s.homingTick == nil {
		return nil
	}
	return s.homingTick.C
}

// -------- external API (any goroutine) --------

// Status returns the current snapshot with live connection state.
func (s *DoorService) Status() cd.DoorStatus {
	s.mu.RLock()
	st := s.snapshot
	s.mu.RUnlock()
	st.Connection = connInfo(s.client.ConnectionState())
	return st
}

// Subscribe registers a status channel; frames are dropped, not blocked on,
// when the subscriber lags. The returned func unsubscribes.
func (s *DoorService) Subscribe(buffer int) (<-chan cd.DoorStatus, func()) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan cd.DoorStatus, buffer)
	s.subs[id] = ch
	return ch, func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(existing)
		}
	}
}

func (s *DoorService) Open(ctx context.Context) error {
	return s.submit(ctx, intent{op: opOpen})
}

func (s *DoorService) Close(ctx context.Context) error {
	return s.submit(ctx, intent{op: opClose})
}

func (s *DoorService) Stop(ctx context.Context) error {
	return s.submit(ctx, intent{op: opStop})
}

func (s *DoorService) MoveToPercent(ctx context.Context, percent float64) error {
	return s.submit(ctx, intent{op: opMove, percent: percent})
}

func (s *DoorService) Jog(ctx context.Context, distanceMM, feedMMMin float64) error {
	return s.submit(ctx, intent{op: opJog, distanceMM: distanceMM, feedMMMin: feedMMMin})
}

func (s *DoorService) Home(ctx context.Context) error {
	return s.submit(ctx, intent{op: opHome})
}

func (s *DoorService) Zero(ctx context.Context) error {
	return s.submit(ctx, intent{op: opZero})
}

func (s *DoorService) ClearAlarm(ctx context.Context) error {
	return s.submit(ctx, intent{op: opClearAlarm})
}

// Config returns the active configuration and whether a validated
// reconfiguration is staged behind an in-progress motion.
func (s *DoorService) Config() (cd.DoorConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfgCopy, s.stagedFl
}

// Reconfigure validates and applies a partial configuration change. A change
// arriving mid-motion is staged and applied when the door next rests.
func (s *DoorService) Reconfigure(ctx context.Context, patch cd.DoorConfigPatch) (cd.DoorConfig, error) {
	in := intent{op: opReconfigure, patch: patch, reply: make(chan intentResult, 1)}
	select {
	case s.intents <- in:
	case <-ctx.Done():
		return cd.DoorConfig{}, ctx.Err()
	}
	select {
	case res := <-in.reply:
		return res.cfg, res.err
	case <-ctx.Done():
		return cd.DoorConfig{}, ctx.Err()
	}
}

func (s *DoorService) Connection() grbl.ConnectionState {
	return s.client.ConnectionState()
}

func (s *DoorService) submit(ctx context.Context, in intent) error {
	in.reply = make(chan intentResult, 1)
	ch := s.intents
	if in.op == opStop {
		ch = s.stopCh
	}
	select {
	case ch <- in:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case res := <-in.reply:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// -------- intent handling (run loop only) --------

func (s *DoorService) handleIntent(ctx context.Context, in intent) {
	var res intentResult
	switch in.op {
	case opOpen:
		res.err = s.doMove(ctx, opOpen, s.cfg.OpenTargetMM(), s.cfg.OpenSpeedMMMin)
	case opClose:
		res.err = s.doMove(ctx, opClose, 0, s.cfg.CloseSpeedMMMin)
	case opMove:
		if in.percent < 0 || in.percent > 100 {
			res.err = invalidParam("percent %.1f is outside 0..100", in.percent)
			break
		}
		target := s.cfg.OpenTargetMM() * in.percent / 100.0
		res.err = s.doMove(ctx, opMove, target, s.feedToward(target))
	case opStop:
		res.err = s.doStop(ctx)
	case opJog:
		res.err = s.doJog(ctx, in)
	case opHome:
		res.err = s.doHome(ctx)
	case opZero:
		res.err = s.doZero(ctx)
	case opClearAlarm:
		res.err = s.doClearAlarm(ctx)
	case opReconfigure:
		res.cfg, res.err = s.doReconfigure(ctx, in.patch)
	}
	metrics.IncCommand(in.op.String(), outcomeOf(res.err))
	if res.err == nil {
		s.appendEvent(ctx, cd.EventCommand, in.op.String()+" accepted")
	} else {
		s.log.Infow("door_intent_rejected", "operation", in.op.String(), "error", res.err)
	}
	in.reply <- res
}

// motionGate rejects intents the current supervisory state forbids.
func (s *DoorService) motionGate(needHomed bool) error {
	if s.fault != "" {
		return fmt.Errorf("%w: %s", ErrFaultActive, s.fault)
	}
	if s.alarm != nil {
		return fmt.Errorf("%w: alarm %d (%s)", ErrAlarmActive, s.alarm.Code, s.alarm.Description)
	}
	if !s.validated {
		if s.valErr != nil {
			return fmt.Errorf("%w: %v", ErrNotValidated, s.valErr)
		}
		return ErrNotValidated
	}
	if needHomed && !s.homed {
		return ErrNotHomed
	}
	return nil
}

// feedToward picks the configured speed for motion toward the given target.
func (s *DoorService) feedToward(targetMM float64) float64 {
	if (targetMM-s.posMM)*s.cfg.DirectionSign() > 0 {
		return s.cfg.OpenSpeedMMMin
	}
	return s.cfg.CloseSpeedMMMin
}

func (s *DoorService) doMove(ctx context.Context, op intentOp, targetMM, feedMMMin float64) error {
	if err := s.motionGate(true); err != nil {
		return err
	}
	eps := s.cfg.EndpointEpsilonMM()
	switch s.phase {
	case cd.PhaseClosed, cd.PhaseOpen, cd.PhaseIntermediate:
		if math.Abs(s.posMM-targetMM) <= eps {
			return nil // already there
		}
		return s.issueMove(ctx, op, targetMM, feedMMMin)
	case cd.PhaseOpening, cd.PhaseClosing:
		if s.target != nil && math.Abs(s.target.targetMM-targetMM) <= eps {
			return nil // same motion already underway
		}
		// Every mid-motion retarget funnels through a graceful halt.
		return s.enterHalting(ctx, &moveIntent{op: op, targetMM: targetMM, feedMMMin: feedMMMin})
	case cd.PhaseHalting:
		s.resume = &moveIntent{op: op, targetMM: targetMM, feedMMMin: feedMMMin}
		return nil
	case cd.PhaseHoming:
		return fmt.Errorf("%w: homing in progress", ErrInvalidTransition)
	default:
		return ErrInvalidTransition
	}
}

func (s *DoorService) issueMove(ctx context.Context, op intentOp, targetMM, feedMMMin float64) error {
	cmd := grbl.MoveAbsolute(s.cfg.Axis, targetMM, feedMMMin)
	if _, err := s.client.Execute(ctx, cmd); err != nil {
		return s.exchangeFailed(ctx, "move", err)
	}
	s.target = &moveIntent{op: op, targetMM: targetMM, feedMMMin: feedMMMin, startMM: s.posMM}
	phase := cd.PhaseClosing
	if (targetMM-s.posMM)*s.cfg.DirectionSign() > 0 {
		phase = cd.PhaseOpening
	}
	s.transition(ctx, phase, fmt.Sprintf("moving to %.3f mm", targetMM))
	s.client.PollNow()
	return nil
}

// enterHalting sends one feed hold per halt cycle and remembers what to do
// once the controller reports full deceleration.
func (s *DoorService) enterHalting(ctx context.Context, resume *moveIntent) error {
	if !s.holdSent {
		if err := s.client.SendRealtime(grbl.ByteFeedHold); err != nil {
			return s.exchangeFailed(ctx, "feed hold", err)
		}
		s.holdSent = true
		s.armHaltTimer()
	}
	s.resume = resume
	detail := "halting to stop"
	if resume != nil {
		detail = fmt.Sprintf("halting to reverse toward %.3f mm", resume.targetMM)
	}
	s.transition(ctx, cd.PhaseHalting, detail)
	s.client.PollNow()
	return nil
}

func (s *DoorService) doStop(ctx context.Context) error {
	switch s.phase {
	case cd.PhaseOpening, cd.PhaseClosing:
		return s.enterHalting(ctx, nil)
	case cd.PhaseHalting:
		// At most one feed hold per halt cycle; repeated stops just drop
		// any remembered resume intent.
		s.resume = nil
		return nil
	case cd.PhaseHoming:
		// Homing cycles ignore feed hold; the only way out is a soft
		// reset, which raises a controller alarm.
		if err := s.client.SendRealtime(grbl.ByteSoftReset); err != nil {
			return s.exchangeFailed(ctx, "soft reset", err)
		}
		return nil
	case cd.PhasePending:
		if s.jogging {
			return s.enterHalting(ctx, nil)
		}
		return nil
	default:
		return nil // at rest, nothing to stop
	}
}

func (s *DoorService) doJog(ctx context.Context, in intent) error {
	if err := s.motionGate(false); err != nil {
		return err
	}
	if !s.phase.AtRest() || s.jogging {
		return fmt.Errorf("%w: jog requires the door at rest", ErrInvalidTransition)
	}
	if in.distanceMM == 0 {
		return invalidParam("jog distance must be non-zero")
	}
	feed := in.feedMMMin
	if feed <= 0 {
		feed = s.cfg.CloseSpeedMMMin
	}
	if _, err := s.client.Execute(ctx, grbl.MoveRelative(s.cfg.Axis, in.distanceMM, feed)); err != nil {
		return s.exchangeFailed(ctx, "jog", err)
	}
	if s.homed {
		target := s.posMM + in.distanceMM
		s.target = &moveIntent{op: opJog, targetMM: target, feedMMMin: feed, startMM: s.posMM}
		phase := cd.PhaseClosing
		if in.distanceMM*s.cfg.DirectionSign() > 0 {
			phase = cd.PhaseOpening
		}
		s.transition(ctx, phase, fmt.Sprintf("jogging %.3f mm", in.distanceMM))
	} else {
		// Unhomed jogs are how an installer finds the travel range; the
		// door stays Pending and only the raw machine position moves.
		s.jogging = true
		s.jogStartMPos = s.lastMPos
		s.jogTargetMPos = s.lastMPos + in.distanceMM
		s.appendEvent(ctx, cd.EventState, fmt.Sprintf("unhomed jog %.3f mm", in.distanceMM))
	}
	s.client.PollNow()
	return nil
}

func (s *DoorService) doHome(ctx context.Context) error {
	if err := s.motionGate(false); err != nil {
		return err
	}
	if s.phase == cd.PhaseHoming {
		return nil
	}
	if !s.phase.AtRest() || s.jogging {
		return fmt.Errorf("%w: homing requires the door at rest", ErrInvalidTransition)
	}
	hctx, cancel := context.WithTimeout(ctx, s.homingTimeout)
	done := make(chan error, 1)
	cmd := grbl.Home(s.cfg.Axis)
	go func() {
		defer cancel()
		_, err := s.client.Execute(hctx, cmd)
		done <- err
	}()
	s.homingDone = done
	s.homingStg = stageCycle
	s.homingTick = time.NewTicker(500 * time.Millisecond)
	s.homed = false
	s.transition(ctx, cd.PhaseHoming, "homing cycle started")
	return nil
}

// finishHomingCycle handles the deferred ack of the homing command: the
// switch was found (nil error) or the cycle was aborted.
func (s *DoorService) finishHomingCycle(ctx context.Context, err error) {
	s.homingDone = nil
	if s.homingTick != nil {
		s.homingTick.Stop()
		s.homingTick = nil
	}
	if s.fault != "" || s.alarm != nil {
		s.homingStg = stageNone
		return
	}
	if err != nil {
		var aerr *grbl.AlarmError
		if errors.As(err, &aerr) {
			s.enterAlarm(ctx, aerr.Code)
			return
		}
		s.homingStg = stageNone
		s.log.Errorw("homing_failed", "error", err)
		s.transition(ctx, cd.PhasePending, fmt.Sprintf("homing failed: %v", err))
		return
	}
	// Switch found. Refresh the machine position before the back-off move;
	// the last cached report predates the cycle.
	if st, qerr := s.client.QueryStatus(ctx); qerr == nil {
		if mpos, ok := st.AxisPosition(s.cfg.Axis); ok {
			s.lastMPos = mpos
		}
	}
	// Back off into the travel range before declaring the closed reference.
	if s.cfg.LimitOffsetMM <= 0 {
		s.completeHoming(ctx)
		return
	}
	delta := s.cfg.DirectionSign() * s.cfg.LimitOffsetMM
	if _, err := s.client.Execute(ctx, grbl.MoveRelative(s.cfg.Axis, delta, s.cfg.CloseSpeedMMMin)); err != nil {
		s.homingStg = stageNone
		if fail := s.exchangeFailed(ctx, "homing back-off", err); fail != nil {
			s.log.Errorw("homing_backoff_failed", "error", fail)
		}
		if s.alarm == nil && s.fault == "" {
			s.transition(ctx, cd.PhasePending, "homing back-off failed")
		}
		return
	}
	s.backoffTargetMPos = s.lastMPos + delta
	s.homingStg = stageBackoff
	s.client.PollNow()
}

// completeHoming declares the current position the closed reference.
func (s *DoorService) completeHoming(ctx context.Context) {
	s.homingStg = stageNone
	if _, err := s.client.Execute(ctx, grbl.ZeroWorkOffset(s.cfg.Axis)); err != nil {
		if fail := s.exchangeFailed(ctx, "work offset zero", err); fail != nil {
			s.log.Errorw("homing_zero_failed", "error", fail)
		}
		if s.alarm == nil && s.fault == "" {
			s.transition(ctx, cd.PhasePending, "work offset zero failed")
		}
		return
	}
	st, err := s.client.QueryStatus(ctx)
	if err != nil {
		s.log.Errorw("homing_position_query_failed", "error", err)
		s.transition(ctx, cd.PhasePending, "position query after homing failed")
		return
	}
	mpos, ok := st.AxisPosition(s.cfg.Axis)
	if !ok {
		s.transition(ctx, cd.PhasePending, "status report lacks the configured axis")
		return
	}
	s.originMPos = mpos
	s.lastMPos = mpos
	s.homed = true
	s.posMM = 0
	s.transition(ctx, cd.PhaseClosed, "homed; closed reference established")
}

func (s *DoorService) doZero(ctx context.Context) error {
	if err := s.motionGate(false); err != nil {
		return err
	}
	if !s.phase.AtRest() || s.jogging {
		return fmt.Errorf("%w: zero requires the door at rest", ErrInvalidTransition)
	}
	if _, err := s.client.Execute(ctx, grbl.ZeroWorkOffset(s.cfg.Axis)); err != nil {
		return s.exchangeFailed(ctx, "zero", err)
	}
	st, err := s.client.QueryStatus(ctx)
	if err != nil {
		return s.exchangeFailed(ctx, "zero position query", err)
	}
	mpos, ok := st.AxisPosition(s.cfg.Axis)
	if !ok {
		return fmt.Errorf("status report lacks axis %s", s.cfg.Axis)
	}
	s.originMPos = mpos
	s.lastMPos = mpos
	s.homed = true
	s.posMM = 0
	s.transition(ctx, cd.PhaseClosed, "zeroed; current position is the closed reference")
	return nil
}

func (s *DoorService) doClearAlarm(ctx context.Context) error {
	if s.fault != "" {
		return fmt.Errorf("%w: %s", ErrFaultActive, s.fault)
	}
	if s.alarm == nil {
		return nil
	}
	if _, err := s.client.Execute(ctx, grbl.Unlock()); err != nil {
		return s.exchangeFailed(ctx, "unlock", err)
	}
	s.alarm = nil
	if !s.homed {
		s.transition(ctx, cd.PhasePending, "alarm cleared")
		return nil
	}
	// Settle to rest; the pre-alarm motion intent is never resumed.
	if st, err := s.client.QueryStatus(ctx); err == nil {
		if mpos, ok := st.AxisPosition(s.cfg.Axis); ok {
			s.lastMPos = mpos
			s.posMM = mpos - s.originMPos
		}
	}
	s.transition(ctx, s.restPhaseFor(s.posMM), "alarm cleared")
	return nil
}

func (s *DoorService) doReconfigure(ctx context.Context, patch cd.DoorConfigPatch) (cd.DoorConfig, error) {
	next := s.cfg.Apply(patch)
	next.Axis = strings.ToUpper(next.Axis)
	if err := next.Validate(); err != nil {
		return s.cfg, invalidParam("%v", err)
	}
	needsSafety := !s.validated ||
		next.OpenSpeedMMMin != s.cfg.OpenSpeedMMMin ||
		next.CloseSpeedMMMin != s.cfg.CloseSpeedMMMin ||
		next.Axis != s.cfg.Axis ||
		next.StopDelayMS != s.cfg.StopDelayMS
	if needsSafety {
		accel, err := QueryAcceleration(ctx, s.client, next.Axis)
		if err != nil {
			return s.cfg, s.exchangeFailed(ctx, "acceleration query", err)
		}
		if err := ValidateStopDelay(next, accel); err != nil {
			return s.cfg, err
		}
	}
	if s.phase.AtRest() && !s.jogging {
		s.applyConfig(ctx, next, needsSafety)
		return next, nil
	}
	s.staged = &next
	s.appendEvent(ctx, cd.EventConfig, "reconfiguration staged until the door rests")
	s.publish()
	return next, nil
}

func (s *DoorService) applyConfig(ctx context.Context, next cd.DoorConfig, revalidated bool) {
	s.cfg = next
	s.staged = nil
	if revalidated {
		s.validated = true
		s.valErr = nil
	}
	if s.persist != nil {
		if err := s.persist(next); err != nil {
			s.log.Errorw("config_persist_failed", "error", err)
		}
	}
	s.appendEvent(ctx, cd.EventConfig, "reconfiguration applied")
	s.log.Infow("door_config_applied",
		"open_distance_mm", next.OpenDistanceMM,
		"open_speed_mm_min", next.OpenSpeedMMMin,
		"close_speed_mm_min", next.CloseSpeedMMMin,
		"axis", next.Axis,
		"stop_delay_ms", next.StopDelayMS)
	s.publish()
}

// -------- controller event handling (run loop only) --------

func (s *DoorService) handleControllerEvent(ctx context.Context, ev grbl.Event) {
	switch ev.Kind {
	case grbl.EventDisconnected:
		s.conn = ev.Connection
		if s.fault == "" {
			msg := ev.Connection.LastError
			if msg == "" {
				msg = "controller link lost"
			}
			s.enterFault(ctx, msg)
			return
		}
		s.publish() // refresh retry count for subscribers
	case grbl.EventConnected:
		s.conn = ev.Connection
		s.appendEvent(ctx, cd.EventConnection, "controller connected")
		if !s.validated {
			s.runStartupValidation(ctx)
		}
		// Fault recovery waits for the vetting status that follows.
	case grbl.EventStatus:
		s.handleStatus(ctx, ev.Status)
	}
}

func (s *DoorService) handleStatus(ctx context.Context, st grbl.Status) {
	mpos, havePos := st.AxisPosition(s.cfg.Axis)
	if havePos {
		s.lastMPos = mpos
		if s.homed {
			s.posMM = mpos - s.originMPos
			metrics.SetPositionMM(s.posMM)
		}
	}
	if s.fault != "" {
		s.recoverFromFault(ctx, st)
		return
	}
	if st.Kind == grbl.StateAlarm {
		if s.alarm == nil {
			code := st.SubCode
			if code < 0 {
				code = 0
			}
			s.enterAlarm(ctx, code)
		}
		return
	}

	eps := s.cfg.EndpointEpsilonMM()
	switch s.phase {
	case cd.PhaseHoming:
		if s.homingStg == stageBackoff && st.Kind == grbl.StateIdle &&
			havePos && math.Abs(mpos-s.backoffTargetMPos) <= eps {
			s.completeHoming(ctx)
			return
		}
	case cd.PhaseOpening, cd.PhaseClosing:
		if st.Kind != grbl.StateIdle || s.target == nil {
			break
		}
		switch {
		case math.Abs(s.posMM-s.target.targetMM) <= eps:
			s.target = nil
			s.transition(ctx, s.restPhaseFor(s.posMM), "motion complete")
			return
		case math.Abs(s.posMM-s.target.startMM) <= eps:
			// Idle snapshot taken before the move began; wait.
		default:
			s.target = nil
			s.transition(ctx, s.restPhaseFor(s.posMM), "motion ended short of target")
			return
		}
	case cd.PhaseHalting:
		if st.Decelerated() || st.Kind == grbl.StateIdle {
			s.finishHalt(ctx)
			return
		}
	case cd.PhasePending:
		if s.jogging && st.Kind == grbl.StateIdle && havePos {
			switch {
			case math.Abs(mpos-s.jogTargetMPos) <= eps:
				s.jogging = false
				s.appendEvent(ctx, cd.EventState, "unhomed jog complete")
			case math.Abs(mpos-s.jogStartMPos) <= eps:
				// Not started yet.
			default:
				s.jogging = false
				s.appendEvent(ctx, cd.EventState, "unhomed jog ended short of target")
			}
		}
	}
	if s.phase.Moving() {
		s.publish() // stream position while in motion
	}
}

// finishHalt runs once the controller reports full deceleration: flush the
// buffered motion, then either resume the remembered intent or settle.
func (s *DoorService) finishHalt(ctx context.Context) {
	s.disarmHaltTimer()
	s.holdSent = false
	if err := s.client.SendRealtime(grbl.ByteQueueFlush); err != nil {
		s.log.Errorw("queue_flush_failed", "error", err)
		return // the disconnect event decides what happens next
	}
	resume := s.resume
	s.resume = nil
	s.target = nil
	if resume != nil {
		if err := s.issueMove(ctx, resume.op, resume.targetMM, resume.feedMMMin); err != nil {
			s.log.Errorw("resume_after_halt_failed", "error", err)
			if s.alarm == nil && s.fault == "" {
				s.settleAtRest(ctx, "halt complete; resume failed")
			}
		}
		return
	}
	s.settleAtRest(ctx, "halt complete")
}

func (s *DoorService) settleAtRest(ctx context.Context, detail string) {
	s.jogging = false
	if !s.homed {
		s.transition(ctx, cd.PhasePending, detail)
		return
	}
	s.transition(ctx, s.restPhaseFor(s.posMM), detail)
}

// restPhaseFor snaps a settled position to Closed or Open when it is within
// the endpoint tolerance, otherwise Intermediate.
func (s *DoorService) restPhaseFor(posMM float64) cd.DoorPhase {
	eps := s.cfg.EndpointEpsilonMM()
	switch {
	case math.Abs(posMM) <= eps:
		return cd.PhaseClosed
	case math.Abs(posMM-s.cfg.OpenTargetMM()) <= eps:
		return cd.PhaseOpen
	default:
		return cd.PhaseIntermediate
	}
}

func (s *DoorService) haltTimedOut(ctx context.Context) {
	if s.phase != cd.PhaseHalting {
		return
	}
	s.enterFault(ctx, fmt.Sprintf("controller did not decelerate within %d ms", s.cfg.StopDelayMS))
}

// recoverFromFault runs on the first status after the link returns. The
// retained state is trusted only when the door was at rest, the controller
// reports Idle, and the position still matches; anything else forces a
// re-home.
func (s *DoorService) recoverFromFault(ctx context.Context, st grbl.Status) {
	s.fault = ""
	retained := s.retained
	s.retained = retainedState{}
	mpos, havePos := st.AxisPosition(s.cfg.Axis)
	trust := retained.valid && s.homed && retained.phase.AtRest() &&
		st.Kind == grbl.StateIdle && havePos &&
		math.Abs((mpos-s.originMPos)-retained.posMM) <= s.cfg.EndpointEpsilonMM()
	s.target = nil
	s.resume = nil
	s.holdSent = false
	s.jogging = false
	s.disarmHaltTimer()
	if trust {
		s.posMM = mpos - s.originMPos
		s.transition(ctx, retained.phase, "link restored; retained state verified")
		return
	}
	s.homed = false
	s.posMM = 0
	if st.Kind == grbl.StateAlarm {
		code := st.SubCode
		if code < 0 {
			code = 0
		}
		s.enterAlarm(ctx, code)
		return
	}
	s.transition(ctx, cd.PhasePending, "link restored; position unreliable, re-home required")
}

func (s *DoorService) enterFault(ctx context.Context, msg string) {
	if !s.retained.valid {
		s.retained = retainedState{phase: s.phase, posMM: s.posMM, valid: true}
	}
	s.fault = msg
	s.holdSent = false
	s.disarmHaltTimer()
	s.appendEvent(ctx, cd.EventFault, msg)
	s.log.Errorw("door_fault", "message", msg, "last_position_mm", s.posMM)
	s.transition(ctx, cd.PhaseFault, msg)
}

func (s *DoorService) enterAlarm(ctx context.Context, code int) {
	s.alarm = &cd.AlarmInfo{Code: code, Description: grbl.AlarmDescription(code)}
	s.target = nil
	s.resume = nil
	s.holdSent = false
	s.jogging = false
	s.homingStg = stageNone
	s.disarmHaltTimer()
	s.appendEvent(ctx, cd.EventAlarm, fmt.Sprintf("alarm %d: %s", code, s.alarm.Description))
	s.log.Warnw("controller_alarm", "code", code, "description", s.alarm.Description)
	s.transition(ctx, cd.PhaseAlarm, s.alarm.Description)
}

// runStartupValidation queries the controller's acceleration for the
// configured axis and checks the stop delay. A failing verdict blocks all
// motion commands until a valid reconfiguration arrives.
func (s *DoorService) runStartupValidation(ctx context.Context) {
	accel, err := QueryAcceleration(ctx, s.client, s.cfg.Axis)
	if err != nil {
		s.valErr = err
		s.log.Warnw("safety_validation_deferred", "error", err)
		return
	}
	if err := ValidateStopDelay(s.cfg, accel); err != nil {
		s.valErr = err
		s.validated = false
		s.appendEvent(ctx, cd.EventConfig, "safety validation rejected the configuration")
		s.log.Errorw("safety_validation_rejected",
			"error", err,
			"acceleration_mm_s2", accel,
			"stop_delay_ms", s.cfg.StopDelayMS)
		s.publish()
		return
	}
	s.validated = true
	s.valErr = nil
	s.log.Infow("safety_validation_passed", "acceleration_mm_s2", accel, "stop_delay_ms", s.cfg.StopDelayMS)
	if s.cfg.AutoHome && !s.homed && s.phase == cd.PhasePending {
		if err := s.doHome(ctx); err != nil {
			s.log.Errorw("auto_home_failed", "error", err)
		}
	}
}

// exchangeFailed classifies a failed controller exchange into the domain
// error the caller should see, entering Alarm when the controller raised
// one mid-command.
func (s *DoorService) exchangeFailed(ctx context.Context, op string, err error) error {
	var aerr *grbl.AlarmError
	if errors.As(err, &aerr) {
		s.enterAlarm(ctx, aerr.Code)
		return fmt.Errorf("%w: %s interrupted by alarm %d", ErrAlarmActive, op, aerr.Code)
	}
	var cerr *grbl.CommandError
	if errors.As(err, &cerr) {
		return invalidParam("controller rejected %s: %s", op, cerr.Raw)
	}
	if errors.Is(err, grbl.ErrUnavailable) || errors.Is(err, grbl.ErrDisconnected) || errors.Is(err, grbl.ErrReadTimeout) {
		// The client's disconnect event moves the door to Fault.
		return &DomainError{Reason: ReasonUnavailable, Message: fmt.Sprintf("%s failed: controller unavailable", op)}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// -------- timers, snapshots, events (run loop only) --------

func (s *DoorService) armHaltTimer() {
	s.disarmHaltTimer()
	s.haltTimer.Reset(time.Duration(s.cfg.StopDelayMS) * time.Millisecond)
}

func (s *DoorService) disarmHaltTimer() {
	if !s.haltTimer.Stop() {
		select {
		case <-s.haltTimer.C:
		default:
		}
	}
}

func (s *DoorService) transition(ctx context.Context, phase cd.DoorPhase, detail string) {
	changed := s.phase != phase
	s.phase = phase
	if changed {
		metrics.IncTransition(string(phase))
		s.appendEvent(ctx, cd.EventState, detail)
		s.log.Infow("door_state_changed", "state", string(phase), "position_mm", s.posMM, "detail", detail)
	}
	if phase.AtRest() && s.staged != nil && s.alarm == nil && s.fault == "" {
		next := *s.staged
		s.applyConfig(ctx, next, false)
	}
	s.saveSnapshot(ctx)
	s.publish()
}

func (s *DoorService) buildStatus() cd.DoorStatus {
	st := cd.DoorStatus{
		Version:      s.version,
		State:        s.phase,
		PositionMM:   math.Round(s.posMM*1000) / 1000,
		Homed:        s.homed,
		Fault:        s.fault,
		ConfigStaged: s.staged != nil,
		Connection:   connInfo(s.conn),
		UpdatedAt:    time.Now().UTC(),
	}
	if s.alarm != nil {
		a := *s.alarm
		st.Alarm = &a
	}
	if s.homed {
		pct := s.cfg.PercentOf(s.posMM)
		st.PositionPercent = &pct
	}
	return st
}

// publish snapshots the current state for readers and fans it out to
// subscribers.
func (s *DoorService) publish() {
	s.version++
	st := s.buildStatus()
	s.mu.Lock()
	s.snapshot = st
	s.cfgCopy = s.cfg
	s.stagedFl = s.staged != nil
	s.mu.Unlock()

	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
		}
	}
	s.subsMu.Unlock()
}

func (s *DoorService) saveSnapshot(ctx context.Context) {
	if s.snapshots == nil {
		return
	}
	snap := cd.DoorSnapshot{
		State:      s.phase,
		PositionMM: s.posMM,
		Homed:      s.homed,
		FaultText:  s.fault,
		UpdatedAt:  time.Now().UTC(),
	}
	if s.alarm != nil {
		snap.AlarmCode = s.alarm.Code
		snap.AlarmText = s.alarm.Description
	}
	if err := s.snapshots.Save(ctx, snap); err != nil {
		s.log.Errorw("door_snapshot_save_failed", "error", err)
	}
}

func (s *DoorService) appendEvent(ctx context.Context, typ, detail string) {
	if s.events == nil {
		return
	}
	ev := cd.DoorEvent{
		ID:         uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Type:       typ,
		State:      string(s.phase),
		PositionMM: s.posMM,
		Detail:     detail,
	}
	if err := s.events.Append(ctx, ev); err != nil {
		s.log.Errorw("door_event_append_failed", "error", err, "type", typ)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "accepted"
	}
	var derr *DomainError
	if errors.As(err, &derr) {
		return derr.Reason
	}
	var serr *SafetyError
	if errors.As(err, &serr) {
		return ReasonValidatorRejected
	}
	return "error"
}

func connInfo(cs grbl.ConnectionState) cd.ConnectionInfo {
	return cd.ConnectionInfo{
		Endpoint:  cs.Endpoint,
		Liveness:  cs.Liveness,
		Attempts:  cs.Attempts,
		LastError: cs.LastError,
	}
}
