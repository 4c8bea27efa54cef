// Package grbl drives a GRBL/grblHAL motion controller over a serial or TCP
// byte stream: it frames the line protocol, serializes every write+read
// exchange onto the single physical link, polls controller status on a fixed
// interval, and re-establishes the link with bounded exponential backoff.
package grbl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"controlling_door/internal/logger"
	"controlling_door/internal/metrics"
)

// ErrUnavailable is returned for any operation attempted while the link is
// down; the caller must not retry, reconnection happens internally.
var ErrUnavailable = errors.New("controller unavailable")

// Liveness values of the managed connection.
const (
	LivenessConnected = "connected"
	LivenessRetrying  = "retrying"
	LivenessClosed    = "closed"
)

// ConnectionState is the externally visible snapshot of the link: explicit
// retry state instead of a sleep loop, so callers stay responsive while the
// manager waits for the next attempt.
type ConnectionState struct {
	Endpoint    string    `json:"endpoint"`
	Liveness    string    `json:"liveness"`
	Attempts    int       `json:"attempts,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

// EventKind discriminates Client events.
type EventKind int

const (
	EventStatus EventKind = iota
	EventConnected
	EventDisconnected
)

// Event is a status report or a liveness transition published to subscribers.
type Event struct {
	Kind       EventKind
	Status     Status
	Connection ConnectionState
}

// Reply is the payload of a completed exchange: every line received before
// the terminating "ok".
type Reply struct {
	Lines []string
}

// Options configures a Client.
type Options struct {
	Endpoint       string
	Dial           DialFunc
	PollInterval   time.Duration
	CommandTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Log            *logger.Logger
}

// Client owns the Transport. All exchanges go through one mutex so no two
// commands ever interleave on the wire; realtime control bytes take only the
// write lock because the controller handles them out-of-band.
type Client struct {
	opts Options
	log  *logger.Logger

	exchangeMu sync.Mutex // one write+read exchange at a time
	writeMu    sync.Mutex // single writer to the wire

	connMu sync.RWMutex
	conn   Transport
	reader *lineReader

	stateMu sync.RWMutex
	state   ConnectionState

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	pollNudge chan struct{}
	connLost  chan struct{}
}

// NewClient builds a Client; Run must be called to start it.
func NewClient(opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 2 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 30 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		opts: opts,
		log:  log,
		state: ConnectionState{
			Endpoint: opts.Endpoint,
			Liveness: LivenessClosed,
		},
		subs:      make(map[int]chan Event),
		pollNudge: make(chan struct{}, 1),
		connLost:  make(chan struct{}, 1),
	}
}

// Run connects and then alternates between polling and reconnecting until
// the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer c.teardown()
	for {
		if err := c.connect(ctx); err != nil {
			return err
		}
		if err := c.pollLoop(ctx); errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}
		// Link lost; fall through to reconnect.
	}
}

// connect dials until it succeeds, backing off exponentially up to the cap.
// A connection only counts once a status query answers — the first thing
// sent on every fresh link is `?`, so the state machine never resumes on
// stale assumptions.
func (c *Client) connect(ctx context.Context) error {
	backoff := c.opts.BackoffInitial
	for attempt := 1; ; attempt++ {
		t, err := c.opts.Dial(ctx)
		if err == nil {
			rd := newLineReader(t)
			c.drainGreeting(t, rd)
			var st Status
			st, err = c.statusExchange(t, rd)
			if err == nil {
				c.connMu.Lock()
				c.conn = t
				c.reader = rd
				c.connMu.Unlock()
				c.setConnected()
				metrics.IncControllerConnect()
				c.log.Infow("controller_connected", "endpoint", c.opts.Endpoint, "attempt", attempt)
				c.publish(Event{Kind: EventConnected, Connection: c.ConnectionState()})
				c.publish(Event{Kind: EventStatus, Status: st})
				return nil
			}
			t.Close()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		next := time.Now().Add(backoff)
		if c.setRetrying(attempt, err, next) {
			c.publish(Event{Kind: EventDisconnected, Connection: c.ConnectionState()})
		}
		c.log.Warnw("controller_connect_failed",
			"endpoint", c.opts.Endpoint, "attempt", attempt, "retry_in", backoff.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.BackoffMax {
			backoff = c.opts.BackoffMax
		}
	}
}

// pollLoop issues status queries on the poll interval (or sooner when nudged)
// and publishes each report. It returns when the context ends or the link
// drops.
func (c *Client) pollLoop(ctx context.Context) error {
	// A disconnect flagged during the previous poll loop may have left a
	// stale token behind; it must not kill the fresh link.
	select {
	case <-c.connLost:
	default:
	}
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.connLost:
			return ErrDisconnected
		case <-ticker.C:
		case <-c.pollNudge:
		}
		st, err := c.QueryStatus(ctx)
		switch {
		case err == nil:
			c.publish(Event{Kind: EventStatus, Status: st})
		case errors.Is(err, ErrUnavailable), isLinkError(err):
			return err
		default:
			// Malformed report: transient, skip this tick.
			c.log.Warnw("status_poll_failed", "error", err)
		}
	}
}

// Execute sends one command line and reads until the controller terminates
// the reply with "ok", "error:N" or "ALARM:N". The exchange holds exclusive
// transport access for its whole duration; the timeout comes from the context
// deadline when one is set, otherwise from Options.CommandTimeout.
func (c *Client) Execute(ctx context.Context, command string) (Reply, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	t, rd := c.current()
	if t == nil {
		return Reply{}, ErrUnavailable
	}
	timeout := c.opts.CommandTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	start := time.Now()
	if err := c.write(t, []byte(command+"\n")); err != nil {
		metrics.ObserveExchange("disconnect", time.Since(start))
		c.handleDisconnect(err)
		return Reply{}, fmt.Errorf("send %q: %w", command, err)
	}

	deadline := time.Now().Add(timeout)
	var reply Reply
	for {
		line, err := rd.ReadLine(deadline)
		if err != nil {
			metrics.ObserveExchange("disconnect", time.Since(start))
			c.handleDisconnect(err)
			return reply, fmt.Errorf("reply to %q: %w", command, err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "ok" {
			metrics.ObserveExchange("ok", time.Since(start))
			return reply, nil
		}
		if code, ok := ParseErrorLine(line); ok {
			metrics.ObserveExchange("error", time.Since(start))
			return reply, &CommandError{Code: code, Raw: line}
		}
		if code, ok := ParseAlarmLine(line); ok {
			metrics.ObserveExchange("alarm", time.Since(start))
			return reply, &AlarmError{Code: code}
		}
		if IsStatusLine(line) {
			// Unsolicited report; forward it to subscribers.
			if st, perr := ParseStatus(line); perr == nil {
				c.publish(Event{Kind: EventStatus, Status: st})
			}
			continue
		}
		if IsBannerLine(line) {
			c.log.Debugw("controller_banner", "line", line)
			continue
		}
		reply.Lines = append(reply.Lines, line)
	}
}

// QueryStatus performs one status-query exchange and returns the parsed
// report.
func (c *Client) QueryStatus(ctx context.Context) (Status, error) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()

	t, rd := c.current()
	if t == nil {
		return Status{}, ErrUnavailable
	}
	st, err := c.statusExchange(t, rd)
	if err != nil && isLinkError(err) {
		c.handleDisconnect(err)
	}
	return st, err
}

// statusExchange writes `?` and reads lines until a status report arrives.
// One malformed report is retried; a second is surfaced as a ProtocolError.
func (c *Client) statusExchange(t Transport, rd *lineReader) (Status, error) {
	if err := c.write(t, []byte{ByteStatusQuery}); err != nil {
		return Status{}, err
	}
	deadline := time.Now().Add(c.opts.CommandTimeout)
	retried := false
	for {
		line, err := rd.ReadLine(deadline)
		if err != nil {
			return Status{}, err
		}
		line = strings.TrimSpace(line)
		if line == "" || !IsStatusLine(line) {
			continue
		}
		st, perr := ParseStatus(line)
		if perr != nil {
			if !retried {
				retried = true
				continue
			}
			return Status{}, perr
		}
		return st, nil
	}
}

// SendRealtime writes one control byte. It bypasses the exchange lock: the
// controller processes these in its receive interrupt even mid-command, and
// they produce no acknowledgement to read.
func (c *Client) SendRealtime(b byte) error {
	t, _ := c.current()
	if t == nil {
		return ErrUnavailable
	}
	if err := c.write(t, []byte{b}); err != nil {
		c.handleDisconnect(err)
		return err
	}
	c.log.Debugw("realtime_sent", "byte", fmt.Sprintf("0x%02x", b))
	return nil
}

// PollNow asks the poll loop for an immediate status query.
func (c *Client) PollNow() {
	select {
	case c.pollNudge <- struct{}{}:
	default:
	}
}

// Subscribe registers an event channel with the given buffer. Events are
// dropped, not blocked on, when a subscriber lags. The returned func
// unsubscribes.
func (c *Client) Subscribe(buffer int) (<-chan Event, func()) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Event, buffer)
	c.subs[id] = ch
	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if existing, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(existing)
		}
	}
}

// ConnectionState returns a copy of the current link state.
func (c *Client) ConnectionState() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Client) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (c *Client) write(t Transport, p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := t.Write(p)
	return err
}

func (c *Client) current() (Transport, *lineReader) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn, c.reader
}

// drainGreeting wakes the controller and discards whatever it prints on a
// fresh link (boot banner, unlock hints, a stale "ok").
func (c *Client) drainGreeting(t Transport, rd *lineReader) {
	_ = c.write(t, []byte("\r\n"))
	deadline := time.Now().Add(300 * time.Millisecond)
	for {
		line, err := rd.ReadLine(deadline)
		if err != nil {
			return
		}
		if line != "" {
			c.log.Debugw("controller_greeting", "line", line)
		}
	}
}

// handleDisconnect tears the link down once and flags the poll loop. Safe to
// call from any exchange path; duplicate calls are no-ops.
func (c *Client) handleDisconnect(err error) {
	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return
	}
	c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.connMu.Unlock()

	if c.setRetrying(0, err, time.Time{}) {
		c.publish(Event{Kind: EventDisconnected, Connection: c.ConnectionState()})
	}
	c.log.Warnw("controller_link_lost", "endpoint", c.opts.Endpoint, "error", err)
	select {
	case c.connLost <- struct{}{}:
	default:
	}
}

func (c *Client) teardown() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
	c.connMu.Unlock()
	c.stateMu.Lock()
	c.state.Liveness = LivenessClosed
	c.stateMu.Unlock()
}

func (c *Client) setConnected() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = ConnectionState{
		Endpoint: c.opts.Endpoint,
		Liveness: LivenessConnected,
	}
}

// setRetrying records the retry state and reports whether liveness just
// transitioned away from connected (or from the initial closed state).
func (c *Client) setRetrying(attempts int, err error, next time.Time) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	changed := c.state.Liveness != LivenessRetrying
	c.state.Liveness = LivenessRetrying
	c.state.Attempts = attempts
	c.state.NextAttempt = next
	if err != nil {
		c.state.LastError = err.Error()
	}
	return changed
}

func isLinkError(err error) bool {
	return errors.Is(err, ErrDisconnected) || errors.Is(err, ErrReadTimeout)
}
