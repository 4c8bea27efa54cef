// Package notify pushes door transition notices to subscribed browsers over
// Web Push. It listens to the door status stream and fans sends out over a
// small worker pool so a slow push endpoint never backs up the door loop.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/SherClockHolmes/webpush-go"

	cd "controlling_door"
	"controlling_door/internal/logger"
	"controlling_door/internal/repository"
)

// Sender sends one web push message. The indirection exists for tests.
type Sender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real Sender.
type WebPushSender struct{}

func (WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// StatusStream is the slice of the door service the notifier needs.
type StatusStream interface {
	Subscribe(buffer int) (<-chan cd.DoorStatus, func())
}

type Options struct {
	Door          StatusStream
	Subscriptions repository.Subscriptions
	WebPush       *webpush.Options
	Workers       int
	Log           *logger.Logger
	Sender        Sender
}

type job struct {
	sub     cd.PushSubscription
	payload []byte
}

type Notifier struct {
	door    StatusStream
	subs    repository.Subscriptions
	webpush *webpush.Options
	workers int
	log     *logger.Logger
	sender  Sender
}

func New(opts Options) *Notifier {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.Sender == nil {
		opts.Sender = WebPushSender{}
	}
	return &Notifier{
		door:    opts.Door,
		subs:    opts.Subscriptions,
		webpush: opts.WebPush,
		workers: opts.Workers,
		log:     opts.Log,
		sender:  opts.Sender,
	}
}

// notice is the JSON payload a service worker receives.
type notice struct {
	Title      string  `json:"title"`
	Body       string  `json:"body"`
	State      string  `json:"state"`
	PositionMM float64 `json:"position_mm"`
}

// Run consumes the status stream until the context is cancelled. Only
// transitions into a settled or supervisory state notify; position frames
// streamed during motion do not.
func (n *Notifier) Run(ctx context.Context) error {
	frames, unsub := n.door.Subscribe(16)
	defer unsub()

	jobs := make(chan job, n.workers*2)
	var wg sync.WaitGroup
	for i := 0; i < n.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.worker(ctx, jobs)
		}()
	}
	defer wg.Wait()
	defer close(jobs)

	var last cd.DoorPhase
	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st, ok := <-frames:
			if !ok {
				return nil
			}
			if st.State == last {
				continue
			}
			prev := last
			last = st.State
			if first {
				// The snapshot replayed at startup is not a transition.
				first = false
				continue
			}
			if msg, notable := describe(prev, st); notable {
				n.dispatch(ctx, jobs, msg)
			}
		}
	}
}

// describe turns a transition into a user-facing notice. Only arrivals at
// the endpoints and entries into Alarm or Fault are worth a push.
func describe(prev cd.DoorPhase, st cd.DoorStatus) (notice, bool) {
	switch st.State {
	case cd.PhaseOpen:
		return notice{Title: "Door open", Body: "The door is fully open.", State: string(st.State), PositionMM: st.PositionMM}, true
	case cd.PhaseClosed:
		if prev == cd.PhasePending || prev == cd.PhaseHoming {
			// Homing completions are routine.
			return notice{}, false
		}
		return notice{Title: "Door closed", Body: "The door is fully closed.", State: string(st.State), PositionMM: st.PositionMM}, true
	case cd.PhaseAlarm:
		body := "The motion controller raised an alarm."
		if st.Alarm != nil {
			body = fmt.Sprintf("Controller alarm %d: %s", st.Alarm.Code, st.Alarm.Description)
		}
		return notice{Title: "Door alarm", Body: body, State: string(st.State), PositionMM: st.PositionMM}, true
	case cd.PhaseFault:
		body := "The door controller link is down."
		if st.Fault != "" {
			body = st.Fault
		}
		return notice{Title: "Door fault", Body: body, State: string(st.State), PositionMM: st.PositionMM}, true
	}
	return notice{}, false
}

func (n *Notifier) dispatch(ctx context.Context, jobs chan<- job, msg notice) {
	payload, err := json.Marshal(msg)
	if err != nil {
		n.log.Errorw("push_payload_marshal_failed", "error", err)
		return
	}
	subs, err := n.subs.List(ctx)
	if err != nil {
		n.log.Errorw("push_subscriptions_list_failed", "error", err)
		return
	}
	for _, sub := range subs {
		select {
		case jobs <- job{sub: sub, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) worker(ctx context.Context, jobs <-chan job) {
	for j := range jobs {
		n.send(ctx, j)
	}
}

func (n *Notifier) send(ctx context.Context, j job) {
	wpSub := &webpush.Subscription{
		Endpoint: j.sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: j.sub.P256DH,
			Auth:   j.sub.Auth,
		},
	}
	resp, err := n.sender.Send(j.payload, wpSub, n.webpush)
	if err != nil {
		n.log.Errorw("push_send_failed", "endpoint", j.sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	// Gone endpoints are pruned so they stop costing a request per event.
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		n.log.Infow("push_subscription_expired", "endpoint", j.sub.Endpoint)
		if err := n.subs.Delete(ctx, j.sub.Endpoint); err != nil {
			n.log.Errorw("push_subscription_delete_failed", "endpoint", j.sub.Endpoint, "error", err)
		}
	}
}
