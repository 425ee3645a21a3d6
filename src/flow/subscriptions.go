package flow

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/prom_metrics"
	"example.com/meter-logger/src/transport"
)

// State of a topic subscription. Values between StateOn and the configured retry limit
// count failed attempts; the limit itself means the subscription failed for good.
type State int

const (
	StateOff     State = 0
	StateOn      State = 1
	StatePending State = 99
	StateSuccess State = 100
)

const DefaultMaxRetries = 5

type subscription struct {
	topic string
	state State // guarded by Subscriptions.mu
	// gen changes on every attempt, disconnect and unsubscribe; guarded by Subscriptions.mu
	gen uint64

	mu    sync.Mutex
	queue [][]byte
}

// Subscriptions tracks the broker subscription of every topic a meter listens on and
// buffers the messages received for it until they are polled with Receive.
type Subscriptions struct {
	tr         transport.Transport
	qos        byte
	maxRetries State
	timeout    time.Duration

	mu      sync.Mutex
	entries map[string]*subscription
}

func NewSubscriptions(tr transport.Transport, qos byte, maxRetries int, timeout time.Duration) *Subscriptions {
	if maxRetries < 2 {
		maxRetries = DefaultMaxRetries
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Subscriptions{
		tr:         tr,
		qos:        qos,
		maxRetries: State(maxRetries),
		timeout:    timeout,
		entries:    make(map[string]*subscription),
	}
}

// Subscribe registers topic. It returns false for an invalid topic or one that is
// already registered. The broker subscription happens on the next Reconcile.
func (s *Subscriptions) Subscribe(topic string) bool {
	if !transport.ValidTopic(topic) {
		logrus.Warnf("subscriptions.Subscribe %q: not a single topic", topic)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[topic]
	if !ok {
		e = &subscription{topic: topic}
		s.entries[topic] = e
	}
	if e.state != StateOff {
		return false
	}
	e.state = StateOn
	return true
}

// Unsubscribe drops topic and everything queued for it.
func (s *Subscriptions) Unsubscribe(ctx context.Context, topic string) {
	s.mu.Lock()
	e, ok := s.entries[topic]
	if !ok {
		s.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateOff
	e.gen++
	s.mu.Unlock()

	e.mu.Lock()
	e.queue = nil
	e.mu.Unlock()

	if prev >= StatePending && s.qos == 0 && s.tr.IsConnected() {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.tr.Unsubscribe(ctx, topic); err != nil {
			logrus.Warnf("subscriptions.Unsubscribe %s: %+v", topic, err)
		}
	}
}

func (s *Subscriptions) wantsAttempt(st State) bool {
	return st >= StateOn && st < s.maxRetries
}

type attempt struct {
	e    *subscription
	prev State
	gen  uint64
}

// caller holds s.mu
func (s *Subscriptions) start(e *subscription) attempt {
	e.gen++
	a := attempt{e: e, prev: e.state, gen: e.gen}
	e.state = StatePending
	return a
}

// Reconcile issues a broker subscribe for every topic not subscribed yet, as long as the
// transport is connected.
func (s *Subscriptions) Reconcile(ctx context.Context) {
	if !s.tr.IsConnected() {
		return
	}

	s.mu.Lock()
	attempts := make([]attempt, 0)
	for _, e := range s.entries {
		if s.wantsAttempt(e.state) {
			attempts = append(attempts, s.start(e))
		}
	}
	s.mu.Unlock()

	for _, a := range attempts {
		s.attempt(ctx, a)
	}
}

func (s *Subscriptions) reconcileTopic(ctx context.Context, topic string) {
	if !s.tr.IsConnected() {
		return
	}

	s.mu.Lock()
	e, ok := s.entries[topic]
	if !ok || !s.wantsAttempt(e.state) {
		s.mu.Unlock()
		return
	}
	a := s.start(e)
	s.mu.Unlock()

	s.attempt(ctx, a)
}

func (s *Subscriptions) attempt(ctx context.Context, a attempt) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.tr.Subscribe(ctx, a.e.topic, s.qos)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	// a disconnect, unsubscribe or newer attempt in between wins
	if a.e.gen != a.gen || a.e.state != StatePending {
		logrus.Debugf("subscriptions.Reconcile %s: stale attempt result ignored", a.e.topic)
		return
	}

	if err == nil {
		a.e.state = StateSuccess
		prom_metrics.Prom_metric.Inc_subscribe("success")
		logrus.Debugf("subscriptions.Reconcile %s: subscribed", a.e.topic)
		return
	}

	prom_metrics.Prom_metric.Inc_subscribe("failure")
	next := a.prev + 1
	if next >= s.maxRetries {
		a.e.state = s.maxRetries
		logrus.Errorf("subscriptions.Reconcile %s: giving up after %d attempts, restart necessary: %+v", a.e.topic, int(s.maxRetries)-1, err)
		return
	}
	a.e.state = next
	logrus.Warnf("subscriptions.Reconcile %s: attempt %d failed: %+v", a.e.topic, int(a.prev), err)
}

// HandleDisconnect moves every active topic back to StateOn so it is subscribed again
// after the next connect.
func (s *Subscriptions) HandleDisconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.state > StateOff {
			e.state = StateOn
			e.gen++
		}
	}
}

// HandleMessage queues payload for topic. Empty messages and messages for unknown or
// switched off topics are dropped.
func (s *Subscriptions) HandleMessage(topic string, payload []byte) bool {
	if len(payload) == 0 {
		prom_metrics.Prom_metric.Inc_inbound("dropped")
		logrus.Tracef("subscriptions.HandleMessage %s: empty payload dropped", topic)
		return false
	}

	s.mu.Lock()
	e, ok := s.entries[topic]
	accept := ok && e.state >= StateOn
	s.mu.Unlock()

	if !accept {
		prom_metrics.Prom_metric.Inc_inbound("dropped")
		logrus.Tracef("subscriptions.HandleMessage %s: dropped", topic)
		return false
	}

	e.mu.Lock()
	e.queue = append(e.queue, payload)
	e.mu.Unlock()
	prom_metrics.Prom_metric.Inc_inbound("accepted")
	return true
}

// Receive returns the messages queued for topic since the last call. It never blocks on
// the broker beyond one subscribe attempt.
func (s *Subscriptions) Receive(ctx context.Context, topic string) [][]byte {
	s.reconcileTopic(ctx, topic)

	s.mu.Lock()
	e, ok := s.entries[topic]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.queue
	e.queue = nil
	return out
}

// State returns the state of topic, StateOff if it is unknown.
func (s *Subscriptions) State(topic string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[topic]; ok {
		return e.state
	}
	return StateOff
}
