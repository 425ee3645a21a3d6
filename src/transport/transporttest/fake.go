// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"example.com/meter-logger/src/transport"
)

var ErrInjected = errors.New("injected transport failure")

type Published struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Fake records every call. Failures are injected per topic with FailSubscribe and
// FailPublish; a negative count fails forever.
type Fake struct {
	mu        sync.Mutex
	handler   transport.Handler
	connected bool

	subscribes   []string
	unsubscribes []string
	published    []Published

	failSubscribe map[string]int
	failPublish   map[string]int
}

var _ transport.Transport = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		failSubscribe: make(map[string]int),
		failPublish:   make(map[string]int),
	}
}

func (f *Fake) SetHandler(h transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *Fake) emit(ev transport.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.HandleEvent(ev)
	}
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.emit(transport.Event{Kind: transport.Connected})
	return nil
}

// Drop simulates a lost connection.
func (f *Fake) Drop() {
	f.mu.Lock()
	was := f.connected
	f.connected = false
	f.mu.Unlock()
	if was {
		f.emit(transport.Event{Kind: transport.Disconnected})
	}
}

func (f *Fake) Close() error {
	f.Drop()
	return nil
}

func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Deliver hands an inbound message to the handler as the broker would.
func (f *Fake) Deliver(topic string, payload []byte) {
	f.emit(transport.Event{Kind: transport.Message, Topic: topic, Payload: payload})
}

func (f *Fake) FailSubscribe(topic string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSubscribe[topic] = n
}

func (f *Fake) FailPublish(topic string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPublish[topic] = n
}

func fail(counts map[string]int, topic string) bool {
	n, ok := counts[topic]
	if !ok || n == 0 {
		return false
	}
	if n > 0 {
		counts[topic] = n - 1
	}
	return true
}

func (f *Fake) Subscribe(ctx context.Context, topic string, qos byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, topic)
	if !f.connected || fail(f.failSubscribe, topic) {
		return ErrInjected
	}
	return nil
}

func (f *Fake) Unsubscribe(ctx context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, topic)
	return nil
}

func (f *Fake) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected || fail(f.failPublish, topic) {
		return ErrInjected
	}
	f.published = append(f.published, Published{
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	})
	return nil
}

func (f *Fake) Subscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribes...)
}

func (f *Fake) Unsubscribes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribes...)
}

func (f *Fake) Published() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Published(nil), f.published...)
}
