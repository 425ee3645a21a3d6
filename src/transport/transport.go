// Package transport connects the pipeline to a publish/subscribe broker.
//
// A Transport reports connection changes and inbound messages as Events to its Handler.
// Subscribe, Unsubscribe and Publish are synchronous and return an error on failure; the
// caller decides about retries.
package transport

import (
	"context"
	"fmt"
	"strings"

	"example.com/meter-logger/src/errs"
)

type EventKind int

const (
	Connected EventKind = iota
	Disconnected
	Message
)

func (k EventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Message:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind    EventKind
	Topic   string
	Payload []byte
}

// Handler receives transport events. It is called from the transport's goroutines and
// must not block for long.
type Handler interface {
	HandleEvent(ev Event)
}

type Transport interface {
	// SetHandler must be called before Connect.
	SetHandler(h Handler)
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	Subscribe(ctx context.Context, topic string, qos byte) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// ValidTopic reports whether topic names exactly one topic, i.e. is not empty and has no
// wildcards.
func ValidTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "#+")
}

func transportErr(op string, topic string, err error) error {
	return errs.Wrap(errs.Transport, op, fmt.Errorf("%s: %w", topic, err))
}
