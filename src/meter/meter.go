// Package meter reads raw readings from the configured devices.
package meter

import (
	"context"

	"example.com/meter-logger/src/config"
	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/reading"
)

// Meter is polled by a single goroutine.
type Meter interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	// Read fills buf from the start and returns the number of readings written.
	Read(ctx context.Context, buf []reading.Reading) int
}

// Subscriber is the part of the broker client an mqtt meter needs.
type Subscriber interface {
	Subscribe(topic string) bool
	Unsubscribe(ctx context.Context, topic string)
	Receive(ctx context.Context, topic string) [][]byte
}

// New creates the meter described by cfg. subs is required for mqtt meters.
func New(cfg *config.Meter, subs Subscriber) (Meter, error) {
	switch cfg.Protocol {
	case config.ProtocolMQTT:
		if subs == nil {
			return nil, errs.New(errs.Configuration, "meter.New", "%s: mqtt meter needs broker subscriptions", cfg.Name)
		}
		return NewMQTTMeter(cfg.Name, cfg.MQTT, subs)
	case config.ProtocolModbus:
		return NewModbusMeter(cfg.Name, cfg.Modbus)
	default:
		return nil, errs.New(errs.Configuration, "meter.New", "%s: unknown protocol %q", cfg.Name, cfg.Protocol)
	}
}
