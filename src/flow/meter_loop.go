package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/calc"
	"example.com/meter-logger/src/config"
	"example.com/meter-logger/src/meter"
	"example.com/meter-logger/src/prom_metrics"
	"example.com/meter-logger/src/reading"
	"example.com/meter-logger/src/store"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, rd reading.Reading) error
	PublishGrouped(ctx context.Context, group string, member string, rd reading.Reading) error
}

// MeterLoop polls one meter, runs its calculations and publishes the configured channels.
type MeterLoop struct {
	meter    meter.Meter
	interval time.Duration
	channels []config.Channel
	calcs    []*calc.Calculation

	pub   Publisher
	state store.Store

	buf []reading.Reading
	log *logrus.Entry
}

// NewMeterLoop builds the calculations of cfg. state may be nil.
func NewMeterLoop(m meter.Meter, cfg *config.Meter, pub Publisher, state store.Store, bufSize int) (*MeterLoop, error) {
	if bufSize <= 0 {
		bufSize = 128
	}
	l := &MeterLoop{
		meter:    m,
		interval: cfg.Interval,
		channels: cfg.Channels,
		pub:      pub,
		state:    state,
		buf:      make([]reading.Reading, bufSize),
		log:      logrus.WithFields(logrus.Fields{"meter": cfg.Name}),
	}
	if l.interval <= 0 {
		l.interval = config.DefaultInterval
	}
	for i := range cfg.Calculations {
		c, err := cfg.Calculations[i].Build(cfg.Name)
		if err != nil {
			return nil, err
		}
		l.calcs = append(l.calcs, c)
	}
	l.restore()
	return l, nil
}

func (l *MeterLoop) calcKey(c *calc.Calculation) string {
	return fmt.Sprintf("calc/%s/%s", l.meter.Name(), c.Output())
}

func (l *MeterLoop) restore() {
	if l.state == nil {
		return
	}
	for _, c := range l.calcs {
		if c.Operation() != calc.Derivation {
			continue
		}
		var s calc.Sample
		found, err := l.state.Load(l.calcKey(c), &s)
		if err != nil {
			l.log.Warnf("meter loop restore %s: %+v", c.Output(), err)
			continue
		}
		if found {
			c.RestorePendingSample(s)
			l.log.Debugf("meter loop restored pending sample of %s at %s", c.Output(), s.Time)
		}
	}
}

func (l *MeterLoop) persist() {
	if l.state == nil {
		return
	}
	for _, c := range l.calcs {
		if s, ok := c.PendingSample(); ok {
			if err := l.state.Save(l.calcKey(c), s); err != nil {
				l.log.Warnf("meter loop persist %s: %+v", c.Output(), err)
			}
		}
	}
}

// Run polls the meter every interval until ctx is done.
func (l *MeterLoop) Run(ctx context.Context) error {
	if err := l.meter.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.meter.Close(); err != nil {
			l.log.Warnf("meter loop close: %+v", err)
		}
	}()

	tick := time.NewTicker(l.interval)
	defer tick.Stop()
	logTick := time.NewTicker(time.Minute)
	defer logTick.Stop()

	var nRead float64
	lastInstant := time.Now()

	for {
		select {
		case <-ctx.Done():
			l.persist()
			return nil

		case <-tick.C:
			nRead += float64(l.Poll(ctx))

		case <-logTick.C:
			since := time.Since(lastInstant)
			lastInstant = time.Now()
			l.log.Infof("Read rate: %.3f readings/s", nRead/since.Seconds())
			nRead = 0
		}
	}
}

// Poll runs one read, calculate and publish cycle and returns the number of readings
// handled, calculated ones included.
func (l *MeterLoop) Poll(ctx context.Context) int {
	start := time.Now()

	n := l.meter.Read(ctx, l.buf)
	if len(l.calcs) > 0 {
		n += calc.Calculate(l.calcs, l.buf, n)
		l.persist()
	}

	for i := 0; i < n; i++ {
		l.publish(ctx, l.buf[i])
	}

	prom_metrics.Prom_metric.Observe_poll_time(time.Since(start))
	return n
}

func (l *MeterLoop) publish(ctx context.Context, rd reading.Reading) {
	for i := range l.channels {
		ch := &l.channels[i]
		if !reading.Same(ch.ReadingIdentifier(), rd.Identifier) {
			continue
		}
		if ch.Publishes() {
			if err := l.pub.Publish(ctx, ch.Topic(), rd); err != nil {
				l.log.Tracef("meter loop publish %s: %+v", ch.Topic(), err)
			}
		}
		if ch.Aggregates() {
			if err := l.pub.PublishGrouped(ctx, ch.GroupKey, ch.GroupName, rd); err != nil {
				l.log.Tracef("meter loop publish group %s: %+v", ch.GroupKey, err)
			}
		}
	}
}
