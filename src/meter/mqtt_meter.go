package meter

import (
	"context"
	"encoding/json"
	"math"
	"math/big"
	"time"

	"github.com/itchyny/gojq"
	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/config"
	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/prom_metrics"
	"example.com/meter-logger/src/reading"
	"example.com/meter-logger/src/transport"
)

type valueQuery struct {
	path string
	id   reading.StringIdentifier
	code *gojq.Code
}

// MQTTMeter reads json messages of one broker topic. Each value query yields one reading
// per message, tagged with the last key of its path.
type MQTTMeter struct {
	name         string
	subscription string
	values       []valueQuery
	timeQuery    *gojq.Code
	seconds      bool
	useLocalTime bool
	filter       *gojq.Code

	subs    Subscriber
	open    bool
	pending [][]byte

	now func() time.Time
	log *logrus.Entry
}

func NewMQTTMeter(name string, cfg *config.MQTTMeter, subs Subscriber) (*MQTTMeter, error) {
	if !transport.ValidTopic(cfg.Subscription) {
		return nil, errs.New(errs.Configuration, "meter.NewMQTTMeter", "%s: subscription %q must name a single topic", name, cfg.Subscription)
	}

	m := &MQTTMeter{
		name:         name,
		subscription: cfg.Subscription,
		useLocalTime: cfg.UseLocalTime,
		subs:         subs,
		now:          time.Now,
		log:          logrus.WithFields(logrus.Fields{"meter": name, "topic": cfg.Subscription}),
	}

	queries := cfg.Queries()
	if len(queries) == 0 {
		return nil, errs.New(errs.Configuration, "meter.NewMQTTMeter", "%s: data_query_value(s) missing", name)
	}
	for _, path := range queries {
		query, id, err := translatePath(path)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, errs.New(errs.Configuration, "meter.NewMQTTMeter", "%s: data query %q names no key", name, path)
		}
		code, err := compileJQ(query)
		if err != nil {
			return nil, errs.Wrap(errs.Configuration, "meter.NewMQTTMeter", err)
		}
		m.values = append(m.values, valueQuery{path: path, id: reading.StringIdentifier(id), code: code})
	}

	if cfg.DataQueryTime == "" {
		m.useLocalTime = true
	} else {
		query, _, err := translatePath(cfg.DataQueryTime)
		if err != nil {
			return nil, err
		}
		if m.timeQuery, err = compileJQ(query); err != nil {
			return nil, errs.Wrap(errs.Configuration, "meter.NewMQTTMeter", err)
		}
	}

	switch cfg.TimeUnit {
	case "", "ms":
	case "s":
		m.seconds = true
	default:
		return nil, errs.New(errs.Configuration, "meter.NewMQTTMeter", "%s: only time_unit 's' or 'ms' are supported, got %q", name, cfg.TimeUnit)
	}

	if cfg.DataFilter != "" {
		code, err := compileJQ(cfg.DataFilter, withCompiledTest())
		if err != nil {
			return nil, errs.Wrap(errs.Configuration, "meter.NewMQTTMeter", err)
		}
		m.filter = code
	}

	m.log.Infof("mqtt meter initialized with %d value queries", len(m.values))
	return m, nil
}

func (m *MQTTMeter) Name() string { return m.name }

func (m *MQTTMeter) Open(ctx context.Context) error {
	if !m.subs.Subscribe(m.subscription) {
		return errs.New(errs.InvalidState, "meter.Open", "%s: subscribe %s failed", m.name, m.subscription)
	}
	m.open = true
	return nil
}

func (m *MQTTMeter) Close() error {
	if m.open {
		m.subs.Unsubscribe(context.Background(), m.subscription)
	}
	m.open = false
	m.pending = nil
	return nil
}

// Read parses the messages received since the last call. Messages that do not fit into
// buf any more are kept for the next call.
func (m *MQTTMeter) Read(ctx context.Context, buf []reading.Reading) int {
	if !m.open {
		return 0
	}

	data := m.pending
	m.pending = nil
	data = append(data, m.subs.Receive(ctx, m.subscription)...)

	pos := 0
	for i, msg := range data {
		if pos >= len(buf) {
			m.pending = data[i:]
			m.log.Warnf("mqtt meter read buffer full, %d messages queued again", len(m.pending))
			break
		}
		pos += m.parse(msg, buf[pos:])
	}

	prom_metrics.Prom_metric.Inc_readings(m.name, pos)
	return pos
}

// parse writes the readings of msg to buf and returns their number.
func (m *MQTTMeter) parse(msg []byte, buf []reading.Reading) int {
	var doc any
	if err := json.Unmarshal(msg, &doc); err != nil {
		m.log.Debugf("mqtt meter unmarshal: %+v", err)
		return 0
	}

	if m.filter != nil && !m.accepted(doc) {
		m.log.Tracef("mqtt meter filtered: %s", msg)
		return 0
	}

	var ts time.Time
	tsValid := false
	n := 0
	for _, q := range m.values {
		if n >= len(buf) {
			break
		}
		v, ok := number(first(q.code, doc))
		if !ok {
			m.log.Tracef("mqtt meter value %s not found in %s", q.path, msg)
			continue
		}

		if !tsValid {
			ts, tsValid = m.timestamp(doc)
			if !tsValid {
				m.log.Tracef("mqtt meter time not found in %s", msg)
				break
			}
		}

		buf[n] = reading.New(q.id, ts, v)
		n++
	}
	return n
}

func (m *MQTTMeter) accepted(doc any) bool {
	v := first(m.filter, doc)
	if err, ok := v.(error); ok {
		m.log.Debugf("mqtt meter data_filter: %+v", err)
		return false
	}
	return v != nil && v != false
}

func (m *MQTTMeter) timestamp(doc any) (time.Time, bool) {
	if m.useLocalTime {
		return m.now(), true
	}
	v, ok := number(first(m.timeQuery, doc))
	if !ok {
		return time.Time{}, false
	}
	t := int64(v)
	if m.seconds {
		return time.Unix(t, 0), true
	}
	return time.UnixMilli(t), true
}

func first(code *gojq.Code, doc any) any {
	iter := code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil
	}
	return v
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case float64:
		if math.IsNaN(n) {
			return 0, false
		}
		return n, true
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	default:
		return 0, false
	}
}
