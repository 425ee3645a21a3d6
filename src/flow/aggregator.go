package flow

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/prom_metrics"
	"example.com/meter-logger/src/store"
	"example.com/meter-logger/src/transport"
)

// GroupSnapshot is the last known value of every member of a group.
type GroupSnapshot struct {
	Timestamp int64              `json:"timestamp"`
	Members   map[string]float64 `json:"members"`
}

type group struct {
	topic    string
	snapshot GroupSnapshot
}

// Aggregator publishes the members of a group as one json object on prefix+group key.
type Aggregator struct {
	tr      transport.Transport
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
	state   store.Store

	mu     sync.Mutex
	groups map[string]*group
}

// NewAggregator returns an Aggregator. state may be nil, otherwise group snapshots are
// saved to it and restored from it on first use of a group.
func NewAggregator(tr transport.Transport, prefix string, qos byte, retain bool, timeout time.Duration, state store.Store) *Aggregator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Aggregator{
		tr:      tr,
		prefix:  prefix,
		qos:     qos,
		retain:  retain,
		timeout: timeout,
		state:   state,
		groups:  make(map[string]*group),
	}
}

func groupStoreKey(groupKey string) string { return "group/" + groupKey }

// caller holds agg.mu
func (agg *Aggregator) group(groupKey string) *group {
	if g, ok := agg.groups[groupKey]; ok {
		return g
	}

	g := &group{
		topic:    agg.prefix + groupKey,
		snapshot: GroupSnapshot{Members: make(map[string]float64)},
	}
	if agg.state != nil {
		var restored GroupSnapshot
		found, err := agg.state.Load(groupStoreKey(groupKey), &restored)
		if err != nil {
			logrus.Warnf("aggregator restore %s: %+v", groupKey, err)
		} else if found && restored.Members != nil {
			g.snapshot = restored
		}
	}
	agg.groups[groupKey] = g
	return g
}

// Payload renders a snapshot as published: the members plus the timestamp in ms.
func (s GroupSnapshot) Payload() ([]byte, error) {
	obj := make(map[string]any, len(s.Members)+1)
	for member, value := range s.Members {
		obj[member] = value
	}
	obj["timestamp"] = s.Timestamp
	return json.Marshal(obj)
}

// PublishGrouped records value for member and publishes the whole group. A failed
// publish is logged and returned, the recorded value stays.
func (agg *Aggregator) PublishGrouped(ctx context.Context, groupKey string, member string, value float64, ts time.Time) error {
	if groupKey == "" {
		return errs.New(errs.InvalidState, "aggregator.PublishGrouped", "empty group key")
	}

	agg.mu.Lock()
	g := agg.group(groupKey)
	g.snapshot.Timestamp = ts.UnixMilli()
	g.snapshot.Members[member] = value
	topic := g.topic
	snapshot := GroupSnapshot{Timestamp: g.snapshot.Timestamp, Members: maps.Clone(g.snapshot.Members)}
	agg.mu.Unlock()

	if agg.state != nil {
		if err := agg.state.Save(groupStoreKey(groupKey), snapshot); err != nil {
			logrus.Warnf("aggregator save %s: %+v", groupKey, err)
		}
	}

	payload, err := snapshot.Payload()
	if err != nil {
		return errs.Wrap(errs.InvalidState, "aggregator.PublishGrouped", err)
	}
	logrus.Tracef("aggregator publish group %s=%s", topic, payload)

	ctx, cancel := context.WithTimeout(ctx, agg.timeout)
	defer cancel()
	if err := agg.tr.Publish(ctx, topic, payload, agg.qos, agg.retain); err != nil {
		prom_metrics.Prom_metric.Inc_published("group", "failure")
		logrus.Warnf("aggregator publish %s: %+v", topic, err)
		return err
	}
	prom_metrics.Prom_metric.Inc_published("group", "success")
	return nil
}
