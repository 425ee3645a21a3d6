package flow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/prom_metrics"
	"example.com/meter-logger/src/reading"
	"example.com/meter-logger/src/store"
	"example.com/meter-logger/src/transport"
)

type ClientOptions struct {
	// Prefix is prepended to every published topic.
	Prefix  string
	QoS     byte
	Retain  bool
	Timeout time.Duration

	// Subscriptions enables inbound topics for mqtt meters.
	Subscriptions bool
	SubscribeQoS  byte
	MaxRetries    int
}

// Client publishes readings over a transport and, when enabled, keeps the subscriptions
// of mqtt meters. It is the transport's event handler.
type Client struct {
	tr   transport.Transport
	opts ClientOptions

	subs *Subscriptions
	agg  *Aggregator

	ctx context.Context
	wg  sync.WaitGroup
	log *logrus.Entry
}

// NewClient registers the client as handler of tr. ctx bounds the background reconcile
// that runs after every connect.
func NewClient(ctx context.Context, tr transport.Transport, opts ClientOptions, state store.Store) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	c := &Client{
		tr:   tr,
		opts: opts,
		agg:  NewAggregator(tr, opts.Prefix, opts.QoS, opts.Retain, opts.Timeout, state),
		ctx:  ctx,
		log:  logrus.WithFields(logrus.Fields{"client": "publish"}),
	}
	if opts.Subscriptions {
		c.subs = NewSubscriptions(tr, opts.SubscribeQoS, opts.MaxRetries, opts.Timeout)
	}
	tr.SetHandler(c)
	return c
}

// Subscriptions is nil when inbound topics are disabled.
func (c *Client) Subscriptions() *Subscriptions { return c.subs }

func (c *Client) Aggregator() *Aggregator { return c.agg }

func (c *Client) HandleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.Connected:
		c.log.Infof("client connected")
		if c.subs != nil {
			// the transport callback must not wait for subscribe acks
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.subs.Reconcile(c.ctx)
			}()
		}
	case transport.Disconnected:
		c.log.Warnf("client disconnected")
		if c.subs != nil {
			c.subs.HandleDisconnect()
		}
	case transport.Message:
		if c.subs != nil {
			c.subs.HandleMessage(ev.Topic, ev.Payload)
		} else {
			prom_metrics.Prom_metric.Inc_inbound("dropped")
		}
	}
}

type rawPayload struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Publish sends a single reading to prefix+topic.
func (c *Client) Publish(ctx context.Context, topic string, rd reading.Reading) error {
	payload, err := json.Marshal(rawPayload{Timestamp: rd.Millis(), Value: rd.Value})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	if err := c.tr.Publish(ctx, c.opts.Prefix+topic, payload, c.opts.QoS, c.opts.Retain); err != nil {
		prom_metrics.Prom_metric.Inc_published("raw", "failure")
		c.log.Debugf("client publish %s: %+v", topic, err)
		return err
	}
	prom_metrics.Prom_metric.Inc_published("raw", "success")
	return nil
}

// PublishGrouped records the reading as member of group and publishes the group.
func (c *Client) PublishGrouped(ctx context.Context, group string, member string, rd reading.Reading) error {
	return c.agg.PublishGrouped(ctx, group, member, rd.Value, rd.Time)
}

// Wait blocks until background reconciles are done.
func (c *Client) Wait() { c.wg.Wait() }
