package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsar_log "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/errs"
)

type PulsarOptions struct {
	URL                     string
	TrustCertsFile          string
	CertFile                string
	KeyFile                 string
	AllowInsecureConnection bool

	// SubscriptionName is shared by the consumers of all subscribed topics.
	SubscriptionName string
	ProducerName     string
	ReceiverQueue    int
}

type pulsarConsumer struct {
	consumer pulsar.Consumer
	stop     chan struct{}
}

// Pulsar is a Transport on top of a pulsar client. The client reconnects by itself, so
// Connected is reported once the client is created and Disconnected on Close.
type Pulsar struct {
	opts   PulsarOptions
	client pulsar.Client

	connected atomic.Bool

	mu        sync.Mutex
	handler   Handler
	consumers map[string]*pulsarConsumer
	producers map[string]pulsar.Producer

	wg  sync.WaitGroup
	log *logrus.Entry
}

func NewPulsar(opts PulsarOptions) (*Pulsar, error) {
	if opts.URL == "" {
		return nil, errs.New(errs.Configuration, "transport.NewPulsar", "pulsar url is missing")
	}
	if opts.SubscriptionName == "" {
		opts.SubscriptionName = "meter-logger"
	}
	if opts.ReceiverQueue <= 0 {
		opts.ReceiverQueue = 1000
	}
	return &Pulsar{
		opts:      opts,
		consumers: make(map[string]*pulsarConsumer),
		producers: make(map[string]pulsar.Producer),
		log:       logrus.WithFields(logrus.Fields{"transport": "pulsar"}),
	}, nil
}

func (p *Pulsar) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *Pulsar) emit(ev Event) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h.HandleEvent(ev)
	}
}

func (p *Pulsar) IsConnected() bool { return p.connected.Load() }

func (p *Pulsar) Connect(ctx context.Context) error {
	var auth pulsar.Authentication
	if len(p.opts.CertFile) > 0 || len(p.opts.KeyFile) > 0 {
		auth = pulsar.NewAuthenticationTLS(p.opts.CertFile, p.opts.KeyFile)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	log.SetLevel(logrus.GetLevel())

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        p.opts.URL,
		TLSAllowInsecureConnection: p.opts.AllowInsecureConnection,
		Authentication:             auth,
		TLSTrustCertsFilePath:      p.opts.TrustCertsFile,
		Logger:                     pulsar_log.NewLoggerWithLogrus(log),
	})
	if err != nil {
		return errs.Wrap(errs.Transport, "pulsar.Connect", err)
	}
	p.client = client

	p.connected.Store(true)
	p.emit(Event{Kind: Connected})
	return nil
}

func (p *Pulsar) Close() error {
	p.mu.Lock()
	for topic, c := range p.consumers {
		close(c.stop)
		c.consumer.Close()
		delete(p.consumers, topic)
	}
	for topic, producer := range p.producers {
		producer.Close()
		delete(p.producers, topic)
	}
	p.mu.Unlock()

	p.wg.Wait()
	if p.client != nil {
		p.client.Close()
	}
	if p.connected.CompareAndSwap(true, false) {
		p.emit(Event{Kind: Disconnected})
	}
	return nil
}

func (p *Pulsar) Subscribe(ctx context.Context, topic string, qos byte) error {
	if !p.connected.Load() {
		return errs.New(errs.InvalidState, "pulsar.Subscribe", "not connected")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.consumers[topic]; ok {
		return nil
	}

	msgs := make(chan pulsar.ConsumerMessage, p.opts.ReceiverQueue)
	consumer, err := p.client.Subscribe(pulsar.ConsumerOptions{
		Topic:                       topic,
		SubscriptionName:            p.opts.SubscriptionName,
		Type:                        pulsar.Exclusive,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionLatest,
		MessageChannel:              msgs,
		ReceiverQueueSize:           p.opts.ReceiverQueue,
	})
	if err != nil {
		return transportErr("pulsar.Subscribe", topic, err)
	}

	c := &pulsarConsumer{consumer: consumer, stop: make(chan struct{})}
	p.consumers[topic] = c

	p.wg.Add(1)
	go p.consume(topic, c, msgs)
	return nil
}

func (p *Pulsar) consume(topic string, c *pulsarConsumer, msgs <-chan pulsar.ConsumerMessage) {
	defer p.wg.Done()
	for {
		select {
		case msg := <-msgs:
			p.emit(Event{Kind: Message, Topic: topic, Payload: msg.Payload()})
			if err := c.consumer.Ack(msg); err != nil {
				p.log.Warnf("pulsar ack %s: %+v", topic, err)
			}
		case <-c.stop:
			return
		}
	}
}

func (p *Pulsar) Unsubscribe(ctx context.Context, topic string) error {
	p.mu.Lock()
	c, ok := p.consumers[topic]
	delete(p.consumers, topic)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	close(c.stop)
	err := c.consumer.Unsubscribe()
	c.consumer.Close()
	if err != nil {
		return transportErr("pulsar.Unsubscribe", topic, err)
	}
	return nil
}

func (p *Pulsar) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !p.connected.Load() {
		return errs.New(errs.InvalidState, "pulsar.Publish", "not connected")
	}

	producer, err := p.producer(topic)
	if err != nil {
		return transportErr("pulsar.Publish", topic, err)
	}
	if _, err := producer.Send(ctx, &pulsar.ProducerMessage{Payload: payload}); err != nil {
		return transportErr("pulsar.Publish", topic, err)
	}
	return nil
}

func (p *Pulsar) producer(topic string) (pulsar.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if producer, ok := p.producers[topic]; ok {
		return producer, nil
	}
	opts := pulsar.ProducerOptions{Topic: topic}
	if p.opts.ProducerName != "" {
		opts.Name = p.opts.ProducerName + "-" + topic
	}
	producer, err := p.client.CreateProducer(opts)
	if err != nil {
		return nil, err
	}
	p.producers[topic] = producer
	return producer, nil
}
