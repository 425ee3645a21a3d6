package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/errs"
)

type MQTTOptions struct {
	URL      string
	ClientID string
	Username string
	Password string

	CAFile   string
	CertFile string
	KeyFile  string
	Insecure bool

	KeepAlive             uint16
	CleanStart            bool
	SessionExpiryInterval uint32
	ConnectTimeout        time.Duration
	ReconnectDelay        time.Duration
}

// MQTT is a Transport on top of an auto reconnecting paho connection.
type MQTT struct {
	opts MQTTOptions

	cm        atomic.Pointer[autopaho.ConnectionManager]
	connected atomic.Bool

	mu      sync.RWMutex
	handler Handler

	log *logrus.Entry
}

func NewMQTT(opts MQTTOptions) (*MQTT, error) {
	if opts.URL == "" {
		return nil, errs.New(errs.Configuration, "transport.NewMQTT", "broker url is missing")
	}
	if opts.ClientID == "" {
		opts.ClientID = "meter-logger-" + uuid.NewString()
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 10
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 5 * time.Second
	}

	return &MQTT{
		opts: opts,
		log:  logrus.WithFields(logrus.Fields{"transport": "mqtt", "client_id": opts.ClientID}),
	}, nil
}

func (m *MQTT) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *MQTT) emit(ev Event) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h != nil {
		h.HandleEvent(ev)
	}
}

func (m *MQTT) IsConnected() bool { return m.connected.Load() }

// Connect starts the connection manager and waits until the first connection is up or
// ctx is done. The manager keeps reconnecting in the background.
func (m *MQTT) Connect(ctx context.Context) error {
	server, err := url.Parse(m.opts.URL)
	if err != nil {
		return errs.Wrap(errs.Configuration, "mqtt.Connect", err)
	}

	tlsCfg, err := m.tlsConfig()
	if err != nil {
		return errs.Wrap(errs.Configuration, "mqtt.Connect", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{server},
		TlsCfg:                        tlsCfg,
		KeepAlive:                     m.opts.KeepAlive,
		CleanStartOnInitialConnection: m.opts.CleanStart,
		SessionExpiryInterval:         m.opts.SessionExpiryInterval,
		ConnectTimeout:                m.opts.ConnectTimeout,
		ConnectRetryDelay:             m.opts.ReconnectDelay,
		ConnectUsername:               m.opts.Username,
		ConnectPassword:               []byte(m.opts.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, connack *paho.Connack) {
			m.cm.Store(cm)
			m.log.Infof("connected to %s (session present: %t)", server.Host, connack.SessionPresent)
			m.connected.Store(true)
			m.emit(Event{Kind: Connected})
		},
		OnConnectError: func(err error) {
			m.log.Warnf("mqtt connect: %+v", err)
		},
		Errors:     m.log.WithField("source", "autopaho"),
		PahoErrors: m.log.WithField("source", "paho"),
		ClientConfig: paho.ClientConfig{
			ClientID: m.opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					m.emit(Event{Kind: Message, Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
					return true, nil
				},
			},
			OnClientError: func(err error) {
				m.log.Warnf("mqtt client error: %+v", err)
				m.lost()
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				m.log.Warnf("mqtt server disconnect, reason code %d", d.ReasonCode)
				m.lost()
			},
		},
	}
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		cfg.Debug = m.log.WithField("source", "autopaho")
		cfg.PahoDebug = m.log.WithField("source", "paho")
	}

	cm, err := autopaho.NewConnection(context.Background(), cfg)
	if err != nil {
		return errs.Wrap(errs.Transport, "mqtt.Connect", err)
	}
	m.cm.Store(cm)

	if err := cm.AwaitConnection(ctx); err != nil {
		return errs.Wrap(errs.Transport, "mqtt.Connect", err)
	}
	return nil
}

func (m *MQTT) lost() {
	if m.connected.CompareAndSwap(true, false) {
		m.emit(Event{Kind: Disconnected})
	}
}

func (m *MQTT) Close() error {
	cm := m.cm.Load()
	if cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()

	err := cm.Disconnect(ctx)
	m.lost()
	if err != nil {
		return errs.Wrap(errs.Transport, "mqtt.Close", err)
	}
	return nil
}

func (m *MQTT) Subscribe(ctx context.Context, topic string, qos byte) error {
	cm := m.cm.Load()
	if cm == nil {
		return errs.New(errs.InvalidState, "mqtt.Subscribe", "not connected")
	}
	suback, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	if err != nil {
		return transportErr("mqtt.Subscribe", topic, err)
	}
	if suback != nil {
		for _, reason := range suback.Reasons {
			if reason >= 0x80 {
				return transportErr("mqtt.Subscribe", topic, fmt.Errorf("suback reason code 0x%02x", reason))
			}
		}
	}
	return nil
}

func (m *MQTT) Unsubscribe(ctx context.Context, topic string) error {
	cm := m.cm.Load()
	if cm == nil {
		return errs.New(errs.InvalidState, "mqtt.Unsubscribe", "not connected")
	}
	if _, err := cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}}); err != nil {
		return transportErr("mqtt.Unsubscribe", topic, err)
	}
	return nil
}

func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	cm := m.cm.Load()
	if cm == nil {
		return errs.New(errs.InvalidState, "mqtt.Publish", "not connected")
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: payload,
	}); err != nil {
		return transportErr("mqtt.Publish", topic, err)
	}
	return nil
}

func (m *MQTT) tlsConfig() (*tls.Config, error) {
	if m.opts.CAFile == "" && m.opts.CertFile == "" && m.opts.KeyFile == "" && !m.opts.Insecure {
		return nil, nil
	}

	cfg := &tls.Config{InsecureSkipVerify: m.opts.Insecure}
	if m.opts.CAFile != "" {
		pem, err := os.ReadFile(m.opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file %s: %w", m.opts.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in ca file %s", m.opts.CAFile)
		}
		cfg.RootCAs = pool
	}
	if m.opts.CertFile != "" || m.opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.opts.CertFile, m.opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
