package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/config"
	"example.com/meter-logger/src/flow"
	"example.com/meter-logger/src/meter"
	"example.com/meter-logger/src/store"
	"example.com/meter-logger/src/store/memory_store"
	"example.com/meter-logger/src/transport"
)

const (
	brokerMQTT   = "mqtt"
	brokerPulsar = "pulsar"
)

func new_transport(opt opt) (transport.Transport, error) {
	switch opt.broker {
	case brokerMQTT:
		return transport.NewMQTT(transport.MQTTOptions{
			URL:                   opt.brokerurl,
			ClientID:              opt.clientid,
			Username:              opt.username,
			Password:              opt.password,
			CAFile:                opt.trustcerts,
			CertFile:              opt.certfile,
			KeyFile:               opt.keyfile,
			Insecure:              opt.allowinsecureconnection,
			KeepAlive:             uint16(opt.keepalive),
			CleanStart:            opt.cleanstart,
			SessionExpiryInterval: uint32(opt.sessionexpiry),
			ConnectTimeout:        time.Second * time.Duration(opt.timeoutseconds),
		})
	case brokerPulsar:
		return transport.NewPulsar(transport.PulsarOptions{
			URL:                     opt.brokerurl,
			TrustCertsFile:          opt.trustcerts,
			CertFile:                opt.certfile,
			KeyFile:                 opt.keyfile,
			AllowInsecureConnection: opt.allowinsecureconnection,
			SubscriptionName:        opt.pulsarsubscription,
			ProducerName:            opt.pulsarname,
		})
	default:
		return nil, fmt.Errorf("unknown broker %q", opt.broker)
	}
}

func create_store(kind string, dir string) (store.Store, error) {
	switch kind {
	case store.MemoryStore:
		return memory_store.NewMemoryStore(), nil
	case store.CachedPebbleStore:
		return memory_store.NewCachedPebbleStore(dir)
	default:
		return nil, fmt.Errorf("unknown state store %q", kind)
	}
}

// load_meters creates a loop for every enabled meter of the config file. Meters that can
// not be created are logged and skipped.
func load_meters(file *config.File, client *flow.Client, state store.Store, buffer int) []*flow.MeterLoop {
	var subs meter.Subscriber
	if s := client.Subscriptions(); s != nil {
		subs = s
	}

	loops := make([]*flow.MeterLoop, 0, len(file.Meters))
	for i := range file.Meters {
		cfg := &file.Meters[i]
		if !cfg.IsEnabled() {
			logrus.Infof("meter %s disabled", cfg.Name)
			continue
		}

		m, err := meter.New(cfg, subs)
		if err != nil {
			logrus.Errorf("load_meters %s: %+v", cfg.Name, err)
			continue
		}

		loop, err := flow.NewMeterLoop(m, cfg, client, state, buffer)
		if err != nil {
			logrus.Errorf("load_meters %s: %+v", cfg.Name, err)
			continue
		}
		logrus.Infof("meter %s (%s) with %d channels, %d calculations, every %s",
			cfg.Name, cfg.Protocol, len(cfg.Channels), len(cfg.Calculations), cfg.Interval)
		loops = append(loops, loop)
	}
	return loops
}
