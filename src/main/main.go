package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/config"
	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/flow"
	"example.com/meter-logger/src/prom_metrics"
)

func logging(level string) {
	logrus.SetFormatter(&logrus.JSONFormatter{
		//FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	l, err := logrus.ParseLevel(level)
	if err != nil {
		logrus.Errorf("Failed parse log level. Reason: %+v", err)
	} else {
		logrus.SetLevel(l)
	}
}

func main() {
	opt := from_args()
	logging(opt.loglevel)
	logged := opt
	if logged.password != "" {
		logged.password = "***"
	}
	logrus.Infof("%+v", logged)

	prom_metrics.Setup_prometheus(opt.prometheusport, opt.activate_observe_processing_time)

	file, err := config.Load(opt.configfile)
	if err != nil {
		logrus.Fatalf("Failed load config. Reason: %+v", err)
	}

	state, err := create_store(opt.statestore, opt.statedir)
	if err != nil {
		logrus.Fatalf("Failed create state store. Reason: %+v", err)
	}
	defer state.Close()

	tr, err := new_transport(opt)
	if err != nil {
		logrus.Fatalf("Failed create transport. Reason: %+v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := time.Second * time.Duration(opt.timeoutseconds)
	client := flow.NewClient(ctx, tr, flow.ClientOptions{
		Prefix:        opt.topicprefix,
		QoS:           byte(opt.qos),
		Retain:        opt.retain,
		Timeout:       timeout,
		Subscriptions: true,
		SubscribeQoS:  byte(opt.subscribeqos),
		MaxRetries:    int(opt.maxretries),
	}, state)

	connect_ctx, cancel := context.WithTimeout(ctx, timeout)
	err = tr.Connect(connect_ctx)
	cancel()
	if err != nil {
		if kind, ok := errs.KindOf(err); ok && kind == errs.Configuration {
			logrus.Fatalf("Failed connect to broker. Reason: %+v", err)
		}
		logrus.Warnf("Broker not reachable yet, retrying in background. Reason: %+v", err)
	}

	loops := load_meters(file, client, state, int(opt.readingbuffer))
	prom_metrics.Prom_metric.Number_of_meters(len(loops))
	if len(loops) == 0 {
		logrus.Warnf("No meter enabled in %s", opt.configfile)
	}

	if opt.pprofon {
		go activate_profiling(ctx, opt.pprofdir, time.Duration(opt.pprofduration)*time.Second)
	}

	// Logic
	var wg sync.WaitGroup
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop.Run(ctx); err != nil {
				logrus.Errorf("meter loop: %+v", err)
			}
		}()
	}

	<-ctx.Done()
	logrus.Infof("Shutting down")
	wg.Wait()
	client.Wait()

	if err := tr.Close(); err != nil {
		logrus.Warnf("Failed close transport. Reason: %+v", err)
	}
}
