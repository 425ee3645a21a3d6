package prom_metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sirupsen/logrus"
)

type Prom_metrics struct {
	meter_count        prometheus.Gauge
	readings           *prometheus.CounterVec
	calculated         *prometheus.CounterVec
	capacity_lost      *prometheus.CounterVec
	subscribe_attempts *prometheus.CounterVec
	inbound_messages   *prometheus.CounterVec
	published          *prometheus.CounterVec
	poll_time          prometheus.Summary

	Number_of_meters  func(n int)
	Inc_readings      func(meter string, n int)
	Inc_calculated    func(operation string, n int)
	Inc_capacity_lost func(operation string, n int)
	Inc_subscribe     func(result string)
	Inc_inbound       func(result string)
	Inc_published     func(kind string, result string)
	Observe_poll_time func(t time.Duration)

	activate_observe_processing_time bool
}

func (prom_metric *Prom_metrics) registor(reg *prometheus.Registry) {
	reg.MustRegister(prom_metric.meter_count)
	reg.MustRegister(prom_metric.readings)
	reg.MustRegister(prom_metric.calculated)
	reg.MustRegister(prom_metric.capacity_lost)
	reg.MustRegister(prom_metric.subscribe_attempts)
	reg.MustRegister(prom_metric.inbound_messages)
	reg.MustRegister(prom_metric.published)

	if prom_metric.activate_observe_processing_time {
		reg.MustRegister(prom_metric.poll_time)
	}
}

func create_prom_metric(activate_observe_processing_time bool) *Prom_metrics {
	prom_metric := &Prom_metrics{
		activate_observe_processing_time: activate_observe_processing_time,

		meter_count: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meter_count",
				Help: "The number of configured meters",
			},
		),
		readings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meter_readings",
				Help: "The number of readings read per meter",
			}, []string{"meter"},
		),
		calculated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calculated_values",
				Help: "The number of values produced by calculations",
			}, []string{"operation"},
		),
		capacity_lost: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calculated_values_lost",
				Help: "The number of calculated values dropped because the reading buffer was full",
			}, []string{"operation"},
		),
		subscribe_attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subscribe_attempts",
				Help: "The number of subscribe calls issued to the broker",
			}, []string{"result"},
		),
		inbound_messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inbound_messages",
				Help: "The number of messages received from the broker",
			}, []string{"result"},
		),
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "published_messages",
				Help: "The number of messages published to the broker",
			}, []string{"kind", "result"},
		),
		poll_time: prometheus.NewSummary(
			prometheus.SummaryOpts{
				Name:       "meter_poll_time",
				Help:       "The time to read, calculate and publish one meter poll (µs)",
				Objectives: map[float64]float64{0.50: 0.1, 0.80: 0.05, 0.90: 0.01, 0.95: 0.005, 0.99: 0.005},
			},
		),
	}

	prom_metric.Number_of_meters = func(n int) {
		prom_metric.meter_count.Set(float64(n))
	}

	prom_metric.Inc_readings = func(meter string, n int) {
		prom_metric.readings.With(prometheus.Labels{"meter": meter}).Add(float64(n))
	}

	prom_metric.Inc_calculated = func(operation string, n int) {
		prom_metric.calculated.With(prometheus.Labels{"operation": operation}).Add(float64(n))
	}

	prom_metric.Inc_capacity_lost = func(operation string, n int) {
		prom_metric.capacity_lost.With(prometheus.Labels{"operation": operation}).Add(float64(n))
	}

	prom_metric.Inc_subscribe = func(result string) {
		prom_metric.subscribe_attempts.With(prometheus.Labels{"result": result}).Inc()
	}

	prom_metric.Inc_inbound = func(result string) {
		prom_metric.inbound_messages.With(prometheus.Labels{"result": result}).Inc()
	}

	prom_metric.Inc_published = func(kind string, result string) {
		prom_metric.published.With(prometheus.Labels{"kind": kind, "result": result}).Inc()
	}

	if prom_metric.activate_observe_processing_time {
		prom_metric.Observe_poll_time = func(t time.Duration) {
			go prom_metric.poll_time.Observe(float64(t / time.Microsecond))
		}
	} else {
		prom_metric.Observe_poll_time = func(t time.Duration) {}
	}

	return prom_metric
}

// Prom_metric is usable before Setup_prometheus, metrics are only exposed once it ran.
var Prom_metric *Prom_metrics = create_prom_metric(false)

// Setup_prometheus registers the metrics and serves them in the background. It must run
// before the metric hooks are used by other goroutines.
func Setup_prometheus(prometheusport uint, activate_observe_processing_time bool) *prometheus.Registry {

	reg := prometheus.NewRegistry()

	if activate_observe_processing_time {
		Prom_metric.activate_observe_processing_time = true
		Prom_metric.Observe_poll_time = func(t time.Duration) {
			go Prom_metric.poll_time.Observe(float64(t / time.Microsecond))
		}
	}

	Prom_metric.registor(reg)

	if prometheusport > 0 {

		http.Handle("/metrics", promhttp.HandlerFor(
			reg,
			promhttp.HandlerOpts{
				// Pass custom registry
				Registry: reg,
			},
		))

		go func() {
			logrus.Infof("metrics exposed at: localhost:%d/metrics", prometheusport)
			if err := http.ListenAndServe(fmt.Sprintf(":%d", prometheusport), nil); err != nil {
				logrus.Errorf("setup prometheus: %+v", err)
			}
		}()
	}

	return reg
}
