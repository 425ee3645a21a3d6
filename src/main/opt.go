package main

import (
	"github.com/jnovack/flag"
	"github.com/sirupsen/logrus"
)

const default_qos = 0

type opt struct {
	configfile string

	broker                  string
	brokerurl               string
	clientid                string
	username                string
	password                string
	trustcerts              string
	certfile                string
	keyfile                 string
	allowinsecureconnection bool

	keepalive     uint
	cleanstart    bool
	sessionexpiry uint

	pulsarsubscription string
	pulsarname         string

	topicprefix    string
	qos            uint
	retain         bool
	timeoutseconds uint

	subscribeqos uint
	maxretries   uint

	readingbuffer uint

	statestore string
	statedir   string

	pprofon       bool
	pprofdir      string
	pprofduration uint

	prometheusport                   uint
	activate_observe_processing_time bool

	loglevel string
}

func from_args() opt {

	var opt opt

	flag.StringVar(&opt.configfile, "config", "./meters.yaml", "Meter, channel and calculation definitions")

	flag.StringVar(&opt.broker, "broker", "mqtt", "Broker kind: mqtt - pulsar")
	flag.StringVar(&opt.brokerurl, "broker_url", "mqtt://localhost:1883", "Broker address")
	flag.StringVar(&opt.clientid, "client_id", "", "MQTT client id, generated when empty")
	flag.StringVar(&opt.username, "username", "", "MQTT user name")
	flag.StringVar(&opt.password, "password", "", "MQTT password")
	flag.StringVar(&opt.trustcerts, "trust_certs", "", "Path for pem file, for ca.cert")
	flag.StringVar(&opt.certfile, "cert_file", "", "Path for client cert.pem file")
	flag.StringVar(&opt.keyfile, "key_file", "", "Path for client key file")
	flag.BoolVar(&opt.allowinsecureconnection, "allow_insecure_connection", false, "Skip verification of the broker certificate")

	flag.UintVar(&opt.keepalive, "keepalive", 10, "MQTT keep alive in seconds")
	flag.BoolVar(&opt.cleanstart, "clean_start", true, "MQTT clean start on the first connection")
	flag.UintVar(&opt.sessionexpiry, "session_expiry", 0, "MQTT session expiry interval in seconds")

	flag.StringVar(&opt.pulsarsubscription, "pulsar_subscription", "meter-logger", "Pulsar subscription name")
	flag.StringVar(&opt.pulsarname, "pulsar_name", "", "Pulsar producer name")

	flag.StringVar(&opt.topicprefix, "topic_prefix", "vz/", "Prefix of every published topic")
	flag.UintVar(&opt.qos, "qos", default_qos, "QoS of published messages")
	flag.BoolVar(&opt.retain, "retain", false, "Publish with the retain flag")
	flag.UintVar(&opt.timeoutseconds, "timeout_seconds", 10, "Timeout of broker operations in seconds")

	flag.UintVar(&opt.subscribeqos, "subscribe_qos", default_qos, "QoS of the mqtt meter subscriptions")
	flag.UintVar(&opt.maxretries, "max_retries", 5, "Subscribe attempts per topic before giving up")

	flag.UintVar(&opt.readingbuffer, "reading_buffer", 128, "Readings handled per meter poll")

	flag.StringVar(&opt.statestore, "state_store", "memory_store", "State store: memory_store - cached_pebble_store")
	flag.StringVar(&opt.statedir, "state_dir", "./state", "Directory of the cached_pebble_store")

	flag.BoolVar(&opt.pprofon, "pprof_on", false, "Profoling on?")
	flag.StringVar(&opt.pprofdir, "pprof_dir", "./pprof", "Directory for pprof file")
	flag.UintVar(&opt.pprofduration, "pprof_duration", 60*2, "Number of seconds to run pprof")

	flag.UintVar(&opt.prometheusport, "prometheus_port", 7700, "Prometheous port, 0 disables the endpoint")
	flag.BoolVar(&opt.activate_observe_processing_time, "activate_timing_collection", false, "Is the collection by prometheus of poll time on (may hinder perforance!)")

	flag.StringVar(&opt.loglevel, "log_level", "info", "Logging level: panic - fatal - error - warn - info - debug - trace")

	flag.Parse()

	opt.qos = valid_qos("qos", opt.qos)
	opt.subscribeqos = valid_qos("subscribe_qos", opt.subscribeqos)

	return opt

}

// valid_qos keeps the default for values outside 0..2.
func valid_qos(name string, qos uint) uint {
	if qos > 2 {
		logrus.Warnf("from_args %s %d is not a valid qos, using %d", name, qos, default_qos)
		return default_qos
	}
	return qos
}
