// Package config reads the meter, channel and calculation definitions from a yaml file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"example.com/meter-logger/src/calc"
	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/reading"
)

const (
	ProtocolMQTT   = "mqtt"
	ProtocolModbus = "modbus"

	DefaultInterval = 10 * time.Second
)

type File struct {
	Meters []Meter `yaml:"meters"`
}

type Meter struct {
	Name     string        `yaml:"name"`
	Protocol string        `yaml:"protocol"`
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	MQTT   *MQTTMeter   `yaml:"mqtt"`
	Modbus *ModbusMeter `yaml:"modbus"`

	Channels     []Channel     `yaml:"channels"`
	Calculations []Calculation `yaml:"calculations"`
}

type MQTTMeter struct {
	Subscription    string   `yaml:"subscription"`
	DataQueryValue  string   `yaml:"data_query_value"`
	DataQueryValues []string `yaml:"data_query_values"`
	DataQueryTime   string   `yaml:"data_query_time"`
	TimeUnit        string   `yaml:"time_unit"`
	UseLocalTime    bool     `yaml:"use_local_time"`
	DataFilter      string   `yaml:"data_filter"`
}

// Queries returns data_query_values, or data_query_value when the list is empty.
func (m *MQTTMeter) Queries() []string {
	queries := make([]string, 0, len(m.DataQueryValues)+1)
	for _, q := range m.DataQueryValues {
		if q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) == 0 && m.DataQueryValue != "" {
		queries = append(queries, m.DataQueryValue)
	}
	return queries
}

type ModbusMeter struct {
	Host      string        `yaml:"host"`
	Port      int           `yaml:"port"`
	UnitID    byte          `yaml:"unit_id"`
	Timeout   time.Duration `yaml:"timeout"`
	Register  string        `yaml:"register"`
	Registers []string      `yaml:"registers"`
}

// RegisterFormats returns registers, or register when the list is empty.
func (m *ModbusMeter) RegisterFormats() []string {
	formats := make([]string, 0, len(m.Registers)+1)
	for _, r := range m.Registers {
		if r != "" {
			formats = append(formats, r)
		}
	}
	if len(formats) == 0 && m.Register != "" {
		formats = append(formats, m.Register)
	}
	return formats
}

type Channel struct {
	UUID       string `yaml:"uuid"`
	Identifier string `yaml:"identifier"`

	// MQTT switches publishing of the channel, on unless set to false.
	MQTT      *bool  `yaml:"mqtt"`
	MQTTName  string `yaml:"mqtt_name"`
	MQTTGroup string `yaml:"mqtt_group"`
	// Aggregate enables the group publish when MQTTGroup is set.
	Aggregate *bool `yaml:"aggregate"`

	Name      string `yaml:"-"`
	GroupKey  string `yaml:"-"`
	GroupName string `yaml:"-"`
}

type CalculationChannel struct {
	Identifier string   `yaml:"identifier"`
	Factor     *float64 `yaml:"factor"`
}

type Calculation struct {
	Identifier    string               `yaml:"identifier"`
	Operation     string               `yaml:"operation"`
	InputChannels []CalculationChannel `yaml:"input_channels"`

	MaxTimeDifferenceSameDataMs  *int64   `yaml:"max_time_difference_same_data_ms"`
	MinTimeDifferenceDerivationS *int64   `yaml:"min_time_difference_derivation_s"`
	MaxTimeDifferenceDerivationS *int64   `yaml:"max_time_difference_derivation_s"`
	NegativeResultFilter         *float64 `yaml:"negative_result_filter"`
}

func (m *Meter) IsEnabled() bool { return m.Enabled == nil || *m.Enabled }

func (ch *Channel) Publishes() bool { return ch.MQTT == nil || *ch.MQTT }

func (ch *Channel) Aggregates() bool {
	return ch.GroupKey != "" && (ch.Aggregate == nil || *ch.Aggregate)
}

// Topic is the name the channel is published under, below the topic prefix.
func (ch *Channel) Topic() string {
	switch {
	case ch.MQTTName != "":
		return ch.MQTTName
	case ch.UUID != "":
		return ch.UUID
	default:
		return ch.Name
	}
}

// ReadingIdentifier is what the meter tags the readings of this channel with.
func (ch *Channel) ReadingIdentifier() reading.Identifier {
	return reading.StringIdentifier(ch.Identifier)
}

// resolveGroup splits mqtt_group into group key and member name. "key.name" and
// "key/name" name the member explicitly, otherwise the mqtt name, uuid or channel name is
// used.
func (ch *Channel) resolveGroup() {
	ch.GroupKey, ch.GroupName = "", ""
	if ch.MQTTGroup == "" {
		return
	}

	key, name := ch.MQTTGroup, ""
	if i := strings.IndexAny(ch.MQTTGroup, "./"); i >= 0 {
		key, name = ch.MQTTGroup[:i], ch.MQTTGroup[i+1:]
	}
	if name == "" {
		name = ch.Topic()
	}
	if key == "" || name == "" {
		logrus.Warnf("config channel %s: mqtt_group %q has no usable key or name, ignored", ch.Name, ch.MQTTGroup)
		return
	}
	ch.GroupKey, ch.GroupName = key, name
}

func Load(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Configuration, "config.Load", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*File, error) {
	var file File
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, errs.Wrap(errs.Configuration, "config.Parse", err)
	}
	if err := file.validate(); err != nil {
		return nil, err
	}
	return &file, nil
}

func (file *File) validate() error {
	names := make(map[string]bool)
	n := 0
	for i := range file.Meters {
		meter := &file.Meters[i]
		if meter.Name == "" {
			meter.Name = fmt.Sprintf("mtr%d", i)
		}
		if names[meter.Name] {
			return errs.New(errs.Configuration, "config.Parse", "duplicate meter name %s", meter.Name)
		}
		names[meter.Name] = true

		if meter.Interval <= 0 {
			meter.Interval = DefaultInterval
		}

		switch meter.Protocol {
		case ProtocolMQTT:
			if meter.MQTT == nil {
				return errs.New(errs.Configuration, "config.Parse", "meter %s: mqtt options missing", meter.Name)
			}
		case ProtocolModbus:
			if meter.Modbus == nil {
				return errs.New(errs.Configuration, "config.Parse", "meter %s: modbus options missing", meter.Name)
			}
		default:
			return errs.New(errs.Configuration, "config.Parse", "meter %s: unknown protocol %q", meter.Name, meter.Protocol)
		}

		for j := range meter.Channels {
			ch := &meter.Channels[j]
			ch.Name = fmt.Sprintf("chn%d", n)
			n++
			if ch.Identifier == "" {
				return errs.New(errs.Configuration, "config.Parse", "meter %s channel %s: identifier missing", meter.Name, ch.Name)
			}
			ch.resolveGroup()
		}

		for j := range meter.Calculations {
			if _, err := meter.Calculations[j].Build(meter.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Build creates the calculation for meter.
func (c *Calculation) Build(meter string) (*calc.Calculation, error) {
	if c.Identifier == "" {
		return nil, errs.New(errs.Configuration, "config.Calculation", "meter %s: calculation identifier missing", meter)
	}
	op, filter, err := calc.ParseOperation(c.Operation)
	if err != nil {
		return nil, err
	}

	cfg := calc.DefaultConfig(meter, reading.StringIdentifier(c.Identifier), op)
	cfg.NegativeResultFilter = filter
	if c.NegativeResultFilter != nil {
		cfg.NegativeResultFilter = *c.NegativeResultFilter
	}
	if c.MaxTimeDifferenceSameDataMs != nil {
		cfg.SameDataTolerance = time.Duration(*c.MaxTimeDifferenceSameDataMs) * time.Millisecond
	}
	if c.MinTimeDifferenceDerivationS != nil {
		cfg.MinDerivationInterval = time.Duration(*c.MinTimeDifferenceDerivationS) * time.Second
	}
	if c.MaxTimeDifferenceDerivationS != nil {
		cfg.MaxDerivationInterval = time.Duration(*c.MaxTimeDifferenceDerivationS) * time.Second
	}

	channels := make([]calc.ChannelSpec, 0, len(c.InputChannels))
	for _, in := range c.InputChannels {
		if in.Identifier == "" {
			return nil, errs.New(errs.Configuration, "config.Calculation", "meter %s calculation %s: input channel identifier missing", meter, c.Identifier)
		}
		factor := 1.0
		if in.Factor != nil {
			factor = *in.Factor
		}
		channels = append(channels, calc.ChannelSpec{Identifier: reading.StringIdentifier(in.Identifier), Factor: factor})
	}
	return calc.New(cfg, channels...)
}
