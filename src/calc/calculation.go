package calc

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/prom_metrics"
	"example.com/meter-logger/src/reading"
)

const (
	DefaultSameDataTolerance     = 10 * time.Millisecond
	DefaultMinDerivationInterval = 2 * time.Second
	DefaultMaxDerivationInterval = 60 * time.Second
)

type ChannelSpec struct {
	Identifier reading.Identifier
	Factor     float64
}

type Config struct {
	// Meter is only used as log context.
	Meter     string
	Output    reading.Identifier
	Operation Operation

	SameDataTolerance     time.Duration
	MinDerivationInterval time.Duration
	MaxDerivationInterval time.Duration

	// NegativeResultFilter is applied to negative results: 0 clamps to 0, -1 takes the
	// absolute value, anything else is used as multiplier.
	NegativeResultFilter float64
}

func DefaultConfig(meter string, output reading.Identifier, op Operation) Config {
	return Config{
		Meter:                 meter,
		Output:                output,
		Operation:             op,
		SameDataTolerance:     DefaultSameDataTolerance,
		MinDerivationInterval: DefaultMinDerivationInterval,
		MaxDerivationInterval: DefaultMaxDerivationInterval,
		NegativeResultFilter:  1,
	}
}

// Sample is a timestamped value produced or held by a calculation.
type Sample struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Calculation synchronizes readings of its channels and produces a sum or derivation
// series. A Calculation is not safe for concurrent use.
type Calculation struct {
	cfg      Config
	channels []ChannelSpec

	// set by the first Ingest, channels are fixed from then on
	initialized bool

	pending      Sample
	pendingValid bool

	data      []Sample
	positions []int

	log *logrus.Entry
}

func New(cfg Config, channels ...ChannelSpec) (*Calculation, error) {
	if cfg.Output == nil {
		return nil, errs.New(errs.Configuration, "calc.New", "%s: output identifier is missing", cfg.Meter)
	}
	if len(channels) == 0 {
		return nil, errs.New(errs.Configuration, "calc.New", "%s/%s: no input channels", cfg.Meter, cfg.Output)
	}
	if cfg.Operation != Sum && cfg.Operation != Derivation {
		return nil, errs.New(errs.Configuration, "calc.New", "%s/%s: unknown operation %d", cfg.Meter, cfg.Output, cfg.Operation)
	}
	if cfg.MaxDerivationInterval < cfg.MinDerivationInterval {
		return nil, errs.New(errs.Configuration, "calc.New", "%s/%s: max derivation interval %s below min %s",
			cfg.Meter, cfg.Output, cfg.MaxDerivationInterval, cfg.MinDerivationInterval)
	}

	c := &Calculation{
		cfg: cfg,
		log: logrus.WithFields(logrus.Fields{
			"calc":      fmt.Sprintf("%s/%s", cfg.Meter, cfg.Output),
			"operation": cfg.Operation.String(),
		}),
	}
	for _, ch := range channels {
		if err := c.AddChannel(ch.Identifier, ch.Factor); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Calculation) AddChannel(id reading.Identifier, factor float64) error {
	if c.initialized {
		return errs.New(errs.InvalidState, "calc.AddChannel", "channels can only be added before the first ingest")
	}
	if id == nil {
		return errs.New(errs.Configuration, "calc.AddChannel", "channel identifier is missing")
	}
	c.channels = append(c.channels, ChannelSpec{Identifier: id, Factor: factor})
	return nil
}

func (c *Calculation) Channels() int { return len(c.channels) }

func (c *Calculation) Output() reading.Identifier { return c.cfg.Output }

func (c *Calculation) Operation() Operation { return c.cfg.Operation }

// Ingest matches the readings against the channels and accumulates the results. It
// returns the number of new outputs.
func (c *Calculation) Ingest(rds []reading.Reading) int {
	c.initialized = true

	if len(rds) < len(c.channels) {
		return 0
	}

	before := len(c.data)
	pos := 0
	for {
		positions, next, ok := c.findChannelData(rds, pos)
		if !ok {
			break
		}
		pos = next

		s := Sample{Time: rds[positions[0]].Time}
		for idx, ch := range c.channels {
			s.Value += rds[positions[idx]].Value * ch.Factor
		}

		switch c.cfg.Operation {
		case Sum:
			c.accumulate(s.Time, s.Value)
		case Derivation:
			c.derive(s)
		}
	}

	produced := len(c.data) - before
	if produced > 0 {
		c.log.Tracef("got %d new calculations", produced)
		prom_metrics.Prom_metric.Inc_calculated(c.cfg.Operation.String(), produced)
	}
	return produced
}

func (c *Calculation) derive(s Sample) {
	if !c.pendingValid {
		c.pending = s
		c.pendingValid = true
		return
	}

	dt := s.Time.Sub(c.pending.Time).Seconds()
	switch {
	case dt < 0:
		// out of order or clock jump, restart from the current sample
		c.pending = s
	case dt == 0 || dt < c.cfg.MinDerivationInterval.Seconds():
		// keep the older sample as base
	case dt > c.cfg.MaxDerivationInterval.Seconds():
		c.pending = s
	default:
		value := (s.Value - c.pending.Value) / dt
		c.pending = s
		c.accumulate(s.Time, value)
	}
}

func (c *Calculation) accumulate(t time.Time, value float64) {
	c.data = append(c.data, Sample{Time: t, Value: c.filter(value)})
}

func (c *Calculation) filter(value float64) float64 {
	if value >= 0 {
		return value
	}
	switch c.cfg.NegativeResultFilter {
	case 0:
		return 0
	case -1:
		return math.Abs(value)
	default:
		return value * c.cfg.NegativeResultFilter
	}
}

// Drain copies the accumulated outputs into out, tagged with the output identifier, and
// clears them. Outputs that do not fit are lost and reported with a capacity error.
func (c *Calculation) Drain(out []reading.Reading) (int, error) {
	if len(c.data) == 0 {
		return 0, nil
	}

	n := min(len(c.data), len(out))
	for idx := 0; idx < n; idx++ {
		out[idx] = reading.Reading{Identifier: c.cfg.Output, Time: c.data[idx].Time, Value: c.data[idx].Value}
	}

	lost := len(c.data) - n
	c.data = c.data[:0]

	if lost > 0 {
		c.log.Warnf("reading buffer too small, lost %d values", lost)
		prom_metrics.Prom_metric.Inc_capacity_lost(c.cfg.Operation.String(), lost)
		return n, errs.New(errs.Capacity, "calc.Drain", "%s: lost %d values", c.cfg.Output, lost)
	}
	return n, nil
}

// PendingSample returns the base sample of a derivation, if any.
func (c *Calculation) PendingSample() (Sample, bool) {
	return c.pending, c.pendingValid
}

// RestorePendingSample sets the base sample of a derivation, e.g. after a restart.
func (c *Calculation) RestorePendingSample(s Sample) {
	if c.cfg.Operation != Derivation {
		return
	}
	c.pending = s
	c.pendingValid = true
}

// Calculate runs the calculations in order against the first n readings of buf and writes
// their outputs behind them. Each calculation also sees the outputs of the ones before it,
// so e.g. a DERIVATION can take a SUM as input. It returns the number of readings written.
func Calculate(calcs []*Calculation, buf []reading.Reading, n int) int {
	pos := n
	for _, c := range calcs {
		c.Ingest(buf[:pos])
		written, _ := c.Drain(buf[pos:])
		pos += written
	}
	return pos - n
}
