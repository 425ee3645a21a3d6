package flow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/meter-logger/src/calc"
	"example.com/meter-logger/src/config"
	"example.com/meter-logger/src/reading"
	"example.com/meter-logger/src/store/memory_store"
)

const loopConfig = `
meters:
  - name: m1
    protocol: mqtt
    mqtt:
      subscription: meters/m1
      data_query_value: "$.energy"
    channels:
      - identifier: energy
        mqtt_name: energy
      - identifier: power
        mqtt: false
        mqtt_group: house.power
    calculations:
      - identifier: power
        operation: DERIVATION
        input_channels:
          - identifier: energy
`

type fakeMeter struct {
	mu      sync.Mutex
	batches [][]reading.Reading
	reads   int
	opened  bool
	closed  bool
	openErr error
}

func (m *fakeMeter) Name() string { return "m1" }

func (m *fakeMeter) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return m.openErr
}

func (m *fakeMeter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *fakeMeter) Read(ctx context.Context, buf []reading.Reading) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if len(m.batches) == 0 {
		return 0
	}
	n := copy(buf, m.batches[0])
	m.batches = m.batches[1:]
	return n
}

func (m *fakeMeter) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

type published struct {
	topic string
	group string
	rd    reading.Reading
}

type recordingPublisher struct {
	mu  sync.Mutex
	out []published
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, rd reading.Reading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{topic: topic, rd: rd})
	return nil
}

func (p *recordingPublisher) PublishGrouped(ctx context.Context, group string, member string, rd reading.Reading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, published{topic: member, group: group, rd: rd})
	return nil
}

func (p *recordingPublisher) Out() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.out...)
}

func loopMeterConfig(t *testing.T) *config.Meter {
	file, err := config.Parse([]byte(loopConfig))
	require.NoError(t, err)
	return &file.Meters[0]
}

func energyAt(seconds int64, value float64) reading.Reading {
	return reading.New(reading.StringIdentifier("energy"), time.Unix(1700000000+seconds, 0), value)
}

func TestPollPublishesReadingsAndCalculations(t *testing.T) {
	m := &fakeMeter{batches: [][]reading.Reading{
		{energyAt(0, 10)},
		{energyAt(5, 20)},
	}}
	pub := &recordingPublisher{}
	state := memory_store.NewMemoryStore()
	loop, err := NewMeterLoop(m, loopMeterConfig(t), pub, state, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, loop.Poll(context.Background()))
	assert.Equal(t, 2, loop.Poll(context.Background()))
	assert.Equal(t, 0, loop.Poll(context.Background()))

	out := pub.Out()
	require.Len(t, out, 3)
	assert.Equal(t, "energy", out[0].topic)
	assert.Equal(t, 10.0, out[0].rd.Value)
	assert.Equal(t, "energy", out[1].topic)

	assert.Equal(t, "house", out[2].group)
	assert.Equal(t, "power", out[2].topic)
	assert.InDelta(t, 2.0, out[2].rd.Value, 1e-9)
	assert.Equal(t, time.Unix(1700000005, 0), out[2].rd.Time)

	var pending calc.Sample
	found, err := state.Load("calc/m1/power", &pending)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 20.0, pending.Value)
	assert.True(t, pending.Time.Equal(time.Unix(1700000005, 0)))
}

func TestMeterLoopRestoresPendingSample(t *testing.T) {
	state := memory_store.NewMemoryStore()
	require.NoError(t, state.Save("calc/m1/power", calc.Sample{Time: time.Unix(1700000000, 0), Value: 10}))

	m := &fakeMeter{batches: [][]reading.Reading{{energyAt(5, 20)}}}
	pub := &recordingPublisher{}
	loop, err := NewMeterLoop(m, loopMeterConfig(t), pub, state, 0)
	require.NoError(t, err)

	assert.Equal(t, 2, loop.Poll(context.Background()))
	out := pub.Out()
	require.Len(t, out, 2)
	assert.Equal(t, "house", out[1].group)
	assert.InDelta(t, 2.0, out[1].rd.Value, 1e-9)
}

func TestMeterLoopRejectsBadCalculation(t *testing.T) {
	cfg := loopMeterConfig(t)
	cfg.Calculations[0].Operation = "AVERAGE"
	_, err := NewMeterLoop(&fakeMeter{}, cfg, &recordingPublisher{}, nil, 0)
	assert.Error(t, err)
}

func TestMeterLoopRun(t *testing.T) {
	cfg := loopMeterConfig(t)
	cfg.Interval = 5 * time.Millisecond
	m := &fakeMeter{batches: [][]reading.Reading{{energyAt(0, 10)}}}
	pub := &recordingPublisher{}
	loop, err := NewMeterLoop(m, cfg, pub, nil, 4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	assert.Eventually(t, func() bool { return m.Reads() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("meter loop did not stop")
	}
	assert.True(t, m.opened)
	assert.True(t, m.closed)
	assert.Len(t, pub.Out(), 1)
}

func TestMeterLoopRunOpenFailure(t *testing.T) {
	openErr := errors.New("no route to meter")
	m := &fakeMeter{openErr: openErr}
	loop, err := NewMeterLoop(m, loopMeterConfig(t), &recordingPublisher{}, nil, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, loop.Run(context.Background()), openErr)
	assert.False(t, m.closed)
}
