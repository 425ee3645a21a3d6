package meter

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/meter-logger/src/config"
	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/reading"
)

type fakeDevice struct {
	registers map[uint16][]byte
	fail      map[uint16]bool
	connects  int
	closes    int
}

func (d *fakeDevice) Connect() error { d.connects++; return nil }
func (d *fakeDevice) Close() error   { d.closes++; return nil }

func (d *fakeDevice) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if d.fail[address] {
		return nil, errors.New("timeout")
	}
	return d.registers[address], nil
}

func TestParseRegister(t *testing.T) {
	r, err := parseRegister("power 40083  2 a")
	require.NoError(t, err)
	assert.Equal(t, register{name: "power", address: 40083, size: 2, kind: 'a'}, r)

	for _, bad := range []string{
		"power 1 2",
		"power 0 1 u",
		"power 1 5 u",
		"power 1 1 a",
		"power 1 2 x",
		"power x 2 u",
		"power 1 2 uu",
	} {
		_, err := parseRegister(bad)
		assert.ErrorIs(t, err, errs.ErrConfiguration, bad)
	}
}

func TestRegisterDecodeIntegers(t *testing.T) {
	cases := []struct {
		format string
		data   []byte
		want   float64
		ok     bool
	}{
		{"x 1 1 u", []byte{0x01, 0x02}, 258, true},
		{"x 1 1 u", []byte{0xff, 0xff}, 0, false},
		{"x 1 1 s", []byte{0xff, 0xfe}, -2, true},
		{"x 1 1 s", []byte{0x80, 0x00}, 0, false},
		{"x 1 2 u", []byte{0x00, 0x01, 0x00, 0x00}, 65536, true},
		{"x 1 2 s", []byte{0xff, 0xff, 0xff, 0x9c}, -100, true},
		{"x 1 2 s", []byte{0x80, 0x00, 0x00, 0x00}, 0, false},
		{"x 1 4 u", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 0, false},
		{"x 1 4 s", []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, -1, true},
		{"x 1 3 u", []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00}, 65536, true},
	}
	for _, c := range cases {
		r, err := parseRegister(c.format)
		require.NoError(t, err)
		got, ok := r.decode(c.data)
		assert.Equal(t, c.ok, ok, "%s % x", c.format, c.data)
		if c.ok {
			assert.Equal(t, c.want, got, "%s % x", c.format, c.data)
		}
	}
}

func TestRegisterDecodeFloatByteOrders(t *testing.T) {
	bits := math.Float32bits(1234.5)
	a, b, c, d := byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits)

	orders := map[string][]byte{
		"x 1 2 a": {a, b, c, d},
		"x 1 2 b": {b, a, d, c},
		"x 1 2 c": {c, d, a, b},
		"x 1 2 d": {d, c, b, a},
	}
	for format, data := range orders {
		r, err := parseRegister(format)
		require.NoError(t, err)
		got, ok := r.decode(data)
		require.True(t, ok)
		assert.Equal(t, 1234.5, got, format)
	}
}

func newTestModbusMeter(t *testing.T, dev *fakeDevice, registers ...string) *ModbusMeter {
	m, err := NewModbusMeter("inverter", &config.ModbusMeter{Host: "127.0.0.1", Registers: registers})
	require.NoError(t, err)
	m.conn, m.client, m.connected = dev, dev, true
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }
	return m
}

func TestModbusMeterRead(t *testing.T) {
	dev := &fakeDevice{registers: map[uint16][]byte{
		10: {0x00, 0x2a},
		20: {0xff, 0xff},
		30: {0xff, 0xf6},
	}}
	m := newTestModbusMeter(t, dev, "count 10 1 u", "missing 20 1 u", "delta 30 1 s")
	assert.Equal(t, "127.0.0.1:502", m.address)

	buf := make([]reading.Reading, 10)
	n := m.Read(context.Background(), buf)
	require.Equal(t, 2, n)
	assert.Equal(t, "count", buf[0].Identifier.String())
	assert.Equal(t, 42.0, buf[0].Value)
	assert.Equal(t, "delta", buf[1].Identifier.String())
	assert.Equal(t, -10.0, buf[1].Value)
	assert.Equal(t, int64(1700000000000), buf[1].Millis())
}

func TestModbusMeterReadFailureDisconnects(t *testing.T) {
	dev := &fakeDevice{
		registers: map[uint16][]byte{10: {0x00, 0x01}},
		fail:      map[uint16]bool{20: true},
	}
	m := newTestModbusMeter(t, dev, "a 10 1 u", "b 20 1 u", "c 10 1 u")

	buf := make([]reading.Reading, 10)
	assert.Equal(t, 1, m.Read(context.Background(), buf))
	assert.False(t, m.connected)
	assert.Equal(t, 1, dev.closes)

	dev.fail[20] = false
	dev.registers[20] = []byte{0x00, 0x02}
	assert.Equal(t, 3, m.Read(context.Background(), buf))
	assert.Equal(t, 1, dev.connects)
	assert.True(t, m.connected)
}

func TestModbusMeterReadStopsAtBufferEnd(t *testing.T) {
	dev := &fakeDevice{registers: map[uint16][]byte{10: {0x00, 0x01}}}
	m := newTestModbusMeter(t, dev, "a 10 1 u", "b 10 1 u", "c 10 1 u")

	buf := make([]reading.Reading, 2)
	assert.Equal(t, 2, m.Read(context.Background(), buf))
}

func TestNewModbusMeterValidation(t *testing.T) {
	_, err := NewModbusMeter("x", &config.ModbusMeter{Registers: []string{"a 1 1 u"}})
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	_, err = NewModbusMeter("x", &config.ModbusMeter{Host: "h"})
	assert.ErrorIs(t, err, errs.ErrConfiguration)

	m, err := NewModbusMeter("x", &config.ModbusMeter{Host: "h", Port: 1502, Register: "a 1 1 u"})
	require.NoError(t, err)
	assert.Equal(t, "h:1502", m.address)
	assert.Equal(t, 0, m.Read(context.Background(), make([]reading.Reading, 1)))
	assert.NoError(t, m.Close())
}
