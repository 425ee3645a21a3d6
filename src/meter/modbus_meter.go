package meter

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grid-x/modbus"
	"github.com/sirupsen/logrus"

	"example.com/meter-logger/src/config"
	"example.com/meter-logger/src/errs"
	"example.com/meter-logger/src/prom_metrics"
	"example.com/meter-logger/src/reading"
)

const DefaultModbusPort = 502

// register is one "name address size type" entry. Types u and s are unsigned and signed
// integers of size registers, a b c d are 32 bit floats in the byte orders abcd, badc,
// cdab and dcba.
type register struct {
	name    string
	address uint16
	size    uint16
	kind    byte
}

func parseRegister(format string) (register, error) {
	if len(format) > 50 {
		return register{}, errs.New(errs.Configuration, "meter.parseRegister", "register %q is too long, max 50 characters", format)
	}
	fields := strings.Fields(format)
	if len(fields) != 4 || len(fields[3]) != 1 {
		return register{}, errs.New(errs.Configuration, "meter.parseRegister", "invalid register %q, want \"name address size type\"", format)
	}

	address, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil || address == 0 {
		return register{}, errs.New(errs.Configuration, "meter.parseRegister", "invalid register address in %q", format)
	}
	size, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil || size == 0 || size > 4 {
		return register{}, errs.New(errs.Configuration, "meter.parseRegister", "invalid register size in %q, 1 to 4 allowed", format)
	}

	r := register{name: fields[0], address: uint16(address), size: uint16(size), kind: fields[3][0]}
	switch r.kind {
	case 'u', 's':
	case 'a', 'b', 'c', 'd':
		if r.size != 2 {
			return register{}, errs.New(errs.Configuration, "meter.parseRegister", "float register %q needs size 2", format)
		}
	default:
		return register{}, errs.New(errs.Configuration, "meter.parseRegister", "unknown register type in %q", format)
	}
	return r, nil
}

// decode converts the raw big endian register bytes. ok is false for the NaN sentinels
// devices use for missing integer values.
func (r register) decode(data []byte) (float64, bool) {
	switch r.kind {
	case 'u', 's':
		var u uint64
		for _, b := range data {
			u = u<<8 | uint64(b)
		}
		bits := uint(len(data) * 8)
		if r.kind == 'u' {
			if u == math.MaxUint64>>(64-bits) {
				return 0, false
			}
			return float64(u), true
		}
		if u == 1<<(bits-1) {
			return 0, false
		}
		// sign extend
		return float64(int64(u<<(64-bits)) >> (64 - bits)), true

	default:
		a, b, c, d := data[0], data[1], data[2], data[3]
		var order [4]byte
		switch r.kind {
		case 'a':
			order = [4]byte{a, b, c, d}
		case 'b':
			order = [4]byte{b, a, d, c}
		case 'c':
			order = [4]byte{c, d, a, b}
		case 'd':
			order = [4]byte{d, c, b, a}
		}
		return float64(math.Float32frombits(binary.BigEndian.Uint32(order[:]))), true
	}
}

type registerReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

type modbusConn interface {
	Connect() error
	Close() error
}

// ModbusMeter polls holding registers of a modbus tcp device.
type ModbusMeter struct {
	name      string
	address   string
	unitID    byte
	timeout   time.Duration
	registers []register

	conn      modbusConn
	client    registerReader
	connected bool

	now func() time.Time
	log *logrus.Entry
}

func NewModbusMeter(name string, cfg *config.ModbusMeter) (*ModbusMeter, error) {
	if cfg.Host == "" {
		return nil, errs.New(errs.Configuration, "meter.NewModbusMeter", "%s: host missing", name)
	}
	port := cfg.Port
	if port == 0 {
		port = DefaultModbusPort
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	m := &ModbusMeter{
		name:    name,
		address: net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		unitID:  cfg.UnitID,
		timeout: timeout,
		now:     time.Now,
		log:     logrus.WithFields(logrus.Fields{"meter": name}),
	}

	formats := cfg.RegisterFormats()
	if len(formats) == 0 {
		return nil, errs.New(errs.Configuration, "meter.NewModbusMeter", "%s: register(s) missing", name)
	}
	for _, f := range formats {
		r, err := parseRegister(f)
		if err != nil {
			return nil, err
		}
		m.registers = append(m.registers, r)
		m.log.Debugf("modbus meter register %s %d %d %c", r.name, r.address, r.size, r.kind)
	}
	return m, nil
}

func (m *ModbusMeter) Name() string { return m.name }

// Open creates the client. A device that is not reachable yet is not an error, Read
// keeps trying to connect.
func (m *ModbusMeter) Open(ctx context.Context) error {
	if m.client != nil {
		return nil
	}
	handler := modbus.NewTCPClientHandler(m.address)
	handler.Timeout = m.timeout
	if m.unitID != 0 {
		handler.SlaveID = m.unitID
	}
	m.conn = handler
	m.client = modbus.NewClient(handler)

	m.connect()
	return nil
}

func (m *ModbusMeter) connect() {
	if err := m.conn.Connect(); err != nil {
		m.log.Warnf("modbus connect %s: %+v", m.address, err)
		m.connected = false
		return
	}
	m.connected = true
}

func (m *ModbusMeter) Close() error {
	if m.conn == nil {
		return nil
	}
	var err error
	if m.connected {
		err = m.conn.Close()
	}
	m.connected = false
	m.conn = nil
	m.client = nil
	if err != nil {
		return errs.Wrap(errs.Transport, "meter.Close", fmt.Errorf("%s: %w", m.address, err))
	}
	return nil
}

// Read reads every register once. A failed read drops the connection, the readings of the
// registers read before are returned.
func (m *ModbusMeter) Read(ctx context.Context, buf []reading.Reading) int {
	if m.client == nil {
		return 0
	}
	if !m.connected {
		m.connect()
		if !m.connected {
			return 0
		}
	}

	pos := 0
	for _, r := range m.registers {
		if pos >= len(buf) {
			m.log.Warnf("modbus meter read buffer full, skipping %s and following registers", r.name)
			break
		}
		if ctx.Err() != nil {
			break
		}

		data, err := m.client.ReadHoldingRegisters(r.address, r.size)
		if err != nil || len(data) != int(r.size)*2 {
			m.log.Debugf("modbus read %s (entering disconnected state): %+v", r.name, err)
			if m.conn != nil {
				m.conn.Close()
			}
			m.connected = false
			break
		}

		v, ok := r.decode(data)
		if !ok {
			m.log.Tracef("modbus read %s: skipping NaN value %x", r.name, data)
			continue
		}
		buf[pos] = reading.New(reading.StringIdentifier(r.name), m.now(), v)
		m.log.Tracef("modbus read %s=%g", r.name, v)
		pos++
	}

	prom_metrics.Prom_metric.Inc_readings(m.name, pos)
	return pos
}
