package inverter

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M-Klemm/sofar2PVO/internal/domain"
	"github.com/M-Klemm/sofar2PVO/internal/protocol"
	"github.com/M-Klemm/sofar2PVO/internal/registers"
)

// fakeInverter answers register read requests on a real TCP socket the way
// a logger stick does: one 36-byte request in, one raw payload out.
type fakeInverter struct {
	ln      net.Listener
	respond func(start, count uint16) []byte
}

func startFakeInverter(t *testing.T, respond func(start, count uint16) []byte) *net.TCPAddr {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	f := &fakeInverter{ln: ln, respond: respond}
	go f.serve()

	return ln.Addr().(*net.TCPAddr)
}

func (f *fakeInverter) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeInverter) handle(conn net.Conn) {
	defer conn.Close()
	buf := make([]byte, protocol.RequestFrameLength)
	for {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		start := binary.BigEndian.Uint16(buf[28:30])
		count := binary.BigEndian.Uint16(buf[30:32])
		resp := f.respond(start, count)
		if resp == nil {
			return
		}
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// cannedResponder builds payloads from absolute register words: a 28-byte
// header followed by big-endian words, zeros for anything not listed.
func cannedResponder(words map[uint16]uint16) func(start, count uint16) []byte {
	return func(start, count uint16) []byte {
		raw := make([]byte, 28+int(count)*2)
		for addr, word := range words {
			if addr >= start && addr < start+count {
				pos := 28 + int(addr-start)*2
				binary.BigEndian.PutUint16(raw[pos:pos+2], word)
			}
		}
		return raw
	}
}

// plausibleWords is a device snapshot acceptable for a 5 kW system:
// 12.34 kWh today, 1500 W + 1200 W string power.
func plausibleWords() map[uint16]uint16 {
	return map[uint16]uint16{
		0x0685: 1234, // PV_Generation_Today low word, factor 0.01
		0x0586: 150,  // Power_PV1, factor 10
		0x0589: 120,  // Power_PV2, factor 10
		0x048D: 2301, // Voltage_Phase_R, factor 0.1
		0x0418: 35,   // Temperature_Env1
	}
}

func newTestPoller(t *testing.T, addr *net.TCPAddr, capacityKW float64) (*Poller, *[]time.Duration) {
	t.Helper()

	regmap, err := registers.LoadDefault()
	require.NoError(t, err)

	cfg := Config{Serial: 1234567890, SystemSizeKW: capacityKW}
	if addr != nil {
		cfg.Host = "127.0.0.1"
		cfg.Port = addr.Port
	}

	p := NewPoller(cfg, regmap)
	sleeps := &[]time.Duration{}
	p.sleep = func(d time.Duration) {
		*sleeps = append(*sleeps, d)
	}
	return p, sleeps
}

func backoffCount(sleeps []time.Duration) int {
	var n int
	for _, d := range sleeps {
		if d == backoffInterval {
			n++
		}
	}
	return n
}

func TestPollSuccess(t *testing.T) {
	addr := startFakeInverter(t, cannedResponder(plausibleWords()))
	p, sleeps := newTestPoller(t, addr, 5)

	result, err := p.Poll(context.Background(), []string{"GridOutput", "SystemInfo"})
	require.NoError(t, err)

	energy, ok := result.EnergyTodayKWh()
	require.True(t, ok)
	assert.InDelta(t, 12.34, energy, 1e-9)

	power, ok := result.TotalPVPower()
	require.True(t, ok)
	assert.Equal(t, 2700.0, power)

	voltage, ok := result.Value(domain.RangeGridOutput, domain.FieldGridVoltage)
	require.True(t, ok)
	assert.InDelta(t, 230.1, voltage, 1e-9)

	// a clean first attempt never backs off
	assert.Equal(t, 0, backoffCount(*sleeps))
}

func TestPollForcesRequiredRanges(t *testing.T) {
	addr := startFakeInverter(t, cannedResponder(plausibleWords()))
	p, _ := newTestPoller(t, addr, 5)

	result, err := p.Poll(context.Background(), []string{domain.RangeGridOutput})
	require.NoError(t, err)

	assert.True(t, result.Has(domain.RangeGridOutput))
	assert.True(t, result.Has(domain.RangeEnergyTodayTotals))
	assert.True(t, result.Has(domain.RangePVOutput))
}

func TestPollDropsUnknownRange(t *testing.T) {
	addr := startFakeInverter(t, cannedResponder(plausibleWords()))
	p, _ := newTestPoller(t, addr, 5)

	result, err := p.Poll(context.Background(), []string{"NoSuchRange"})
	require.NoError(t, err)

	assert.False(t, result.Has("NoSuchRange"))
	assert.True(t, result.Has(domain.RangeEnergyTodayTotals))
	assert.True(t, result.Has(domain.RangePVOutput))
}

func TestPollDeduplicatesRequestedRanges(t *testing.T) {
	addr := startFakeInverter(t, cannedResponder(plausibleWords()))
	p, _ := newTestPoller(t, addr, 5)

	names := []string{domain.RangePVOutput, domain.RangePVOutput, domain.RangePVOutput}
	result, err := p.Poll(context.Background(), names)
	require.NoError(t, err)
	assert.Len(t, result, 2)
}

func TestPollConnectFailureExhaustsAttempts(t *testing.T) {
	p, sleeps := newTestPoller(t, nil, 5)

	var dials int
	p.connector.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials++
		return nil, errors.New("connection refused")
	}

	result, err := p.Poll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Nil(t, result)
	assert.Equal(t, maxAttempts, dials)
	assert.Equal(t, maxAttempts, backoffCount(*sleeps))
}

func TestPollImplausibleEnergyRetriesUntilExhausted(t *testing.T) {
	// 60 kWh on a 5 kW system is beyond the daily yield limit
	words := plausibleWords()
	words[0x0685] = 6000
	addr := startFakeInverter(t, cannedResponder(words))
	p, sleeps := newTestPoller(t, addr, 5)

	result, err := p.Poll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Nil(t, result)
	assert.Equal(t, maxAttempts, backoffCount(*sleeps))
}

func TestPollImplausiblePowerRejected(t *testing.T) {
	// 9000 W total on a 5 kW system exceeds the power limit
	words := plausibleWords()
	words[0x0586] = 600
	words[0x0589] = 300
	addr := startFakeInverter(t, cannedResponder(words))
	p, _ := newTestPoller(t, addr, 5)

	_, err := p.Poll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestPollCapacityZeroDisablesPlausibility(t *testing.T) {
	words := plausibleWords()
	words[0x0685] = 6000
	addr := startFakeInverter(t, cannedResponder(words))
	p, _ := newTestPoller(t, addr, 0)

	result, err := p.Poll(context.Background(), nil)
	require.NoError(t, err)

	energy, ok := result.EnergyTodayKWh()
	require.True(t, ok)
	assert.InDelta(t, 60.0, energy, 1e-9)
}

func TestPollSilentInverterExhaustsAttempts(t *testing.T) {
	addr := startFakeInverter(t, func(start, count uint16) []byte {
		return nil
	})
	p, sleeps := newTestPoller(t, addr, 5)
	p.connector.readTimeout = 50 * time.Millisecond

	_, err := p.Poll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Equal(t, maxAttempts, backoffCount(*sleeps))
}

func TestPollTruncatedResponseDropsTrailingFields(t *testing.T) {
	full := cannedResponder(plausibleWords())
	addr := startFakeInverter(t, func(start, count uint16) []byte {
		raw := full(start, count)
		if start == 0x0580 {
			// last two registers missing: Power_PV2 lives there
			return raw[:len(raw)-4]
		}
		return raw
	})
	p, _ := newTestPoller(t, addr, 5)

	result, err := p.Poll(context.Background(), nil)
	require.NoError(t, err)

	_, ok := result.Value(domain.RangePVOutput, domain.FieldPowerPV1)
	assert.True(t, ok)
	_, ok = result.Value(domain.RangePVOutput, domain.FieldPowerPV2)
	assert.False(t, ok)
}

func TestPollCancelledContext(t *testing.T) {
	p, _ := newTestPoller(t, nil, 5)

	var dials int
	p.connector.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		dials++
		return nil, errors.New("unreachable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Poll(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, dials)
}

func TestNormalizeRanges(t *testing.T) {
	regmap, err := registers.LoadDefault()
	require.NoError(t, err)
	p := NewPoller(Config{}, regmap)

	names := p.normalizeRanges([]string{"SystemInfo", "Bogus", "SystemInfo"})
	assert.Equal(t, []string{"SystemInfo", "EnergyTodayTotals", "PVOutput"}, names)
}
