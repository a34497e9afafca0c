package inverter

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/M-Klemm/sofar2PVO/internal/registers"
)

func receiveTestRange(t *testing.T) *registers.RegisterRange {
	t.Helper()
	// 10 registers, so a receive waits for 25 bytes
	return registers.NewRange("PVOutput", 0x0580, 0x0589, map[uint16]registers.FieldDef{
		0x0586: {Name: "Power_PV1", ValueType: registers.TypeU16, Factor: 10},
	})
}

func pipeSession(t *testing.T, readTimeout time.Duration) (*Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	sess := &Session{
		conn:        client,
		state:       SessionStateConnected,
		readTimeout: readTimeout,
	}
	return sess, server
}

func TestSessionStateString(t *testing.T) {
	assert.Equal(t, "disconnected", SessionStateDisconnected.String())
	assert.Equal(t, "connecting", SessionStateConnecting.String())
	assert.Equal(t, "connected", SessionStateConnected.String())
	assert.Equal(t, "unknown", SessionState(42).String())
}

func TestConfigAddr(t *testing.T) {
	cfg := Config{Host: "192.168.1.50", Port: 8899}
	assert.Equal(t, "192.168.1.50:8899", cfg.Addr())
}

func TestConnectorDialFailure(t *testing.T) {
	c := NewConnector(Config{Host: "127.0.0.1", Port: 8899, Serial: 1})
	c.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}

	sess, err := c.Connect()
	assert.Error(t, err)
	assert.Nil(t, sess)
}

func TestConnectorDialSuccess(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConnector(Config{Host: "127.0.0.1", Port: 8899, Serial: 1})
	c.dial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		assert.Equal(t, "tcp", network)
		assert.Equal(t, "127.0.0.1:8899", addr)
		return client, nil
	}

	sess, err := c.Connect()
	require.NoError(t, err)
	assert.True(t, sess.Connected())
	assert.Equal(t, SessionStateConnected, sess.State())
}

func TestSendOnDisconnectedSession(t *testing.T) {
	sess := &Session{}
	assert.Error(t, sess.Send([]byte{0x01}))
}

func TestSendWriteErrorTearsDownSession(t *testing.T) {
	sess, server := pipeSession(t, time.Second)
	_ = server.Close()

	err := sess.Send([]byte{0xA5, 0x00})
	assert.Error(t, err)
	assert.False(t, sess.Connected())
}

func TestReceiveRangeAccumulatesChunks(t *testing.T) {
	sess, server := pipeSession(t, time.Second)
	rng := receiveTestRange(t)

	go func() {
		_, _ = server.Write(make([]byte, 12))
		_, _ = server.Write(make([]byte, 20))
	}()

	data := sess.ReceiveRange(rng)
	assert.GreaterOrEqual(t, len(data), 25)
	assert.True(t, sess.Connected())
}

func TestReceiveRangeTimeoutKeepsPartialData(t *testing.T) {
	sess, server := pipeSession(t, 50*time.Millisecond)
	rng := receiveTestRange(t)

	go func() {
		_, _ = server.Write([]byte{0xA5, 0x01, 0x02, 0x03, 0x04})
		// then stay silent until the deadline passes
	}()

	data := sess.ReceiveRange(rng)
	assert.Len(t, data, 5)
	// a timeout is not a broken connection
	assert.True(t, sess.Connected())
}

func TestReceiveRangeNothingArrivedClosesSession(t *testing.T) {
	sess, _ := pipeSession(t, 50*time.Millisecond)
	rng := receiveTestRange(t)

	data := sess.ReceiveRange(rng)
	assert.Nil(t, data)
	assert.False(t, sess.Connected())
}

func TestReceiveRangePeerCloseTearsDownSession(t *testing.T) {
	sess, server := pipeSession(t, time.Second)
	rng := receiveTestRange(t)
	_ = server.Close()

	data := sess.ReceiveRange(rng)
	assert.Nil(t, data)
	assert.False(t, sess.Connected())
}

func TestReceiveRangeOnDisconnectedSession(t *testing.T) {
	sess := &Session{}
	assert.Nil(t, sess.ReceiveRange(receiveTestRange(t)))
}

func TestCloseIsIdempotentAndNilSafe(t *testing.T) {
	var nilSess *Session
	nilSess.Close()
	nilSess.ForceClose()
	assert.False(t, nilSess.Connected())

	sess, _ := pipeSession(t, time.Second)
	sess.Close()
	sess.Close()
	assert.Equal(t, SessionStateDisconnected, sess.State())
}

func TestIsTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	_ = client.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	_, err := client.Read(make([]byte, 1))
	require.Error(t, err)
	assert.True(t, isTimeout(err))

	assert.False(t, isTimeout(errors.New("plain error")))
}
