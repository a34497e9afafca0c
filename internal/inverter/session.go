// Package inverter implements the TCP session to a Sofar inverter's logger
// stick and the polling loop that reads register ranges through it.
package inverter

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/M-Klemm/sofar2PVO/internal/protocol"
	"github.com/M-Klemm/sofar2PVO/internal/registers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionState represents the current state of the inverter session.
type SessionState int

const (
	SessionStateDisconnected SessionState = iota
	SessionStateConnecting
	SessionStateConnected
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionStateDisconnected:
		return "disconnected"
	case SessionStateConnecting:
		return "connecting"
	case SessionStateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Timeouts fixed by the logger protocol's pacing.
const (
	// DefaultReadTimeout bounds how long a single receive may block.
	DefaultReadTimeout = 15 * time.Second

	// connectTimeout bounds the TCP dial.
	connectTimeout = 15 * time.Second

	receiveChunkSize = 1024
)

// Config holds the immutable identity of one inverter. Live connection
// state lives in Session, never here.
type Config struct {
	Host         string
	Port         int
	Serial       uint32
	SystemSizeKW float64
}

// Addr returns the network address of the inverter's logger stick.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// DialFunc opens a TCP stream to the inverter. Injectable for tests.
type DialFunc func(network, addr string, timeout time.Duration) (net.Conn, error)

// Session is an open connection to the inverter. It is owned by exactly one
// poll loop, torn down and recreated on any error, never repaired in place.
type Session struct {
	conn        net.Conn
	state       SessionState
	readTimeout time.Duration
	logger      zerolog.Logger
}

// Connector opens sessions to a single inverter.
type Connector struct {
	config      Config
	dial        DialFunc
	readTimeout time.Duration
	logger      zerolog.Logger
}

// NewConnector creates a connector for the configured inverter.
func NewConnector(cfg Config) *Connector {
	return &Connector{
		config:      cfg,
		dial:        net.DialTimeout,
		readTimeout: DefaultReadTimeout,
		logger:      log.With().Str("component", "session").Logger(),
	}
}

// Connect resolves the inverter address and opens a TCP stream. A failed
// dial is logged and reported as an error; it never panics past this
// boundary.
func (c *Connector) Connect() (*Session, error) {
	addr := c.config.Addr()

	conn, err := c.dial("tcp", addr, connectTimeout)
	if err != nil {
		c.logger.Error().
			Err(err).
			Str("address", addr).
			Uint32("serial", c.config.Serial).
			Msg("Could not open socket - inverter turned off?")
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c.logger.Info().
		Str("address", addr).
		Uint32("serial", c.config.Serial).
		Msg("Connected to inverter")

	return &Session{
		conn:        conn,
		state:       SessionStateConnected,
		readTimeout: c.readTimeout,
		logger:      c.logger,
	}, nil
}

// State returns the current session state.
func (s *Session) State() SessionState {
	if s == nil {
		return SessionStateDisconnected
	}
	return s.state
}

// Connected reports whether the session holds a usable connection.
func (s *Session) Connected() bool {
	return s.State() == SessionStateConnected
}

// Send writes a full request frame to the inverter. Any write error tears
// the session down.
func (s *Session) Send(frame []byte) error {
	if !s.Connected() {
		return errors.New("session not connected")
	}

	if _, err := s.conn.Write(frame); err != nil {
		s.logger.Error().Err(err).Msg("Sending request to inverter failed")
		s.Close()
		return fmt.Errorf("failed to send request: %w", err)
	}

	s.logger.Debug().Hex("frame", frame).Msg("Sent request to inverter")
	return nil
}

// ReceiveRange accumulates response bytes for a register range until enough
// data has arrived, the read deadline passes, or the peer closes. A timeout
// leaves the session connected and returns whatever arrived (possibly
// nothing); a closed peer or hard I/O error tears the session down.
func (s *Session) ReceiveRange(rng *registers.RegisterRange) []byte {
	if !s.Connected() {
		return nil
	}

	expected := protocol.ExpectedResponseLength(rng)
	var data []byte
	chunk := make([]byte, receiveChunkSize)

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, err := s.conn.Read(chunk)
		if n > 0 {
			data = append(data, chunk[:n]...)
		}
		if err != nil {
			if isTimeout(err) {
				s.logger.Debug().Err(err).Msg("Connection timeout - inverter and/or gateway is offline")
				break
			}
			// zero-length read or hard failure: peer is gone
			s.logger.Error().Err(err).Msg("No data received from inverter")
			s.Close()
			break
		}
		if len(data) >= expected {
			// any data beyond this will not be parsed
			break
		}
	}

	if len(data) == 0 {
		s.Close()
		return nil
	}

	s.logger.Debug().Hex("data", data).Str("range", rng.Name).Msg("Data received from inverter")
	return data
}

// Close tears down the session. It is idempotent and safe to call on a
// never-opened or already-closed session.
func (s *Session) Close() {
	if s == nil || s.state == SessionStateDisconnected {
		return
	}
	s.state = SessionStateDisconnected
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// ForceClose closes the underlying socket from outside the poll loop,
// unblocking a pending receive. Safe to call concurrently with Poll.
func (s *Session) ForceClose() {
	if s != nil && s.conn != nil {
		_ = s.conn.Close()
	}
}

// isTimeout reports whether a read error is a deadline expiry rather than a
// broken connection.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
