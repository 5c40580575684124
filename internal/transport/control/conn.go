// Package control implements the out-of-band channel two rdmaperf peers use
// to agree on a test, exchange connection parameters, line up the start of
// the timed region and trade results. Messages are length prefixed records
// over a stream connection.
package control

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPort is the daemon's listen port.
const DefaultPort = 19765

const (
	headerSize = 4
	maxMessage = 1 << 20
	syncToken  = "SyNc"
)

var (
	ErrShortMessage    = errors.New("message size mismatch")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrBadRequestIndex = errors.New("bad request index")
	ErrFieldTooLong    = errors.New("field too long")
	ErrSyncMismatch    = errors.New("synchronization failed")
)

// Conn is one control connection. It is not safe for concurrent use; each
// side of a test drives it from a single goroutine.
type Conn struct {
	conn    net.Conn
	log     zerolog.Logger
	timeout time.Duration
}

// NewConn wraps c. A positive timeout bounds every send and receive.
func NewConn(c net.Conn, timeout time.Duration, log zerolog.Logger) *Conn {
	return &Conn{conn: c, timeout: timeout, log: log}
}

// SetTimeout changes the per-operation timeout.
func (c *Conn) SetTimeout(d time.Duration) {
	c.timeout = d
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) deadline() error {
	if c.timeout <= 0 {
		return c.conn.SetDeadline(time.Time{})
	}

	return c.conn.SetDeadline(time.Now().Add(c.timeout))
}

// SendMessage writes one record.
func (c *Conn) SendMessage(label string, payload []byte) error {
	if len(payload) > maxMessage {
		return fmt.Errorf("failed to send %s: message of %d bytes too large", label, len(payload))
	}

	err := c.deadline()
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", label, err)
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload))) //nolint:gosec // G115: bounded by maxMessage
	copy(buf[headerSize:], payload)

	_, err = c.conn.Write(buf)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", label, err)
	}

	c.log.Trace().Str("label", label).Int("size", len(payload)).Msg("Sent control message")

	return nil
}

// RecvMessage reads one record that must be exactly size bytes long.
func (c *Conn) RecvMessage(label string, size int) ([]byte, error) {
	buf, err := c.RecvAny(label)
	if err != nil {
		return nil, err
	}

	if len(buf) != size {
		return nil, fmt.Errorf("failed to receive %s: %w: got %d bytes, expected %d", label, ErrShortMessage, len(buf), size)
	}

	return buf, nil
}

// RecvAny reads one record of any length.
func (c *Conn) RecvAny(label string) ([]byte, error) {
	err := c.deadline()
	if err != nil {
		return nil, fmt.Errorf("failed to receive %s: %w", label, err)
	}

	var hdr [headerSize]byte

	_, err = io.ReadFull(c.conn, hdr[:])
	if err != nil {
		return nil, fmt.Errorf("failed to receive %s: %w", label, err)
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessage {
		return nil, fmt.Errorf("failed to receive %s: message of %d bytes too large", label, n)
	}

	buf := make([]byte, n)

	_, err = io.ReadFull(c.conn, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to receive %s: %w", label, err)
	}

	c.log.Trace().Str("label", label).Int("size", len(buf)).Msg("Received control message")

	return buf, nil
}

// SendSync sends the synchronization token.
func (c *Conn) SendSync(label string) error {
	return c.SendMessage(label, []byte(syncToken))
}

// RecvSync waits for the synchronization token.
func (c *Conn) RecvSync(label string) error {
	buf, err := c.RecvMessage(label, len(syncToken))
	if err != nil {
		return err
	}

	if string(buf) != syncToken {
		return fmt.Errorf("%s: %w", label, ErrSyncMismatch)
	}

	return nil
}

// Synchronize is a two-party barrier. The client speaks first.
func (c *Conn) Synchronize(client bool, label string) error {
	if client {
		err := c.SendSync(label)
		if err != nil {
			return err
		}

		return c.RecvSync(label)
	}

	err := c.RecvSync(label)
	if err != nil {
		return err
	}

	return c.SendSync(label)
}

// WaitClosed blocks until the peer closes its end or the timeout passes.
func (c *Conn) WaitClosed() {
	_ = c.deadline()

	var buf [1]byte

	_, _ = c.conn.Read(buf[:])
}

// Dial connects to a daemon. With a positive wait it retries once a second
// until the daemon answers or wait has passed.
func Dial(ctx context.Context, host string, port int, wait, timeout time.Duration, log zerolog.Logger) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: timeout}

	var deadline time.Time
	if wait > 0 {
		deadline = time.Now().Add(wait)
	}

	for {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			log.Debug().Str("addr", addr).Msg("Connected to server")
			return NewConn(c, timeout, log), nil
		}

		if wait <= 0 || time.Now().After(deadline) {
			return nil, fmt.Errorf("%s: failed to connect: %w", host, err)
		}

		log.Debug().Err(err).Str("addr", addr).Msg("Server not ready, retrying")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: failed to connect: %w", host, ctx.Err())
		case <-time.After(time.Second):
		}
	}
}
