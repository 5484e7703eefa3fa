// Package transport wraps a Unix-domain-socket connection with framed send/receive.
//
// A Conn is shared by at most two goroutines on the writing side (the owner and the
// heartbeat loop on subscriptions, or the dispatcher and publishers on the server), so
// every frame is written under a lock. Reads are sequential: exactly one goroutine reads.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"uds-rpc/protocol"
)

var connSeq atomic.Uint64

// Conn is one framed connection.
type Conn struct {
	conn         net.Conn
	id           uint64
	maxSize      int           // per-frame body limit on receive
	writeTimeout time.Duration // 0 means writes may block forever
	sending      sync.Mutex    // header + body of a frame must not interleave with another frame
	closeOnce    sync.Once
	done         chan struct{}
}

// NewConn wraps an accepted or dialed connection. maxSize <= 0 disables the receive limit.
func NewConn(c net.Conn, maxSize int) *Conn {
	return &Conn{
		conn:    c,
		id:      connSeq.Add(1),
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string, maxSize int) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return NewConn(c, maxSize), nil
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) SetWriteTimeout(d time.Duration) { c.writeTimeout = d }

// Send writes one frame.
func (c *Conn) Send(msgType protocol.MsgType, body []byte) error {
	c.sending.Lock()
	defer c.sending.Unlock()

	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return protocol.Encode(c.conn, msgType, body)
}

// Receive reads one frame. An oversized frame yields a *protocol.SizeError and leaves the
// stream positioned at the next frame.
func (c *Conn) Receive() (protocol.MsgType, []byte, error) {
	header, body, err := protocol.Decode(c.conn, c.maxSize)
	if err != nil {
		return 0, nil, err
	}
	return header.MsgType, body, nil
}

// SetDeadline bounds both directions; the zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

func (c *Conn) Close() error {
	err := net.ErrClosed
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// KeepAlive sends heartbeat frames until the connection is closed or a write fails.
// The peer skips heartbeats, they only detect a dead connection early.
func (c *Conn) KeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go c.heartbeatLoop(interval)
}

func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(protocol.MsgTypeHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
