package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"uds-rpc/message"
	"uds-rpc/protocol"
	"uds-rpc/transport"
)

// Subscription is one persistent connection receiving pushes for a topic.
type Subscription struct {
	topic   string
	conn    *transport.Conn
	handler func(Result)
	logger  *zap.Logger
	closing atomic.Bool
	done    chan struct{}
	err     error // written once before done closes
}

// SubSignal subscribes to a topic. The acknowledgement is returned and also passed to handler,
// like every later push. The connection has no deadline: it lives until Close or until the
// server closes it. On a failed subscribe the connection is closed and the returned
// Subscription is nil.
func (c *Client) SubSignal(ctx context.Context, signal string, handler func(Result), args ...any) (*Subscription, Result) {
	c.mustReady()
	req, err := c.newRequest(message.TypeSubSignal, args)
	if err != nil {
		return nil, failure(message.MethodCallError, "%v", err)
	}
	req.Signal = signal
	body, err := c.encode(req)
	if err != nil {
		return nil, failure(message.MethodCallError, "%v", err)
	}

	conn, res := c.connect(ctx)
	if res != nil {
		return nil, *res
	}

	// only ctx bounds the wait for the acknowledgement
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	err = conn.Send(protocol.MsgTypeRequest, body)
	var resp *message.RawResponse
	if err == nil {
		resp, err = c.receive(conn)
	}
	stop()
	if err != nil {
		conn.Close()
		return nil, c.transportFailure(ctx, err)
	}
	conn.SetDeadline(time.Time{})

	ack := fromResponse(resp, message.SignalSubError)
	if handler != nil {
		handler(ack)
	}
	if !ack.OK() {
		conn.Close()
		return nil, ack
	}

	s := &Subscription{
		topic:   signal,
		conn:    conn,
		handler: handler,
		logger:  c.logger.With(zap.String("topic", signal)),
		done:    make(chan struct{}),
	}
	conn.KeepAlive(c.keepAlive)
	go s.readLoop(c)
	return s, ack
}

func (s *Subscription) readLoop(c *Client) {
	defer close(s.done)
	defer s.conn.Close()
	for {
		resp, err := c.receive(s.conn)
		if err != nil {
			if !s.closing.Load() && !errors.Is(err, net.ErrClosed) {
				s.err = err
				s.logger.Debug("subscription ended", zap.Error(err))
			}
			return
		}
		if s.handler != nil {
			s.handler(fromResponse(resp, message.SignalSubError))
		}
	}
}

func (s *Subscription) Topic() string { return s.topic }

// Close tears the subscription down. It is safe to call from the handler.
func (s *Subscription) Close() error {
	s.closing.Store(true)
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Done is closed when the subscription has ended and the handler will not be called again.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended; nil after Close. Only valid once Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
