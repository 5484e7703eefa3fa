// Package client calls methods, triggers signals and subscribes to topics of a namespace server.
//
// Every one-shot call opens its own connection, sends one request, waits for one response
// and closes the connection. Subscriptions keep their connection until Close or until the
// server goes away.
package client

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"uds-rpc/codec"
	"uds-rpc/config"
	"uds-rpc/discovery"
	"uds-rpc/marshal"
	"uds-rpc/message"
	"uds-rpc/protocol"
	"uds-rpc/rpcerr"
	"uds-rpc/transport"
)

type Client struct {
	endpoint  config.Endpoint
	path      string
	timeout   time.Duration // per call, 0 waits for ctx only
	maxSize   int
	keepAlive time.Duration
	codec     codec.Codec
	directory discovery.Directory
	logger    *zap.Logger
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithDirectory resolves the socket path through d instead of computing it locally.
func WithDirectory(d discovery.Directory) Option {
	return func(c *Client) { c.directory = d }
}

func New(cfg config.Config, opts ...Option) (*Client, error) {
	path, err := cfg.Endpoint.Address()
	if err != nil {
		return nil, err
	}
	if cfg.Client.MaxMessageMB <= 0 {
		return nil, rpcerr.Config("client.max_message_mb must be positive, got %d", cfg.Client.MaxMessageMB)
	}
	if cfg.Client.Timeout.Duration < 0 {
		return nil, rpcerr.Config("client.timeout must not be negative")
	}

	c := &Client{
		endpoint:  cfg.Endpoint,
		path:      path,
		timeout:   cfg.Client.Timeout.Duration,
		maxSize:   config.MaxBytes(cfg.Client.MaxMessageMB),
		keepAlive: cfg.Client.KeepAlive.Duration,
		codec:     codec.Default,
		logger:    zap.L(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("endpoint", cfg.Endpoint.String()))
	return c, nil
}

// mustReady panics on a Client that did not come from New; using one is a programming error.
func (c *Client) mustReady() {
	if c == nil || c.codec == nil {
		panic(rpcerr.Config("client not initialized, build it with client.New"))
	}
}

// CallMethod invokes a method and waits for its return value.
func (c *Client) CallMethod(ctx context.Context, method string, args ...any) Result {
	c.mustReady()
	req, err := c.newRequest(message.TypeCallMethod, args)
	if err != nil {
		return failure(message.MethodCallError, "%v", err)
	}
	req.Method = method
	return c.roundTrip(ctx, req)
}

// TriggerSignal queues a signal on the server. Success only means the server accepted it;
// the handler runs later and its outcome is never reported back.
func (c *Client) TriggerSignal(ctx context.Context, signal string, args ...any) Result {
	c.mustReady()
	req, err := c.newRequest(message.TypeTriggerSignal, args)
	if err != nil {
		return failure(message.MethodCallError, "%v", err)
	}
	req.Signal = signal
	return c.roundTrip(ctx, req)
}

// GetMethods lists the methods of the namespace. Decode the result into a
// message.NamespaceListing.
func (c *Client) GetMethods(ctx context.Context) Result {
	c.mustReady()
	return c.roundTrip(ctx, &message.Request{Type: message.TypeGetMethod})
}

// GetSignals lists trigger signals and topics.
func (c *Client) GetSignals(ctx context.Context) Result {
	c.mustReady()
	return c.roundTrip(ctx, &message.Request{Type: message.TypeGetSignal})
}

func (c *Client) GetMethodsAndSignals(ctx context.Context) Result {
	c.mustReady()
	return c.roundTrip(ctx, &message.Request{Type: message.TypeGetMethodAndSignal})
}

// newRequest infers the tag of every argument and renders byte sequences as base64 text.
// Nothing is sent when an argument has no tag.
func (c *Client) newRequest(typ message.RequestType, args []any) (*message.Request, error) {
	req := &message.Request{Type: typ}
	for i, arg := range args {
		tag, err := marshal.TagOfValue(arg)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindParam, err, "argument %d", i)
		}
		v, err := marshal.Render(arg)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindParam, err, "argument %d", i)
		}
		raw, err := c.codec.Encode(v)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindDataProcess, err, "argument %d", i)
		}
		req.Data = append(req.Data, raw)
		req.ParameterTypes = append(req.ParameterTypes, tag.String())
	}
	return req, nil
}

// resolve returns the socket path, asking the directory when one is configured.
func (c *Client) resolve(ctx context.Context) (string, error) {
	if c.directory == nil {
		return c.path, nil
	}
	rec, err := c.directory.Lookup(ctx, string(c.endpoint.Category), c.endpoint.Namespace)
	if err != nil {
		if errors.Is(err, discovery.ErrNotFound) {
			return "", err
		}
		c.logger.Warn("directory lookup failed, using local address", zap.Error(err))
		return c.path, nil
	}
	return rec.Path, nil
}

func (c *Client) encode(req *message.Request) ([]byte, error) {
	body, err := c.codec.Encode(req)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindDataProcess, err, "encode request")
	}
	if len(body) > c.maxSize {
		return nil, &protocol.SizeError{Size: uint32(len(body)), Limit: c.maxSize}
	}
	return body, nil
}

// connect dials the endpoint. A missing or dead endpoint is NOT_CONNECTED.
func (c *Client) connect(ctx context.Context) (*transport.Conn, *Result) {
	path, err := c.resolve(ctx)
	if err != nil {
		r := failure(message.NotConnected, "not connected: %v", err)
		return nil, &r
	}
	conn, err := transport.Dial(ctx, path, c.maxSize)
	if err != nil {
		if ctx.Err() != nil {
			r := failure(message.OverTime, "connect: %v", ctx.Err())
			return nil, &r
		}
		r := failure(message.NotConnected, "not connected: %v", err)
		return nil, &r
	}
	return conn, nil
}

// roundTrip runs one request on its own connection. The connection is released on every
// path; a timeout only abandons the wait, the server-side handler keeps running.
func (c *Client) roundTrip(ctx context.Context, req *message.Request) Result {
	res := c.exchange(ctx, req)
	if !res.OK() {
		c.logger.Debug("call failed",
			zap.String("type", string(req.Type)),
			zap.String("name", req.Name()),
			zap.Stringer("code", res.Code),
			zap.String("msg", res.Message))
	}
	return res
}

func (c *Client) exchange(ctx context.Context, req *message.Request) Result {
	body, err := c.encode(req)
	if err != nil {
		return failure(message.MethodCallError, "%v", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	conn, res := c.connect(ctx)
	if res != nil {
		return *res
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := conn.Send(protocol.MsgTypeRequest, body); err != nil {
		return c.transportFailure(ctx, err)
	}
	resp, err := c.receive(conn)
	if err != nil {
		return c.transportFailure(ctx, err)
	}
	return fromResponse(resp, message.MethodCallError)
}

// receive reads the next envelope, skipping heartbeats.
func (c *Client) receive(conn *transport.Conn) (*message.RawResponse, error) {
	for {
		msgType, body, err := conn.Receive()
		if err != nil {
			return nil, err
		}
		if msgType == protocol.MsgTypeHeartbeat {
			continue
		}
		var resp message.RawResponse
		if err := c.codec.Decode(body, &resp); err != nil {
			return nil, rpcerr.Wrap(rpcerr.KindDataProcess, err, "invalid response")
		}
		return &resp, nil
	}
}

func (c *Client) transportFailure(ctx context.Context, err error) Result {
	switch {
	case ctx.Err() != nil || transport.IsTimeout(err):
		return failure(message.OverTime, "no response within deadline")
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return failure(message.MethodCallError, "message exceeds maximum size: %v", err)
	}
	return failure(message.MethodCallError, "%v", err)
}
