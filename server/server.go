// Package server implements the namespace server: it owns the method/signal registry and the
// topic subscriber sets, accepts connections on the endpoint socket and dispatches requests.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine reads frames)
//	  → Codec.Decode → Middleware Chain → dispatch → Codec.Encode → write response
//	  → close, unless the connection subscribed to a topic
//
// Lifecycle is explicit: New (init), Start or Serve (start), Shutdown (stop). The server never
// installs OS signal handlers; the embedding application decides when to call Shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"uds-rpc/codec"
	"uds-rpc/config"
	"uds-rpc/discovery"
	"uds-rpc/message"
	"uds-rpc/middleware"
	"uds-rpc/protocol"
	"uds-rpc/pubsub"
	"uds-rpc/registry"
	"uds-rpc/rpcerr"
	"uds-rpc/transport"
)

// fallbackBody is sent when even the error envelope cannot be encoded.
var fallbackBody = []byte(`{"code":1,"msg":"internal serialization error"}`)

// Server is one namespace. The zero value is not usable; build it with New.
type Server struct {
	cfg         config.Config
	path        string
	registry    *registry.Registry
	topics      *pubsub.Manager
	signals     *signalQueue
	codec       codec.Codec
	logger      *zap.Logger
	directory   discovery.Directory
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // built once in listen

	mu        sync.Mutex
	listener  net.Listener
	conns     map[*transport.Conn]*connState
	started   bool
	announced bool
	wg        sync.WaitGroup // one per live connection
	shutdown  atomic.Bool    // set before the listener closes so Accept errors are expected
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDirectory announces the endpoint in d while the server runs.
func WithDirectory(d discovery.Directory) Option {
	return func(s *Server) { s.directory = d }
}

// WithMiddleware is the same as calling Use before Start.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Server) { s.middlewares = append(s.middlewares, mws...) }
}

// New validates the configuration and builds an idle server.
func New(cfg config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Endpoint.Validate(); err != nil {
		return nil, err
	}
	if cfg.Server.MaxMessageMB <= 0 {
		return nil, rpcerr.Config("server.max_message_mb must be positive, got %d", cfg.Server.MaxMessageMB)
	}
	path, err := cfg.Endpoint.Address()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		path:     path,
		registry: registry.New(),
		codec:    codec.Default,
		logger:   zap.L(),
		conns:    make(map[*transport.Conn]*connState),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("endpoint", cfg.Endpoint.String()))
	s.topics = pubsub.NewManager(s.logger)
	s.signals = newSignalQueue(s.logger)
	return s, nil
}

func (s *Server) ready() error {
	if s == nil || s.registry == nil {
		return rpcerr.Config("server not initialized, build it with server.New")
	}
	return nil
}

// Addr is the socket path of the endpoint.
func (s *Server) Addr() string { return s.path }

// Register adds method and signal handlers. The batch is rejected as a whole on any error.
func (s *Server) Register(handlers ...registry.Handler) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.registry.Register(handlers...)
}

// RegisterTopic declares a topic clients may subscribe to.
func (s *Server) RegisterTopic(name string) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.topics.RegisterTopic(name)
}

// Publish pushes payload to the current subscribers of topic and reports how many got it.
func (s *Server) Publish(topic string, payload any) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	return s.topics.Publish(topic, payload)
}

// Use registers a middleware. Middlewares are applied in the order they are added, after the
// built-in recovery, metrics and logging layers. Must be called before Start.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Start listens on the endpoint and accepts connections in the background.
// It fails with rpcerr.ErrNamespaceOccupied when another live server owns the endpoint.
func (s *Server) Start() error {
	if err := s.listen(); err != nil {
		return err
	}
	go func() {
		if err := s.acceptLoop(); err != nil {
			s.logger.Error("accept loop stopped", zap.Error(err))
		}
	}()
	return nil
}

// Serve is Start without the goroutine: it blocks until Shutdown or an accept failure.
func (s *Server) Serve() error {
	if err := s.listen(); err != nil {
		return err
	}
	return s.acceptLoop()
}

func (s *Server) listen() error {
	if err := s.ready(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return rpcerr.Config("server already started")
	}

	l, err := transport.Listen(s.path)
	if err != nil {
		s.logger.Error("cannot listen", zap.String("path", s.path), zap.Error(err))
		return err
	}
	s.listener = l
	s.started = true

	// first entry is outermost: recovery also sees panics raised by middlewares
	chain := []middleware.Middleware{
		middleware.RecoveryMiddleware(s.logger),
		middleware.MetricsMiddleware(s.knownName),
		middleware.LoggingMiddleware(s.logger),
	}
	if rl := s.cfg.Server.RateLimit; rl.Rate > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		// subscriptions and introspection are never throttled
		limiter := middleware.RateLimitMiddleware(rl.Rate, burst)
		chain = append(chain, middleware.ForTypes(limiter, message.TypeCallMethod, message.TypeTriggerSignal))
	}
	chain = append(chain, s.middlewares...)
	s.handler = middleware.Chain(chain...)(s.dispatch)

	s.announce()
	s.logger.Info("server started", zap.String("path", s.path))
	return nil
}

// announce publishes the endpoint; failures only cost discoverability. Caller holds s.mu.
func (s *Server) announce() {
	if s.directory == nil || !s.cfg.Server.Announce {
		return
	}
	rec := discovery.Record{
		Category:  string(s.cfg.Endpoint.Category),
		Namespace: s.cfg.Endpoint.Namespace,
		Path:      s.path,
		PID:       os.Getpid(),
	}
	for _, e := range s.registry.Entries(registry.Method) {
		rec.Methods = append(rec.Methods, e.Name)
	}
	for _, e := range s.registry.Entries(registry.Signal) {
		rec.Signals = append(rec.Signals, e.Name)
	}
	rec.Signals = append(rec.Signals, s.topics.Topics()...)

	ttl := s.cfg.Server.LeaseTTL
	if ttl <= 0 {
		ttl = config.DefaultLeaseTTL
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.directory.Announce(ctx, rec, ttl); err != nil {
		s.logger.Warn("announce failed", zap.Error(err))
		return
	}
	s.announced = true
}

// acceptLoop runs one goroutine per connection.
func (s *Server) acceptLoop() error {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			// listener.Close() during shutdown makes Accept fail
			if s.shutdown.Load() {
				return nil
			}
			return err
		}

		conn := transport.NewConn(c, config.MaxBytes(s.cfg.Server.MaxMessageMB))
		conn.SetWriteTimeout(s.cfg.Server.WriteTimeout.Duration)
		state := &connState{conn: conn}

		s.mu.Lock()
		if s.shutdown.Load() {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = state
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(state)
	}
}

// handleConn reads frames sequentially. One-shot requests close the connection after the
// response; after a subscribe the loop keeps reading until the peer goes away, which is how a
// closed subscriber is noticed and removed from its topic.
func (s *Server) handleConn(state *connState) {
	conn := state.conn
	defer s.wg.Done()
	defer func() {
		s.topics.Unsubscribe(conn)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	ctx := withConnState(context.Background(), state)
	for {
		msgType, body, err := conn.Receive()
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) {
				s.reply(conn, state.errorResponse(err.Error()))
				if state.persistent.Load() {
					continue
				}
			}
			return
		}
		if msgType != protocol.MsgTypeRequest {
			// heartbeats, and anything a client should not send
			continue
		}

		var req message.Request
		if err := s.codec.Decode(body, &req); err != nil {
			s.reply(conn, state.errorResponse("invalid request: "+err.Error()))
			if state.persistent.Load() {
				continue
			}
			return
		}

		s.reply(conn, s.handler(ctx, &req))
		if !state.persistent.Load() {
			return
		}
	}
}

func (s *Server) reply(conn *transport.Conn, resp *message.Response) {
	if err := conn.Send(protocol.MsgTypeResponse, s.encode(resp)); err != nil {
		s.logger.Debug("write response failed", zap.Uint64("conn", conn.ID()), zap.Error(err))
	}
}

// encode falls back to an error envelope, then to a fixed body, when serialization fails.
func (s *Server) encode(resp *message.Response) []byte {
	body, err := s.codec.Encode(resp)
	if err == nil {
		return body
	}
	s.logger.Error("serialize response failed", zap.Error(err))

	fallback := message.Error(rpcerr.Wrap(rpcerr.KindDataProcess, err, "serialize response").Error())
	fallback.Type = resp.Type
	body, err = s.codec.Encode(fallback)
	if err != nil {
		s.logger.Error("serialize error response failed", zap.Error(err))
		return fallbackBody
	}
	return body
}

// Shutdown stops the server:
//  1. Withdraw the endpoint from the directory
//  2. Set shutdown flag and close the listener
//  3. Close subscription connections, they never end on their own
//  4. Wait for in-flight one-shot requests, then drain queued signals (within timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	if err := s.ready(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)

	s.mu.Lock()
	if s.shutdown.Swap(true) {
		s.mu.Unlock()
		return nil
	}
	if s.announced {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := s.directory.Withdraw(ctx, string(s.cfg.Endpoint.Category), s.cfg.Endpoint.Namespace); err != nil {
			s.logger.Warn("withdraw failed", zap.Error(err))
		}
		cancel()
		s.announced = false
	}
	if s.listener != nil {
		s.listener.Close()
	}
	for conn, state := range s.conns {
		if state.persistent.Load() {
			conn.Close()
		}
	}
	s.mu.Unlock()

	var errs []error
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline)):
		errs = append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
	}

	if err := s.signals.close(time.Until(deadline)); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("server stopped", zap.String("path", s.path))
	return errors.Join(errs...)
}
