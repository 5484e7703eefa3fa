package server

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"uds-rpc/config"
	"uds-rpc/discovery"
	"uds-rpc/marshal"
	"uds-rpc/message"
	"uds-rpc/protocol"
	"uds-rpc/registry"
	"uds-rpc/rpcerr"
	"uds-rpc/transport"
)

// ---- 测试用的服务 ----

func testConfig(t *testing.T, namespace string) config.Config {
	dir, err := os.MkdirTemp("", "uds")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	cfg := config.Default()
	cfg.Endpoint = config.Endpoint{BaseDir: dir, Category: config.CategoryCustom, Namespace: namespace}
	return cfg
}

func echo(ctx context.Context, args marshal.Args) (any, error) {
	return args.Interfaces()[0], nil
}

func add(ctx context.Context, args marshal.Args) (any, error) {
	a, err := marshal.As[int](args, 0)
	if err != nil {
		return nil, err
	}
	b, err := marshal.As[int](args, 1)
	if err != nil {
		return nil, err
	}
	return a + b, nil
}

func startServer(t *testing.T, cfg config.Config, opts ...Option) *Server {
	s, err := New(cfg, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	err = s.Register(
		registry.Handler{Name: "echo", Category: registry.Method, Func: echo,
			Params: []registry.Param{registry.ParamOf[[]byte]("data")}, Returns: registry.ReturnOf[[]byte]()},
		registry.Handler{Name: "add", Category: registry.Method, Func: add,
			Params:  []registry.Param{registry.ParamOf[int]("a"), registry.ParamOf[int]("b")},
			Returns: registry.ReturnOf[int]()},
		registry.Handler{Name: "boom", Category: registry.Method, Func: func(ctx context.Context, args marshal.Args) (any, error) {
			panic("boom")
		}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterTopic("sub_shutdown"); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Shutdown(time.Second) })
	return s
}

func dial(t *testing.T, s *Server) *transport.Conn {
	conn, err := transport.Dial(context.Background(), s.Addr(), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func send(t *testing.T, conn *transport.Conn, req *message.Request) {
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Send(protocol.MsgTypeRequest, body); err != nil {
		t.Fatal(err)
	}
}

func receive(t *testing.T, conn *transport.Conn) message.RawResponse {
	for {
		typ, body, err := conn.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if typ == protocol.MsgTypeHeartbeat {
			continue
		}
		var resp message.RawResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}
}

// roundTrip 每个请求一个连接
func roundTrip(t *testing.T, s *Server, req *message.Request) message.RawResponse {
	conn := dial(t, s)
	send(t, conn, req)
	return receive(t, conn)
}

func raw(vs ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		out[i] = json.RawMessage(v)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestZeroValueServer(t *testing.T) {
	var s Server
	if err := s.Register(); !errors.Is(err, rpcerr.ErrConfig) {
		t.Fatalf("expect config error, got %v", err)
	}
	if err := s.Start(); !errors.Is(err, rpcerr.ErrConfig) {
		t.Fatalf("expect config error, got %v", err)
	}
	if _, err := s.Publish("t", 1); !errors.Is(err, rpcerr.ErrConfig) {
		t.Fatalf("expect config error, got %v", err)
	}
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig(t, "ns")
	cfg.Endpoint.Category = "bogus"
	if _, err := New(cfg); !errors.Is(err, rpcerr.ErrConfig) {
		t.Fatalf("expect config error, got %v", err)
	}
	cfg = testConfig(t, "ns")
	cfg.Server.MaxMessageMB = 0
	if _, err := New(cfg); !errors.Is(err, rpcerr.ErrConfig) {
		t.Fatalf("expect config error, got %v", err)
	}
}

func TestCallMethod(t *testing.T) {
	s := startServer(t, testConfig(t, "call"))

	resp := roundTrip(t, s, &message.Request{Type: message.TypeCallMethod, Method: "echo", Data: raw(`"aGVsbG8="`)})
	if resp.Code != message.CodeOK || string(resp.Data) != `"aGVsbG8="` {
		t.Fatalf("unexpected echo response %+v %s", resp, resp.Data)
	}

	resp = roundTrip(t, s, &message.Request{Type: message.TypeCallMethod, Method: "add", Data: raw(`1`, `"2"`)})
	if resp.Code != message.CodeOK || string(resp.Data) != `3` {
		t.Fatalf("unexpected add response %+v %s", resp, resp.Data)
	}
}

func TestCallMethodErrors(t *testing.T) {
	s := startServer(t, testConfig(t, "errs"))

	tests := []struct {
		name string
		req  *message.Request
		want string
	}{
		{"unknown method", &message.Request{Type: message.TypeCallMethod, Method: "nope"}, "method not found: nope"},
		{"arity", &message.Request{Type: message.TypeCallMethod, Method: "add", Data: raw(`1`)}, "expect 2 arguments, got 1"},
		{"bad argument", &message.Request{Type: message.TypeCallMethod, Method: "add", Data: raw(`1`, `"x"`)}, "argument 1"},
		{"panic", &message.Request{Type: message.TypeCallMethod, Method: "boom"}, "boom"},
		{"unknown type", &message.Request{Type: "bogus"}, `unknown request type: "bogus"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := roundTrip(t, s, tt.req)
			if resp.Code != message.CodeError || !strings.Contains(resp.Msg, tt.want) {
				t.Fatalf("expect error containing %q, got %+v", tt.want, resp)
			}
		})
	}

	// 处理函数 panic 之后服务器仍然可用
	resp := roundTrip(t, s, &message.Request{Type: message.TypeCallMethod, Method: "add", Data: raw(`2`, `2`)})
	if resp.Code != message.CodeOK {
		t.Fatalf("server unusable after panic: %+v", resp)
	}
}

func TestOneShotConnectionClosed(t *testing.T) {
	s := startServer(t, testConfig(t, "oneshot"))
	conn := dial(t, s)
	send(t, conn, &message.Request{Type: message.TypeGetMethod})
	receive(t, conn)
	if _, _, err := conn.Receive(); err == nil {
		t.Fatal("expect the server to close a one-shot connection")
	}
}

func TestTriggerSignalFIFO(t *testing.T) {
	cfg := testConfig(t, "fifo")
	s, err := New(cfg, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var got []int
	release := make(chan struct{})
	err = s.Register(registry.Handler{
		Name:     "record",
		Category: registry.Signal,
		Params:   []registry.Param{registry.ParamOf[int]("n")},
		Func: func(ctx context.Context, args marshal.Args) (any, error) {
			<-release
			n, _ := marshal.As[int](args, 0)
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
			return nil, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(time.Second)

	// 处理函数被阻塞时，确认仍然立即返回
	for i := 0; i < 20; i++ {
		data, _ := json.Marshal(i)
		resp := roundTrip(t, s, &message.Request{Type: message.TypeTriggerSignal, Signal: "record", Data: []json.RawMessage{data}})
		if resp.Code != message.CodeOK {
			t.Fatalf("trigger %d failed: %+v", i, resp)
		}
	}
	close(release)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	})
	for i, n := range got {
		if n != i {
			t.Fatalf("signals ran out of order: %v", got)
		}
	}

	resp := roundTrip(t, s, &message.Request{Type: message.TypeTriggerSignal, Signal: "missing"})
	if resp.Code != message.CodeError || resp.Msg != "signal not found: missing" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func subscribe(t *testing.T, s *Server, topic string) (*transport.Conn, message.RawResponse) {
	conn := dial(t, s)
	conn.SetDeadline(time.Time{})
	send(t, conn, &message.Request{Type: message.TypeSubSignal, Signal: topic})
	return conn, receive(t, conn)
}

func TestSubscribeAndPublish(t *testing.T) {
	s := startServer(t, testConfig(t, "pub"))
	if err := s.RegisterTopic("other"); err != nil {
		t.Fatal(err)
	}

	var subs []*transport.Conn
	for i := 0; i < 3; i++ {
		conn, ack := subscribe(t, s, "sub_shutdown")
		if ack.Code != message.CodeOK || ack.Type != message.TypeSubRes {
			t.Fatalf("unexpected ack %+v", ack)
		}
		subs = append(subs, conn)
	}
	other, _ := subscribe(t, s, "other")

	n, err := s.Publish("sub_shutdown", map[string]any{"reason": "update"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expect 3 deliveries, got %d", n)
	}
	for _, conn := range subs {
		msg := receive(t, conn)
		if msg.Type != message.TypeSubData || string(msg.Data) != `{"reason":"update"}` {
			t.Fatalf("unexpected push %+v %s", msg, msg.Data)
		}
	}

	if n, _ := s.Publish("other", 1); n != 1 {
		t.Fatalf("expect 1 delivery to other, got %d", n)
	}
	if msg := receive(t, other); string(msg.Data) != "1" {
		t.Fatalf("unexpected push on other %s", msg.Data)
	}

	if _, err := s.Publish("undeclared", 1); !errors.Is(err, rpcerr.ErrRegister) {
		t.Fatalf("expect register error, got %v", err)
	}
}

func TestSubscribeUndeclaredThenRetry(t *testing.T) {
	s := startServer(t, testConfig(t, "retry"))

	conn, ack := subscribe(t, s, "missing")
	if ack.Code != message.CodeError || ack.Type != message.TypeSubRes || ack.Msg != "subscribe failed: no such signal: missing" {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if s.topics.Subscribers("sub_shutdown") != 0 {
		t.Fatal("failed subscribe must not add membership")
	}

	// 连接保持打开，可以重试
	send(t, conn, &message.Request{Type: message.TypeSubSignal, Signal: "sub_shutdown"})
	if ack := receive(t, conn); ack.Code != message.CodeOK {
		t.Fatalf("retry failed: %+v", ack)
	}

	send(t, conn, &message.Request{Type: message.TypeSubSignal, Signal: "sub_shutdown"})
	if ack := receive(t, conn); ack.Code != message.CodeError || !strings.Contains(ack.Msg, "already subscribed") {
		t.Fatalf("expect second subscribe rejected, got %+v", ack)
	}

	send(t, conn, &message.Request{Type: message.TypeGetMethod})
	if resp := receive(t, conn); resp.Code != message.CodeError {
		t.Fatalf("expect other requests rejected on a subscription, got %+v", resp)
	}
	if s.topics.Subscribers("sub_shutdown") != 1 {
		t.Fatal("existing membership must be kept")
	}
}

func TestSubscriberCloseRemoved(t *testing.T) {
	s := startServer(t, testConfig(t, "close"))
	conn, _ := subscribe(t, s, "sub_shutdown")
	if s.topics.Subscribers("sub_shutdown") != 1 {
		t.Fatal("expect one subscriber")
	}
	conn.Close()
	waitFor(t, func() bool { return s.topics.Subscribers("sub_shutdown") == 0 })
	if n, _ := s.Publish("sub_shutdown", "x"); n != 0 {
		t.Fatalf("closed subscriber still counted: %d", n)
	}
}

func TestOversizedRequest(t *testing.T) {
	s := startServer(t, testConfig(t, "big"))
	conn := dial(t, s)
	body := make([]byte, config.MaxBytes(1)+1)
	if err := conn.Send(protocol.MsgTypeRequest, body); err != nil {
		t.Fatal(err)
	}
	resp := receive(t, conn)
	if resp.Code != message.CodeError || !strings.Contains(resp.Msg, "exceeds maximum size") {
		t.Fatalf("unexpected response %+v", resp)
	}

	resp = roundTrip(t, s, &message.Request{Type: message.TypeCallMethod, Method: "add", Data: raw(`1`, `1`)})
	if resp.Code != message.CodeOK {
		t.Fatalf("server unusable after oversized frame: %+v", resp)
	}
}

func TestNamespaceListing(t *testing.T) {
	s := startServer(t, testConfig(t, "ls"))
	if err := s.Register(registry.Handler{Name: "notify", Category: registry.Signal,
		Func: func(ctx context.Context, args marshal.Args) (any, error) { return nil, nil },
		Params: []registry.Param{registry.ParamOf[map[string]any]("event")}}); err != nil {
		t.Fatal(err)
	}

	var listing message.NamespaceListing
	resp := roundTrip(t, s, &message.Request{Type: message.TypeGetMethod})
	json.Unmarshal(resp.Data, &listing)
	if listing.MethodNum != 3 || len(listing.Method) != 3 || listing.Signal != nil {
		t.Fatalf("unexpected method listing %s", resp.Data)
	}
	if m := listing.Method[0]; m.Name != "add" || strings.Join(m.ParameterNames, ",") != "a,b" ||
		strings.Join(m.ParameterTypes, ",") != "int,int" {
		t.Fatalf("unexpected item %+v", m)
	}

	listing = message.NamespaceListing{}
	resp = roundTrip(t, s, &message.Request{Type: message.TypeGetSignal})
	json.Unmarshal(resp.Data, &listing)
	if listing.MethodNum != 2 || listing.Method != nil {
		t.Fatalf("unexpected signal listing %s", resp.Data)
	}
	if listing.Signal[0].Name != "notify" || listing.Signal[0].ParameterTypes[0] != "Map" || listing.Signal[1].Name != "sub_shutdown" {
		t.Fatalf("unexpected signals %+v", listing.Signal)
	}

	listing = message.NamespaceListing{}
	resp = roundTrip(t, s, &message.Request{Type: message.TypeGetMethodAndSignal})
	json.Unmarshal(resp.Data, &listing)
	if listing.MethodNum != 3 || len(listing.Method) != 3 || len(listing.Signal) != 2 {
		t.Fatalf("unexpected combined listing %s", resp.Data)
	}
}

func TestEmptyListing(t *testing.T) {
	s, err := New(testConfig(t, "empty"), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(time.Second)

	resp := roundTrip(t, s, &message.Request{Type: message.TypeGetMethod})
	if string(resp.Data) != `{"method":[],"methodNum":0}` {
		t.Fatalf("unexpected empty listing %s", resp.Data)
	}
}

func TestNamespaceOccupied(t *testing.T) {
	cfg := testConfig(t, "taken")
	startServer(t, cfg)

	s, err := New(cfg, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); !errors.Is(err, rpcerr.ErrNamespaceOccupied) {
		t.Fatalf("expect namespace occupied, got %v", err)
	}
	s.Shutdown(time.Second)
}

func TestStartTwice(t *testing.T) {
	s := startServer(t, testConfig(t, "twice"))
	if err := s.Start(); !errors.Is(err, rpcerr.ErrConfig) {
		t.Fatalf("expect config error, got %v", err)
	}
}

func TestShutdown(t *testing.T) {
	cfg := testConfig(t, "stop")
	dir := discovery.NewMemoryDirectory()
	s := startServer(t, cfg, WithDirectory(dir))

	rec, err := dir.Lookup(context.Background(), "custom", "stop")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Path != s.Addr() || strings.Join(rec.Methods, ",") != "add,boom,echo" || rec.Signals[0] != "sub_shutdown" {
		t.Fatalf("unexpected record %+v", rec)
	}

	conn, _ := subscribe(t, s, "sub_shutdown")
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatal(err)
	}
	if _, _, err := conn.Receive(); err == nil {
		t.Fatal("expect subscription closed on shutdown")
	}
	if _, err := dir.Lookup(context.Background(), "custom", "stop"); !errors.Is(err, discovery.ErrNotFound) {
		t.Fatalf("expect endpoint withdrawn, got %v", err)
	}
	if _, err := os.Stat(s.Addr()); !os.IsNotExist(err) {
		t.Fatal("expect socket file removed")
	}
	if err := s.Shutdown(time.Second); err != nil {
		t.Fatalf("second shutdown should be a no-op, got %v", err)
	}
}

func TestAnnounceDisabled(t *testing.T) {
	cfg := testConfig(t, "hidden")
	cfg.Server.Announce = false
	dir := discovery.NewMemoryDirectory()
	startServer(t, cfg, WithDirectory(dir))

	if _, err := dir.Lookup(context.Background(), "custom", "hidden"); !errors.Is(err, discovery.ErrNotFound) {
		t.Fatalf("expect endpoint not announced, got %v", err)
	}
}

func TestSubscribeDuringShutdown(t *testing.T) {
	s := startServer(t, testConfig(t, "late"))

	// 连接已被接受但还没发请求
	conn := dial(t, s)
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.conns) == 1
	})

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(2 * time.Second) }()
	waitFor(t, s.shutdown.Load)

	send(t, conn, &message.Request{Type: message.TypeSubSignal, Signal: "sub_shutdown"})
	resp := receive(t, conn)
	if resp.Code != message.CodeError || resp.Type != message.TypeSubRes || !strings.Contains(resp.Msg, "shutting down") {
		t.Fatalf("expect rejected subscribe, got %+v", resp)
	}
	if _, _, err := conn.Receive(); err == nil {
		t.Fatal("expect connection closed after the rejection")
	}

	start := time.Now()
	if err := <-done; err != nil {
		t.Fatalf("expect clean shutdown, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("shutdown waited for the late subscriber")
	}
}

func TestShutdownDrainsSignals(t *testing.T) {
	s, err := New(testConfig(t, "drain"), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	ran := 0
	s.Register(registry.Handler{Name: "slow", Category: registry.Signal,
		Func: func(ctx context.Context, args marshal.Args) (any, error) {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			ran++
			mu.Unlock()
			return nil, nil
		}})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		roundTrip(t, s, &message.Request{Type: message.TypeTriggerSignal, Signal: "slow"})
	}
	if err := s.Shutdown(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if ran != 5 {
		t.Fatalf("expect queued signals to finish, ran %d", ran)
	}
}

func TestEncodeFallback(t *testing.T) {
	s, err := New(testConfig(t, "enc"), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(time.Second)

	body := s.encode(&message.Response{Code: message.CodeOK, Data: make(chan int), Type: message.TypeSubData})
	var resp message.RawResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Code != message.CodeError || !strings.HasPrefix(resp.Msg, "serialize response") || resp.Type != message.TypeSubData {
		t.Fatalf("unexpected fallback %+v", resp)
	}
}

func TestRateLimitConfigured(t *testing.T) {
	cfg := testConfig(t, "limited")
	cfg.Server.RateLimit = config.RateLimit{Rate: 0.001, Burst: 1}
	s := startServer(t, cfg)

	req := &message.Request{Type: message.TypeCallMethod, Method: "add", Data: raw(`1`, `1`)}
	if resp := roundTrip(t, s, req); resp.Code != message.CodeOK {
		t.Fatalf("first call should pass, got %+v", resp)
	}
	if resp := roundTrip(t, s, req); resp.Msg != "rate limit exceeded" {
		t.Fatalf("expect rate limit, got %+v", resp)
	}
	if resp := roundTrip(t, s, &message.Request{Type: message.TypeGetMethod}); resp.Code != message.CodeOK {
		t.Fatalf("introspection must not be limited, got %+v", resp)
	}
}
