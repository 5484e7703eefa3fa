package server

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"uds-rpc/marshal"
	"uds-rpc/message"
	"uds-rpc/registry"
	"uds-rpc/rpcerr"
	"uds-rpc/transport"
)

// Response texts.
const (
	msgMethodCalled    = "method called"
	msgSignalTriggered = "signal triggered"
	msgSubscribed      = "subscribed"
	msgNamespace       = "namespace listing"
)

// connState is owned by the connection's reader goroutine; persistent is also read by Shutdown.
type connState struct {
	conn       *transport.Conn
	persistent atomic.Bool // a subSignal request arrived on this connection
	topic      string      // set once a subscribe succeeded
}

func (c *connState) errorResponse(msg string) *message.Response {
	resp := message.Error(msg)
	if c.persistent.Load() {
		resp.Type = message.TypeSubRes
	}
	return resp
}

type connStateKey struct{}

func withConnState(ctx context.Context, state *connState) context.Context {
	return context.WithValue(ctx, connStateKey{}, state)
}

func connStateFrom(ctx context.Context) *connState {
	state, _ := ctx.Value(connStateKey{}).(*connState)
	return state
}

// dispatch routes one request by type. It is the innermost HandlerFunc of the chain.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	state := connStateFrom(ctx)
	if state != nil && state.persistent.Load() && req.Type != message.TypeSubSignal {
		return state.errorResponse(fmt.Sprintf("connection is subscribed, %s needs its own connection", req.Type))
	}

	switch req.Type {
	case message.TypeCallMethod:
		return s.callMethod(ctx, req)
	case message.TypeTriggerSignal:
		return s.triggerSignal(req)
	case message.TypeSubSignal:
		return s.subscribe(state, req)
	case message.TypeGetMethod:
		return s.namespace(true, false)
	case message.TypeGetSignal:
		return s.namespace(false, true)
	case message.TypeGetMethodAndSignal:
		return s.namespace(true, true)
	}
	return message.Error(fmt.Sprintf("unknown request type: %q", req.Type))
}

// callMethod invokes the handler on the connection's goroutine; calls on different
// connections run in parallel.
func (s *Server) callMethod(ctx context.Context, req *message.Request) *message.Response {
	entry, ok := s.registry.Lookup(registry.Method, req.Method)
	if !ok {
		return message.Error(rpcerr.Param("method not found: %s", req.Method).Error())
	}
	out, err := entry.Invoke(ctx, req.Data)
	if err != nil {
		return message.Error(err.Error())
	}
	data, err := marshal.Render(out)
	if err != nil {
		return message.Error(rpcerr.Wrap(rpcerr.KindDataProcess, err, "method %s result", req.Method).Error())
	}
	return message.OK(msgMethodCalled, data)
}

// triggerSignal acknowledges immediately. Conversion and invocation run later on the single
// signal worker; their failures are only logged.
func (s *Server) triggerSignal(req *message.Request) *message.Response {
	entry, ok := s.registry.Lookup(registry.Signal, req.Signal)
	if !ok {
		return message.Error(rpcerr.Param("signal not found: %s", req.Signal).Error())
	}
	data := req.Data
	err := s.signals.enqueue(func() {
		if _, err := entry.Invoke(context.Background(), data); err != nil {
			s.logger.Error("signal handler failed", zap.String("signal", entry.Name), zap.Error(err))
		}
	})
	if err != nil {
		return message.Error(err.Error())
	}
	return message.OK(msgSignalTriggered, nil)
}

// subscribe allows one topic per connection. A failed subscribe leaves the connection open
// and unsubscribed; a second subscribe after a successful one is rejected.
func (s *Server) subscribe(state *connState, req *message.Request) *message.Response {
	subRes := func(resp *message.Response) *message.Response {
		resp.Type = message.TypeSubRes
		return resp
	}
	if state == nil {
		return subRes(message.Error("subscribe needs a connection"))
	}
	state.persistent.Store(true)
	if s.shutdown.Load() {
		// Shutdown may have passed its close loop already: reply, then close
		if state.topic == "" {
			state.persistent.Store(false)
		}
		return subRes(message.Error("subscribe failed: server is shutting down"))
	}

	if state.topic != "" {
		return subRes(message.Error(fmt.Sprintf("subscribe failed: connection already subscribed to %s", state.topic)))
	}
	if err := s.topics.Subscribe(req.Signal, state.conn); err != nil {
		return subRes(message.Error("subscribe failed: " + err.Error()))
	}
	state.topic = req.Signal
	return subRes(message.OK(msgSubscribed, nil))
}

// knownName reports whether the method, signal or topic a request targets is served here.
func (s *Server) knownName(req *message.Request) bool {
	switch req.Type {
	case message.TypeCallMethod:
		_, ok := s.registry.Lookup(registry.Method, req.Name())
		return ok
	case message.TypeTriggerSignal:
		_, ok := s.registry.Lookup(registry.Signal, req.Name())
		return ok
	case message.TypeSubSignal:
		return s.topics.Has(req.Name())
	}
	return false
}

// namespace lists methods and/or signals. Signals include declared topics.
// methodNum counts the primary list: methods when requested, signals otherwise.
func (s *Server) namespace(methods, signals bool) *message.Response {
	data := make(map[string]any, 3)
	if methods {
		items := entryItems(s.registry.Entries(registry.Method))
		data["method"] = items
		data["methodNum"] = len(items)
	}
	if signals {
		items := entryItems(s.registry.Entries(registry.Signal))
		for _, topic := range s.topics.Topics() {
			items = append(items, message.NamespaceItem{Name: topic})
		}
		data["signal"] = items
		if !methods {
			data["methodNum"] = len(items)
		}
	}
	return message.OK(msgNamespace, data)
}

func entryItems(entries []*registry.Entry) []message.NamespaceItem {
	items := make([]message.NamespaceItem, 0, len(entries))
	for _, e := range entries {
		types := make([]string, len(e.ParamTags))
		for i, tag := range e.ParamTags {
			types[i] = tag.String()
		}
		items = append(items, message.NamespaceItem{
			Name:           e.Name,
			ParameterNames: e.ParamNames,
			ParameterTypes: types,
		})
	}
	return items
}
