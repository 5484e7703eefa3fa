// Package message defines the JSON envelopes exchanged between client and server.
//
// A Request is sent once per ephemeral connection (or once per subscription); the server
// answers with one Response, or with a stream of Responses on a subscription.
package message

import (
	"encoding/json"
)

// RequestType selects the dispatcher branch.
type RequestType string

const (
	TypeCallMethod         RequestType = "callMethod"
	TypeTriggerSignal      RequestType = "triggerSignal"
	TypeSubSignal          RequestType = "subSignal"
	TypeGetMethod          RequestType = "getMethod"
	TypeGetSignal          RequestType = "getSignal"
	TypeGetMethodAndSignal RequestType = "getMethodAndSignal"
)

// Valid reports whether t is one of the request types the dispatcher serves.
func (t RequestType) Valid() bool {
	switch t {
	case TypeCallMethod, TypeTriggerSignal, TypeSubSignal,
		TypeGetMethod, TypeGetSignal, TypeGetMethodAndSignal:
		return true
	}
	return false
}

// ResponseType marks envelopes of the subscription flow.
type ResponseType string

const (
	TypeSubRes  ResponseType = "subRes"  // subscribe acknowledgement
	TypeSubData ResponseType = "subData" // published data
)

// Wire-level response codes.
const (
	CodeOK    = 0
	CodeError = 1
)

// Request carries one call. Method is set for callMethod, Signal for triggerSignal and subSignal.
//   - Data: positional arguments
//   - ParameterTypes: canonical type tags parallel to Data
type Request struct {
	Type           RequestType       `json:"type"`
	Method         string            `json:"method,omitempty"`
	Signal         string            `json:"signal,omitempty"`
	Data           []json.RawMessage `json:"data,omitempty"`
	ParameterTypes []string          `json:"parameterTypes,omitempty"`
}

// Name returns the method or signal the request targets.
func (r *Request) Name() string {
	if r.Method != "" {
		return r.Method
	}
	return r.Signal
}

type Response struct {
	Code int          `json:"code"`
	Msg  string       `json:"msg"`
	Data any          `json:"data,omitempty"`
	Type ResponseType `json:"type,omitempty"`
}

func OK(msg string, data any) *Response {
	return &Response{Code: CodeOK, Msg: msg, Data: data}
}

func Error(msg string) *Response {
	return &Response{Code: CodeError, Msg: msg}
}

// RawResponse is the client-side view of a Response; Data stays undecoded.
type RawResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
	Type ResponseType    `json:"type,omitempty"`
}

// NamespaceItem describes one method, signal or topic. Topics carry only a name.
type NamespaceItem struct {
	Name           string   `json:"name"`
	ParameterNames []string `json:"parameterNames,omitempty"`
	ParameterTypes []string `json:"parameterTypes,omitempty"`
}

// NamespaceListing is the data of the introspection responses.
// MethodNum counts the entries of the primary list (signals for getSignal).
// A list that was not requested is absent.
type NamespaceListing struct {
	Method    []NamespaceItem `json:"method,omitempty"`
	MethodNum int             `json:"methodNum"`
	Signal    []NamespaceItem `json:"signal,omitempty"`
}

// ResultCode is the client-facing outcome of a call.
type ResultCode int

const (
	Success         ResultCode = 0
	NotConnected    ResultCode = 1
	OverTime        ResultCode = 2
	MethodCallError ResultCode = 3
	SignalSubError  ResultCode = 4
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case NotConnected:
		return "NOT_CONNECTED"
	case OverTime:
		return "OVER_TIME"
	case MethodCallError:
		return "METHOD_CALL_ERROR"
	case SignalSubError:
		return "SIGNAL_SUB_ERROR"
	}
	return "UNKNOWN"
}
