// Package rpcerr defines the error taxonomy shared by the server and client engines.
//
// Every error carries a Kind. The Error() text is only the human-readable message,
// because the dispatcher copies it verbatim into the msg field of error envelopes.
package rpcerr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindInternal    Kind = iota // anything else that went wrong inside the engine
	KindConfig                  // engine used before required setup, bad configuration
	KindRegister                // duplicate name, undeclared topic, invalid registration target
	KindParam                   // unsupported type, unknown name, argument coercion failure
	KindDataProcess             // serialization failure
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config error"
	case KindRegister:
		return "register error"
	case KindParam:
		return "param error"
	case KindDataProcess:
		return "data process error"
	default:
		return "internal error"
	}
}

// Sentinels for errors.Is matching by kind.
var (
	ErrInternal    = &Error{Kind: KindInternal, Msg: KindInternal.String()}
	ErrConfig      = &Error{Kind: KindConfig, Msg: KindConfig.String()}
	ErrRegister    = &Error{Kind: KindRegister, Msg: KindRegister.String()}
	ErrParam       = &Error{Kind: KindParam, Msg: KindParam.String()}
	ErrDataProcess = &Error{Kind: KindDataProcess, Msg: KindDataProcess.String()}

	// ErrNamespaceOccupied is returned when another live process already answers on the endpoint.
	ErrNamespaceOccupied = &Error{Kind: KindConfig, Msg: "namespace already in use by a running server"}
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional cause
}

func (e *Error) Error() string {
	if e.Err != nil && e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels and exact pointer identity for the other sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e == t {
		return true
	}
	switch t {
	case ErrInternal, ErrConfig, ErrRegister, ErrParam, ErrDataProcess:
		return e.Kind == t.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Config(format string, args ...any) error      { return newf(KindConfig, format, args...) }
func Register(format string, args ...any) error    { return newf(KindRegister, format, args...) }
func Param(format string, args ...any) error       { return newf(KindParam, format, args...) }
func DataProcess(format string, args ...any) error { return newf(KindDataProcess, format, args...) }
func Internal(format string, args ...any) error    { return newf(KindInternal, format, args...) }

// Wrap attaches a kind to err. The message is "<formatted>: <err>".
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if msg != "" {
		msg += ": " + err.Error()
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf reports the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
