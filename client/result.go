package client

import (
	"encoding/json"
	"fmt"

	"uds-rpc/codec"
	"uds-rpc/marshal"
	"uds-rpc/message"
	"uds-rpc/rpcerr"
)

// Result is what every client call returns. Transport failures are reported through Code,
// never as a Go error.
type Result struct {
	Code    message.ResultCode
	Message string
	Type    message.ResponseType // set on subscription results only
	Data    json.RawMessage
}

func (r Result) OK() bool { return r.Code == message.Success }

// Decode unmarshals Data into v. An absent payload leaves v untouched.
func (r Result) Decode(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	if err := codec.Default.Decode(r.Data, v); err != nil {
		return rpcerr.Wrap(rpcerr.KindDataProcess, err, "decode result data")
	}
	return nil
}

// Bytes decodes a payload that carries a byte sequence as base64 text.
func (r Result) Bytes() ([]byte, error) {
	var s string
	if err := r.Decode(&s); err != nil {
		return nil, err
	}
	return marshal.DecodeBase64(s)
}

func (r Result) String() string {
	if len(r.Data) == 0 {
		return fmt.Sprintf("%s: %s", r.Code, r.Message)
	}
	return fmt.Sprintf("%s: %s %s", r.Code, r.Message, r.Data)
}

func failure(code message.ResultCode, format string, args ...any) Result {
	return Result{Code: code, Message: fmt.Sprintf(format, args...)}
}

// fromResponse maps a wire envelope; a code 1 envelope becomes failCode.
func fromResponse(resp *message.RawResponse, failCode message.ResultCode) Result {
	r := Result{Code: message.Success, Message: resp.Msg, Type: resp.Type, Data: resp.Data}
	if resp.Code != message.CodeOK {
		r.Code = failCode
	}
	return r
}
