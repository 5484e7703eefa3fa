package main

import (
	"reflect"
	"testing"

	"uds-rpc/message"
)

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{`1`, `2.5`, `true`, `"quoted"`, `plain`, `[1,2]`, `{"a":"b"}`}, false)
	want := []any{float64(1), 2.5, true, "quoted", "plain", []any{float64(1), float64(2)}, map[string]any{"a": "b"}}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected args %#v", args)
	}

	args = parseArgs([]string{`hello`, `3`}, true)
	if b, ok := args[0].([]byte); !ok || string(b) != "hello" {
		t.Fatalf("expect bytes, got %#v", args[0])
	}
	if args[1] != float64(3) {
		t.Fatalf("only strings become bytes, got %#v", args[1])
	}
}

func TestSignature(t *testing.T) {
	item := message.NamespaceItem{Name: "echo", ParameterNames: []string{"bytes", "list"}, ParameterTypes: []string{"String", "List"}}
	if got := signature(item); got != "(bytes String, list List)" {
		t.Fatalf("unexpected signature %q", got)
	}
	if got := signature(message.NamespaceItem{Name: "sub_shutdown"}); got != "" {
		t.Fatalf("topics have no signature, got %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	for _, jsonLog := range []bool{false, true} {
		logger, err := newLogger(true, jsonLog)
		if err != nil {
			t.Fatal(err)
		}
		if !logger.Core().Enabled(-1) {
			t.Fatal("expect debug level enabled")
		}
	}
}
