package codec

import (
	"testing"
)

type artifact struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := GetCodec(CodecTypeJSON)
	if jsonCodec == nil || jsonCodec.Type() != CodecTypeJSON {
		t.Fatal("expect JSON codec")
	}

	original := artifact{Name: "<sdk>", Version: "1.0&2"}
	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}
	// 不做 HTML 转义，也没有结尾换行
	if string(data) != `{"name":"<sdk>","version":"1.0&2"}` {
		t.Fatalf("unexpected encoding %s", data)
	}

	var decoded artifact
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if decoded != original {
		t.Errorf("mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestEncodeUnsupported(t *testing.T) {
	if _, err := Default.Encode(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expect error for channel value")
	}
}

func TestUnknownCodec(t *testing.T) {
	if GetCodec(CodecType(9)) != nil {
		t.Fatal("expect nil for unknown codec type")
	}
}
