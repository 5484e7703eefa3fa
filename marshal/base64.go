package marshal

import (
	"encoding/base64"
	"strings"

	"uds-rpc/rpcerr"
)

// DecodeBase64 tries the MIME, URL-safe and standard alphabets in that order.
// Padding is optional for the first two.
func DecodeBase64(s string) ([]byte, error) {
	if b, ok := decodeMIME(s); ok {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, rpcerr.Param("illegal base64 data")
}

// decodeMIME accepts the standard alphabet broken into lines.
func decodeMIME(s string) ([]byte, bool) {
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\r', '\n', ' ', '\t':
		case '-', '_':
			return nil, false
		default:
			sb.WriteByte(c)
		}
	}
	b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(sb.String(), "="))
	if err != nil {
		return nil, false
	}
	return b, true
}

// EncodeBase64 renders outbound bytes with the standard alphabet.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
