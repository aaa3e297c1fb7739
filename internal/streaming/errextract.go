package streaming

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"unicode"
)

var gzipMagic = []byte{0x1f, 0x8b}

// ExtractErrorMessage implements spec.md §4.9's gzip-aware error
// extraction: decompress a gzip-magic-prefixed body, try to pull a message
// field out of JSON, and fall back to the status line when nothing in the
// body looks like readable text.
func ExtractErrorMessage(body []byte, fallbackStatus string) string {
	if bytes.HasPrefix(body, gzipMagic) {
		if decoded, err := gunzip(body); err == nil {
			body = decoded
		}
	}

	if msg, ok := jsonErrorMessage(body); ok && isReadable(msg) {
		return msg
	}
	if isReadable(string(body)) {
		return string(body)
	}
	return fallbackStatus
}

func gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func jsonErrorMessage(b []byte) (string, bool) {
	var payload struct {
		Message string `json:"message"`
		Error   struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &payload); err != nil {
		return "", false
	}
	if payload.Message != "" {
		return payload.Message, true
	}
	if payload.Error.Message != "" {
		return payload.Error.Message, true
	}
	if payload.Error.Type != "" {
		return payload.Error.Type, true
	}
	return "", false
}

// isReadable is spec.md §4.9's heuristic: fewer than 10% of the first 100
// chars are U+FFFD or non-printable controls (excluding TAB/CR/LF).
func isReadable(s string) bool {
	runes := []rune(s)
	if len(runes) > 100 {
		runes = runes[:100]
	}
	if len(runes) == 0 {
		return false
	}
	bad := 0
	for _, r := range runes {
		switch {
		case r == unicode.ReplacementChar:
			bad++
		case unicode.IsControl(r) && r != '\t' && r != '\r' && r != '\n':
			bad++
		}
	}
	return float64(bad)/float64(len(runes)) < 0.10
}
