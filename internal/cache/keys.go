package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	callPrefix     = "toolcall:"
	pipelinePrefix = "pipeline:"
	contentPrefix  = "toolresult:"
	reusePrefix    = "toolreuse:"
)

// CallKey is the cache key of a tool call record.
func CallKey(callID string) string { return callPrefix + callID }

// PipelineKey is the cache key of a pipeline record.
func PipelineKey(pipelineID string) string { return pipelinePrefix + pipelineID }

// ContentKey memoizes the result of one call identity for given args.
func ContentKey(callID string, args json.RawMessage) (string, error) {
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return "", err
	}
	return contentPrefix + digest(callID, string(canonical)), nil
}

// ReuseKey identifies logically identical invocations across call identities.
func ReuseKey(chatID, toolName string, args json.RawMessage) (string, error) {
	canonical, err := CanonicalArgs(args)
	if err != nil {
		return "", err
	}
	return reusePrefix + digest(chatID, toolName, string(canonical)), nil
}

// CanonicalArgs re-encodes args so that equal payloads serialize to equal
// bytes regardless of key order or whitespace. Empty args encode as null.
// Anything after the first JSON value is an error.
func CanonicalArgs(args json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonicalize args: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, errors.New("canonicalize args: trailing data after JSON value")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize args: %w", err)
	}
	return out, nil
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, part := range parts {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
