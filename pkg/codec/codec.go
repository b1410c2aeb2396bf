// Package codec serializes step results and metadata into versioned,
// schema-tagged blobs.
//
// A blob is a JSON object of the form:
//
//	{"v":1,"kind":"map","data":{...}}
//
// Readers accept every version up to Version. A blob that is plain JSON
// without the envelope is read as a version 0 payload. An empty blob
// decodes to nil.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// Version is the envelope version written by Encode
const Version = 1

// ErrUnsupportedVersion is returned for blobs written by a newer release
var ErrUnsupportedVersion = errors.New("unsupported blob version")

type envelope struct {
	V    int             `json:"v"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps v into a versioned blob. A nil value encodes to a nil blob.
func Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	blob, err := json.Marshal(envelope{
		V:    Version,
		Kind: kindOf(v),
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return blob, nil
}

// Decode unwraps a blob into its generic JSON value
func Decode(blob []byte) (any, error) {
	raw, err := payload(blob)
	if err != nil || raw == nil {
		return nil, err
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return v, nil
}

// DecodeInto unwraps a blob into out, which must be a pointer
func DecodeInto(blob []byte, out any) error {
	raw, err := payload(blob)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return nil
}

// Kind returns the schema tag of a blob, or "" for empty and legacy blobs
func Kind(blob []byte) string {
	var env envelope
	if len(blob) == 0 || json.Unmarshal(blob, &env) != nil || env.V == 0 {
		return ""
	}
	return env.Kind
}

// Convert re-shapes a decoded value into T, e.g. float64 into int
func Convert[T any](v any) (T, error) {
	var out T
	if typed, ok := v.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("failed to marshal value: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to convert value to %T: %w", out, err)
	}
	return out, nil
}

func payload(blob []byte) (json.RawMessage, error) {
	blob = bytes.TrimSpace(blob)
	if len(blob) == 0 {
		return nil, nil
	}

	if blob[0] == '{' {
		var env envelope
		if err := json.Unmarshal(blob, &env); err == nil && env.V > 0 {
			if env.V > Version {
				return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.V)
			}
			if len(env.Data) == 0 {
				return nil, nil
			}
			return env.Data, nil
		}
	}

	// legacy v0: bare JSON
	if !json.Valid(blob) {
		return nil, fmt.Errorf("blob is neither an envelope nor JSON")
	}
	return json.RawMessage(blob), nil
}

func kindOf(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Map, reflect.Struct:
		return "object"
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return "bytes"
		}
		return "list"
	case reflect.Bool:
		return "bool"
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return "number"
	default:
		return t.Kind().String()
	}
}
