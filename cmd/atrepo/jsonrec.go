package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	gocid "github.com/ipfs/go-cid"

	"github.com/systemshift/atrepo/internal/blocks"
)

// Records are written and printed as JSON with the usual data-model
// escapes: {"$link": "<cid>"} for links and {"$bytes": "<base64>"} for
// byte strings. Floats are rejected.

func parseRecord(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse record: trailing data")
	}
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("parse record: want an object, got %T", v)
	}
	return fromJSON(v)
}

func fromJSON(v any) (any, error) {
	switch val := v.(type) {
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number %s: only integers are allowed", val)
		}
		return n, nil
	case []any:
		for i, item := range val {
			d, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			val[i] = d
		}
		return val, nil
	case map[string]any:
		if len(val) == 1 {
			if s, ok := val["$link"].(string); ok {
				return blocks.DecodeCID(s)
			}
			if s, ok := val["$bytes"].(string); ok {
				return base64.RawStdEncoding.DecodeString(s)
			}
		}
		for k, item := range val {
			d, err := fromJSON(item)
			if err != nil {
				return nil, err
			}
			val[k] = d
		}
		return val, nil
	default:
		return v, nil
	}
}

func toJSON(v any) any {
	switch val := v.(type) {
	case gocid.Cid:
		return map[string]any{"$link": val.String()}
	case []byte:
		return map[string]any{"$bytes": base64.RawStdEncoding.EncodeToString(val)}
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSON(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSON(item)
		}
		return out
	default:
		return v
	}
}
