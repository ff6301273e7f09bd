// Package debezium decodes Debezium JSON change envelopes into raw events.
package debezium

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lying200/db-bench-order/pkg/types"
)

// ErrTombstone is returned for the empty record Debezium emits after a delete
// for log compaction. It carries no change.
var ErrTombstone = errors.New("debezium: tombstone record")

type envelope struct {
	Op     string          `json:"op"`
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
	Source struct {
		DB    string `json:"db"`
		Table string `json:"table"`
	} `json:"source"`
	TsMs int64 `json:"ts_ms"`
}

// wrapped is the converter output with schemas enabled.
type wrapped struct {
	Schema  json.RawMessage `json:"schema"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one envelope, with or without the schema/payload wrapper.
// Row images keep their column order. Whole numbers decode to int64 and other
// numbers to float64.
func Decode(data []byte) (*types.RawEvent, error) {
	data = bytes.TrimSpace(data)
	if isNull(data) {
		return nil, ErrTombstone
	}

	var w wrapped
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("debezium: invalid envelope: %w", err)
	}
	if len(w.Payload) > 0 || len(w.Schema) > 0 {
		if isNull(w.Payload) {
			return nil, ErrTombstone
		}
		data = w.Payload
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("debezium: invalid payload: %w", err)
	}

	before, err := decodeRow(env.Before)
	if err != nil {
		return nil, fmt.Errorf("debezium: before: %w", err)
	}
	after, err := decodeRow(env.After)
	if err != nil {
		return nil, fmt.Errorf("debezium: after: %w", err)
	}

	ev := &types.RawEvent{
		Op:     env.Op,
		Source: types.Source{DB: env.Source.DB, Table: env.Source.Table},
		Before: before,
		After:  after,
	}
	if env.TsMs > 0 {
		ev.Received = time.UnixMilli(env.TsMs)
	}
	return ev, nil
}

func isNull(data []byte) bool {
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}

// decodeRow reads a flat JSON object token by token so that the field order
// of the source row survives.
func decodeRow(raw json.RawMessage) (types.FieldSet, error) {
	if isNull(bytes.TrimSpace(raw)) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	fields := types.FieldSet{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected field name, got %v", tok)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields = append(fields, types.Field{Name: name, Value: number(v)})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

func number(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n
}
