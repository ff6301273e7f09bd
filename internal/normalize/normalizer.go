// Package normalize converts change source events into canonical change records.
package normalize

import (
	"errors"
	"fmt"

	"github.com/lying200/db-bench-order/pkg/types"
)

var (
	ErrUnsupportedOperation = errors.New("unsupported operation kind")
	ErrMissingPrimaryKey    = errors.New("missing primary key")
)

// NormalizationError describes an event that cannot become a change record.
// It wraps one of ErrUnsupportedOperation or ErrMissingPrimaryKey.
type NormalizationError struct {
	Kind  error
	Op    string
	Table string
	Key   string
}

func (e *NormalizationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("normalize %s (op=%q): %v %q", e.Table, e.Op, e.Kind, e.Key)
	}
	return fmt.Sprintf("normalize %s: %v %q", e.Table, e.Kind, e.Op)
}

func (e *NormalizationError) Unwrap() error { return e.Kind }

// KindLabel is a short label for metrics.
func (e *NormalizationError) KindLabel() string {
	if errors.Is(e.Kind, ErrMissingPrimaryKey) {
		return "missing_primary_key"
	}
	return "unsupported_operation"
}

type Normalizer struct {
	keys *KeyResolver
}

func New(keys *KeyResolver) *Normalizer {
	if keys == nil {
		keys = NewKeyResolver(nil, DefaultKey)
	}
	return &Normalizer{keys: keys}
}

// Normalize builds the change record of raw. The record always carries a
// non-empty primary key name and value.
func (n *Normalizer) Normalize(raw *types.RawEvent) (*types.ChangeRecord, error) {
	op, ok := types.ParseOperation(raw.Op)
	if !ok {
		return nil, &NormalizationError{Kind: ErrUnsupportedOperation, Op: raw.Op, Table: raw.Source.Table}
	}

	payload := selectPayload(op, raw)
	keyName := n.keys.Resolve(raw.Source.Table)

	keyValue, ok := payload.Get(keyName)
	if !ok || keyValue == nil {
		return nil, &NormalizationError{Kind: ErrMissingPrimaryKey, Op: raw.Op, Table: raw.Source.Table, Key: keyName}
	}

	return &types.ChangeRecord{
		Operation:       op,
		SourceDatabase:  raw.Source.DB,
		SourceTable:     raw.Source.Table,
		PrimaryKeyName:  keyName,
		PrimaryKeyValue: types.FormatValue(keyValue),
		Fields:          payload,
	}, nil
}

// RoutingKey identifies the document an event touches, falling back to the
// table when the key cannot be read. Events with equal keys must be handled by
// the same writer to keep their relative order.
func (n *Normalizer) RoutingKey(raw *types.RawEvent) string {
	op, ok := types.ParseOperation(raw.Op)
	if !ok {
		return raw.Source.Table
	}
	v, ok := selectPayload(op, raw).Get(n.keys.Resolve(raw.Source.Table))
	if !ok || v == nil {
		return raw.Source.Table
	}
	return raw.Source.Table + "/" + types.FormatValue(v)
}

func selectPayload(op types.Operation, raw *types.RawEvent) types.FieldSet {
	if op == types.OpDelete {
		return raw.Before
	}
	return raw.After
}
