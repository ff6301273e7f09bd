package postgres

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lying200/db-bench-order/pkg/types"
)

// Operation codes emitted for pgoutput row messages.
const (
	opInsert = "c"
	opUpdate = "u"
	opDelete = "d"
)

// decoder turns pgoutput messages into raw change events. It keeps the
// relation cache the protocol relies on between messages.
type decoder struct {
	db        string
	relations map[uint32]*pglogrepl.RelationMessage
	typeMap   *pgtype.Map
}

func newDecoder(db string) *decoder {
	return &decoder{
		db:        db,
		relations: make(map[uint32]*pglogrepl.RelationMessage),
		typeMap:   pgtype.NewMap(),
	}
}

// decode returns nil for messages that do not describe a row change
// (relation, begin, commit, truncate and so on).
func (d *decoder) decode(msg pglogrepl.Message) (*types.RawEvent, error) {
	switch msg := msg.(type) {
	case *pglogrepl.RelationMessage:
		d.relations[msg.RelationID] = msg
		return nil, nil
	case *pglogrepl.InsertMessage:
		return d.event(msg.RelationID, opInsert, nil, msg.Tuple)
	case *pglogrepl.UpdateMessage:
		return d.event(msg.RelationID, opUpdate, msg.OldTuple, msg.NewTuple)
	case *pglogrepl.DeleteMessage:
		// without REPLICA IDENTITY the old tuple carries only the key columns
		return d.event(msg.RelationID, opDelete, msg.OldTuple, nil)
	default:
		return nil, nil
	}
}

func (d *decoder) event(relID uint32, op string, before, after *pglogrepl.TupleData) (*types.RawEvent, error) {
	rel, ok := d.relations[relID]
	if !ok {
		return nil, fmt.Errorf("unknown relation ID %d", relID)
	}

	ev := &types.RawEvent{
		Op:     op,
		Source: types.Source{DB: d.db, Table: rel.RelationName},
	}
	var err error
	if ev.Before, err = d.decodeTuple(before, rel); err != nil {
		return nil, fmt.Errorf("decode old tuple of %s: %w", rel.RelationName, err)
	}
	if ev.After, err = d.decodeTuple(after, rel); err != nil {
		return nil, fmt.Errorf("decode new tuple of %s: %w", rel.RelationName, err)
	}
	return ev, nil
}

// decodeTuple keeps the relation's column order.
func (d *decoder) decodeTuple(tuple *pglogrepl.TupleData, rel *pglogrepl.RelationMessage) (types.FieldSet, error) {
	if tuple == nil {
		return nil, nil
	}

	fields := make(types.FieldSet, 0, len(tuple.Columns))
	for idx, col := range tuple.Columns {
		if idx >= len(rel.Columns) {
			return nil, fmt.Errorf("tuple column index %d out of range for relation %s", idx, rel.RelationName)
		}
		colDef := rel.Columns[idx]

		switch col.DataType {
		case 'n': // null
			fields = append(fields, types.Field{Name: colDef.Name})
		case 'u': // unchanged toast, value not sent
			continue
		case 't':
			val, err := d.decodeText(col.Data, colDef.DataType)
			if err != nil {
				return nil, fmt.Errorf("decode column %s: %w", colDef.Name, err)
			}
			fields = append(fields, types.Field{Name: colDef.Name, Value: val})
		case 'b':
			fields = append(fields, types.Field{Name: colDef.Name, Value: col.Data})
		}
	}
	return fields, nil
}

// decodeText decodes a text-format column and narrows the result to values
// that serialize naturally into a document. Anything else keeps its text form.
func (d *decoder) decodeText(data []byte, oid uint32) (any, error) {
	if oid == pgtype.NumericOID {
		return numeric(string(data)), nil
	}
	dt, ok := d.typeMap.TypeForOID(oid)
	if !ok {
		return string(data), nil
	}
	val, err := dt.Codec.DecodeValue(d.typeMap, oid, pgtype.TextFormatCode, data)
	if err != nil {
		return nil, err
	}

	switch v := val.(type) {
	case nil:
		return nil, nil
	case bool, string, int64:
		return v, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return string(data), nil
		}
		return v, nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float32:
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return string(data), nil
		}
		return f, nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	default:
		return string(data), nil
	}
}

// numeric keeps the exact decimal text. NaN and the infinities have no JSON
// number form and stay strings.
func numeric(text string) any {
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return text
	}
	return json.Number(text)
}
