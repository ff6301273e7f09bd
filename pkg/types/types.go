package types

import (
	"fmt"
	"time"
)

// Position is a source replication position (a Postgres LSN or a stream sequence).
// Zero means the event is not tracked for checkpointing.
type Position uint64

func (p Position) String() string {
	return fmt.Sprintf("%X/%X", uint32(p>>32), uint32(p))
}

type Operation string

const (
	OpCreate   Operation = "c"
	OpUpdate   Operation = "u"
	OpDelete   Operation = "d"
	OpSnapshot Operation = "r"
)

var operations = map[string]Operation{
	"c": OpCreate,
	"u": OpUpdate,
	"d": OpDelete,
	"r": OpSnapshot,
}

// ParseOperation maps a change code to its Operation.
func ParseOperation(code string) (Operation, bool) {
	op, ok := operations[code]
	return op, ok
}

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpSnapshot:
		return "snapshot"
	}
	return string(o)
}

type Source struct {
	DB    string `json:"db"`
	Table string `json:"table"`
}

// RawEvent is a change event as delivered by a change source.
type RawEvent struct {
	Op       string
	Source   Source
	Before   FieldSet
	After    FieldSet
	Position Position
	Received time.Time
}

// ChangeRecord is the canonical form of one row-level change.
type ChangeRecord struct {
	Operation       Operation
	SourceDatabase  string
	SourceTable     string
	PrimaryKeyName  string
	PrimaryKeyValue string
	Fields          FieldSet
}

// IndexOperation derives the bulk action for the record. Deletes never carry a document.
func (r *ChangeRecord) IndexOperation() IndexOperation {
	if r.Operation == OpDelete {
		return IndexOperation{
			Action:     ActionDelete,
			Index:      r.SourceTable,
			DocumentID: r.PrimaryKeyValue,
		}
	}
	return IndexOperation{
		Action:     ActionUpsert,
		Index:      r.SourceTable,
		DocumentID: r.PrimaryKeyValue,
		Document:   r.Fields,
	}
}

type Action string

const (
	ActionUpsert Action = "index"
	ActionDelete Action = "delete"
)

type IndexOperation struct {
	Action     Action
	Index      string
	DocumentID string
	Document   FieldSet
}

// BulkItem is the engine's verdict on a single operation of a bulk call.
type BulkItem struct {
	Action     Action
	Index      string
	DocumentID string
	Status     int
	Error      string
}

// Failed reports whether the engine rejected the item. A delete of a missing
// document answers 404 without an error and counts as applied.
func (i BulkItem) Failed() bool {
	return i.Error != ""
}

type BulkResult struct {
	Took     time.Duration
	Attempts int
	Items    []BulkItem
}

// Failed returns the items the engine rejected.
func (r *BulkResult) Failed() []BulkItem {
	var failed []BulkItem
	for _, it := range r.Items {
		if it.Failed() {
			failed = append(failed, it)
		}
	}
	return failed
}
