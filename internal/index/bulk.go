package index

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lying200/db-bench-order/pkg/types"
)

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

// encodeBulk renders ops as an NDJSON bulk body in submission order. An
// operation that cannot be rendered is left out of the body and returned as a
// failed item; sent holds the operations the body carries, in body order.
func encodeBulk(ops []types.IndexOperation) (body []byte, sent []types.IndexOperation, rejected []types.BulkItem) {
	var buf, line bytes.Buffer
	enc := json.NewEncoder(&line)
	sent = make([]types.IndexOperation, 0, len(ops))
	for _, op := range ops {
		line.Reset()
		if err := encodeOperation(enc, op); err != nil {
			rejected = append(rejected, types.BulkItem{
				Action:     op.Action,
				Index:      op.Index,
				DocumentID: op.DocumentID,
				Error:      "encode: " + err.Error(),
			})
			continue
		}
		buf.Write(line.Bytes())
		sent = append(sent, op)
	}
	return buf.Bytes(), sent, rejected
}

func encodeOperation(enc *json.Encoder, op types.IndexOperation) error {
	switch op.Action {
	case types.ActionUpsert, types.ActionDelete:
	default:
		return fmt.Errorf("unknown action %q", op.Action)
	}
	meta := map[types.Action]bulkMeta{op.Action: {Index: op.Index, ID: op.DocumentID}}
	if err := enc.Encode(meta); err != nil {
		return err
	}
	if op.Action != types.ActionUpsert {
		return nil
	}
	doc := op.Document
	if doc == nil {
		doc = types.FieldSet{}
	}
	return enc.Encode(doc)
}

type bulkResponse struct {
	Took   int64                         `json:"took"`
	Errors bool                          `json:"errors"`
	Items  []map[string]bulkResponseItem `json:"items"`
}

type bulkResponseItem struct {
	Index  string     `json:"_index"`
	ID     string     `json:"_id"`
	Status int        `json:"status"`
	Error  *bulkError `json:"error,omitempty"`
}

type bulkError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (e *bulkError) String() string {
	if e.Type == "" {
		return e.Reason
	}
	return e.Type + ": " + e.Reason
}

// decodeBulk parses a bulk response body. Items are matched to ops by position.
func decodeBulk(r io.Reader, ops []types.IndexOperation) (*types.BulkResult, error) {
	var resp bulkResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	res := &types.BulkResult{
		Took:  time.Duration(resp.Took) * time.Millisecond,
		Items: make([]types.BulkItem, 0, len(resp.Items)),
	}
	for i, entry := range resp.Items {
		for action, it := range entry {
			item := types.BulkItem{
				Action:     types.Action(action),
				Index:      it.Index,
				DocumentID: it.ID,
				Status:     it.Status,
			}
			if it.Error != nil {
				item.Error = it.Error.String()
			}
			if item.DocumentID == "" && i < len(ops) {
				item.DocumentID = ops[i].DocumentID
			}
			res.Items = append(res.Items, item)
		}
	}
	if resp.Errors && len(res.Failed()) == 0 {
		return nil, fmt.Errorf("bulk response reports errors without failed items")
	}
	return res, nil
}
