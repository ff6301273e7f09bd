package debezium

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePlainEnvelope(t *testing.T) {
	data := []byte(`{
		"op": "u",
		"source": {"db": "mall4cloud_order", "table": "order_item", "pos": 1234},
		"before": {"order_item_id": 9, "count": 1},
		"after": {"order_item_id": 9, "spu_name": "tea", "count": 2, "price": 12.5, "deleted": false, "tags": ["a"]},
		"ts_ms": 1714557000000
	}`)

	ev, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "u", ev.Op)
	assert.Equal(t, "mall4cloud_order", ev.Source.DB)
	assert.Equal(t, "order_item", ev.Source.Table)
	assert.Equal(t, []string{"order_item_id", "spu_name", "count", "price", "deleted", "tags"}, ev.After.Names())

	id, _ := ev.After.Get("order_item_id")
	assert.Equal(t, int64(9), id)
	price, _ := ev.After.Get("price")
	assert.Equal(t, 12.5, price)
	deleted, _ := ev.After.Get("deleted")
	assert.Equal(t, false, deleted)

	require.Len(t, ev.Before, 2)
	assert.Equal(t, time.UnixMilli(1714557000000), ev.Received)
}

func TestDecodeSchemaWrapper(t *testing.T) {
	data := []byte(`{"schema": {"type": "struct"}, "payload": {"op": "d", "source": {"db": "d", "table": "order"}, "before": {"order_id": 5}, "after": null}}`)

	ev, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "d", ev.Op)
	assert.Nil(t, ev.After)
	id, ok := ev.Before.Get("order_id")
	assert.True(t, ok)
	assert.Equal(t, int64(5), id)
}

func TestDecodeTombstone(t *testing.T) {
	for _, data := range []string{"", "null", `{"schema": null, "payload": null}`} {
		_, err := Decode([]byte(data))
		assert.ErrorIs(t, err, ErrTombstone, "input %q", data)
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode([]byte(`{"op": "c", "after": [1, 2]}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeLargeIntegerStaysExact(t *testing.T) {
	ev, err := Decode([]byte(`{"op":"c","source":{"table":"t"},"after":{"id":9007199254740993}}`))
	require.NoError(t, err)
	id, _ := ev.After.Get("id")
	assert.Equal(t, int64(9007199254740993), id)
}
