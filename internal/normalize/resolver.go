package normalize

// DefaultKey is the primary key name of tables missing from the key map.
const DefaultKey = "id"

// DefaultPrimaryKeys is the key map of the order schema.
func DefaultPrimaryKeys() map[string]string {
	return map[string]string{
		"order":      "order_id",
		"order_addr": "order_addr_id",
		"order_item": "order_item_id",
		"undo_log":   "id",
	}
}

// KeyResolver maps a table name to its primary key field. It is immutable after
// construction and safe for concurrent use.
type KeyResolver struct {
	keys       map[string]string
	defaultKey string
}

func NewKeyResolver(keys map[string]string, defaultKey string) *KeyResolver {
	if defaultKey == "" {
		defaultKey = DefaultKey
	}
	copied := make(map[string]string, len(keys))
	for table, key := range keys {
		if key != "" {
			copied[table] = key
		}
	}
	return &KeyResolver{keys: copied, defaultKey: defaultKey}
}

func (r *KeyResolver) Resolve(table string) string {
	if key, ok := r.keys[table]; ok {
		return key
	}
	return r.defaultKey
}
