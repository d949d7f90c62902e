package crdt

// Value is a member of a set or singleton. Scalars carry only an ID (their
// serialized identity). References additionally name the StorageKey of the
// entity they point at; Hard references are owned by an external namespace
// and are subject to foreign reference reconciliation.
type Value struct {
	ID         string
	StorageKey string
	Hard       bool
}

// Scalar builds a plain value.
func Scalar(id string) Value {
	return Value{ID: id}
}

// Ref builds a soft reference to the entity id stored under storageKey.
func Ref(id, storageKey string) Value {
	return Value{ID: id, StorageKey: storageKey}
}

// HardRef builds a hard reference to id owned by the foreign key foreignKey.
func HardRef(id, foreignKey string) Value {
	return Value{ID: id, StorageKey: foreignKey, Hard: true}
}

// IsReference reports whether the value points at another storage location.
func (v Value) IsReference() bool {
	return v.StorageKey != ""
}

// less orders values for deterministic tie-breaks.
func (v Value) less(o Value) bool {
	if v.ID != o.ID {
		return v.ID < o.ID
	}
	if v.StorageKey != o.StorageKey {
		return v.StorageKey < o.StorageKey
	}
	return !v.Hard && o.Hard
}
