package crdt

import "sort"

// References returns every reference value held by d, ordered.
func References(d Data) []Value {
	var out []Value
	walkValues(d, func(v Value) {
		if v.IsReference() {
			out = append(out, v)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// HardReferenceIDs returns the ids of the hard references in d owned by
// foreignKey, deduplicated and sorted.
func HardReferenceIDs(d Data, foreignKey string) []string {
	seen := make(map[string]struct{})
	walkValues(d, func(v Value) {
		if v.Hard && v.StorageKey == foreignKey {
			seen[v.ID] = struct{}{}
		}
	})
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HardReferenceKeys returns the foreign keys d holds hard references under.
func HardReferenceKeys(d Data) []string {
	seen := make(map[string]struct{})
	walkValues(d, func(v Value) {
		if v.Hard {
			seen[v.StorageKey] = struct{}{}
		}
	})
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func walkValues(d Data, fn func(Value)) {
	switch x := d.(type) {
	case SetData:
		for _, e := range x.Values {
			fn(e.Value)
		}
	case SingletonData:
		for _, e := range x.Values {
			fn(e.Value)
		}
	case EntityData:
		for _, s := range x.Singletons {
			walkValues(s, fn)
		}
		for _, c := range x.Collections {
			walkValues(c, fn)
		}
	}
}
