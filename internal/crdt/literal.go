package crdt

import (
	"fmt"
	"sort"

	"github.com/devrev/replstore/internal/errors"
)

// Literal is the structured, encoding-neutral form of Data. It only contains
// strings, bools, int64/float64 numbers, []any and map[string]any, so any
// schema-based codec can carry it.
type Literal = map[string]any

const (
	litKind        = "kind"
	litClock       = "clock"
	litValues      = "values"
	litVersions    = "versions"
	litValue       = "value"
	litID          = "id"
	litStorageKey  = "storageKey"
	litHard        = "hard"
	litSingletons  = "singletons"
	litCollections = "collections"
)

func versionMapLiteral(v VersionMap) map[string]any {
	out := make(map[string]any, len(v))
	for actor, n := range v {
		if n != 0 {
			out[actor] = n
		}
	}
	return out
}

func valueLiteral(v Value) map[string]any {
	out := map[string]any{litID: v.ID}
	if v.StorageKey != "" {
		out[litStorageKey] = v.StorageKey
	}
	if v.Hard {
		out[litHard] = true
	}
	return out
}

func entriesLiteral(values map[string]SetEntry) []any {
	ids := make([]string, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		e := values[id]
		out = append(out, map[string]any{
			litVersions: versionMapLiteral(e.Versions),
			litValue:    valueLiteral(e.Value),
		})
	}
	return out
}

func (d SetData) ToLiteral() Literal {
	return Literal{litKind: string(KindSet), litClock: versionMapLiteral(d.Clock), litValues: entriesLiteral(d.Values)}
}

func (d SingletonData) ToLiteral() Literal {
	return Literal{litKind: string(KindSingleton), litClock: versionMapLiteral(d.Clock), litValues: entriesLiteral(d.Values)}
}

func (d CountData) ToLiteral() Literal {
	return Literal{litKind: string(KindCount), litClock: versionMapLiteral(d.Clock), litValues: versionMapLiteral(VersionMap(d.Values))}
}

func (d EntityData) ToLiteral() Literal {
	singletons := make(map[string]any, len(d.Singletons))
	for f, s := range d.Singletons {
		singletons[f] = s.ToLiteral()
	}
	collections := make(map[string]any, len(d.Collections))
	for f, c := range d.Collections {
		collections[f] = c.ToLiteral()
	}
	return Literal{
		litKind:        string(KindEntity),
		litClock:       versionMapLiteral(d.Clock),
		litSingletons:  singletons,
		litCollections: collections,
	}
}

func malformed(format string, args ...any) error {
	return errors.CorruptedData("malformed crdt literal: "+fmt.Sprintf(format, args...), nil)
}

// DataFromLiteral rebuilds Data from its literal form.
func DataFromLiteral(lit Literal) (Data, error) {
	kind, _ := lit[litKind].(string)
	switch Kind(kind) {
	case KindSet:
		return setFromLiteral(lit)
	case KindSingleton:
		s, err := setFromLiteral(lit)
		if err != nil {
			return nil, err
		}
		return SingletonData(s), nil
	case KindCount:
		return countFromLiteral(lit)
	case KindEntity:
		return entityFromLiteral(lit)
	}
	return nil, malformed("unknown kind %q", kind)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case nil:
		return map[string]any{}, true
	}
	return nil, false
}

func versionMapFromLiteral(v any) (VersionMap, error) {
	m, ok := asMap(v)
	if !ok {
		return nil, malformed("version map is %T", v)
	}
	out := NewVersionMap()
	for actor, raw := range m {
		n, ok := asInt64(raw)
		if !ok || n < 0 {
			return nil, malformed("bad clock %v for actor %q", raw, actor)
		}
		if n != 0 {
			out[actor] = n
		}
	}
	return out, nil
}

func valueFromLiteral(v any) (Value, error) {
	m, ok := asMap(v)
	if !ok {
		return Value{}, malformed("value is %T", v)
	}
	id, ok := m[litID].(string)
	if !ok || id == "" {
		return Value{}, malformed("value without id")
	}
	key, _ := m[litStorageKey].(string)
	hard, _ := m[litHard].(bool)
	return Value{ID: id, StorageKey: key, Hard: hard}, nil
}

func setFromLiteral(lit map[string]any) (SetData, error) {
	clock, err := versionMapFromLiteral(lit[litClock])
	if err != nil {
		return SetData{}, err
	}
	d := SetData{Clock: clock, Values: make(map[string]SetEntry)}
	raw, ok := lit[litValues].([]any)
	if !ok && lit[litValues] != nil {
		return SetData{}, malformed("values is %T", lit[litValues])
	}
	for _, item := range raw {
		m, ok := asMap(item)
		if !ok {
			return SetData{}, malformed("entry is %T", item)
		}
		versions, err := versionMapFromLiteral(m[litVersions])
		if err != nil {
			return SetData{}, err
		}
		value, err := valueFromLiteral(m[litValue])
		if err != nil {
			return SetData{}, err
		}
		d.Values[value.ID] = SetEntry{Versions: versions, Value: value}
	}
	return d, nil
}

func countFromLiteral(lit map[string]any) (CountData, error) {
	clock, err := versionMapFromLiteral(lit[litClock])
	if err != nil {
		return CountData{}, err
	}
	values, err := versionMapFromLiteral(lit[litValues])
	if err != nil {
		return CountData{}, err
	}
	return CountData{Clock: clock, Values: map[string]int64(values)}, nil
}

func entityFromLiteral(lit map[string]any) (EntityData, error) {
	clock, err := versionMapFromLiteral(lit[litClock])
	if err != nil {
		return EntityData{}, err
	}
	d := EntityData{Clock: clock, Singletons: make(map[string]SingletonData), Collections: make(map[string]SetData)}

	singletons, ok := asMap(lit[litSingletons])
	if !ok {
		return EntityData{}, malformed("singletons is %T", lit[litSingletons])
	}
	for f, raw := range singletons {
		m, ok := asMap(raw)
		if !ok {
			return EntityData{}, malformed("singleton field %q is %T", f, raw)
		}
		s, err := setFromLiteral(m)
		if err != nil {
			return EntityData{}, err
		}
		d.Singletons[f] = SingletonData(s)
	}

	collections, ok := asMap(lit[litCollections])
	if !ok {
		return EntityData{}, malformed("collections is %T", lit[litCollections])
	}
	for f, raw := range collections {
		m, ok := asMap(raw)
		if !ok {
			return EntityData{}, malformed("collection field %q is %T", f, raw)
		}
		c, err := setFromLiteral(m)
		if err != nil {
			return EntityData{}, err
		}
		d.Collections[f] = c
	}
	return d, nil
}
