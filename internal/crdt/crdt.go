// Package crdt implements the mergeable data models replicated through
// drivers: a grow-only Counter, a last-writer Singleton, an observed-remove
// Set and a composite Entity of named singleton and set fields.
//
// Every model is a plain value type. Apply and Merge never modify their
// receiver or arguments, so models may be shared across goroutines without
// locking. Merge is commutative, associative and idempotent.
package crdt

import (
	"fmt"

	"github.com/devrev/replstore/internal/errors"
)

// Kind tags the model a Data value belongs to.
type Kind string

const (
	KindCount     Kind = "count"
	KindSingleton Kind = "singleton"
	KindSet       Kind = "set"
	KindEntity    Kind = "entity"
)

// Data is the state of any model.
type Data interface {
	Kind() Kind
	// Versions returns a copy of the model-level version map.
	Versions() VersionMap
	// ToLiteral returns the structured literal form of the data.
	ToLiteral() Literal
}

// Change describes how to bring one side of a merge up to date: either a list
// of operations or, when operations cannot express it, the full data.
type Change[D any, O any] struct {
	Ops  []O
	Data *D
}

// IsEmpty reports whether the change carries nothing to apply.
func (c Change[D, O]) IsEmpty() bool {
	return c.Data == nil && len(c.Ops) == 0
}

func dataChange[D any, O any](d D) Change[D, O] {
	return Change[D, O]{Data: &d}
}

// MergeData merges two Data values of the same kind.
func MergeData(a, b Data) (Data, error) {
	if a == nil {
		return b, nil
	}
	if b == nil {
		return a, nil
	}
	if a.Kind() != b.Kind() {
		return nil, errors.CrdtFailure(fmt.Sprintf("cannot merge %s data with %s data", a.Kind(), b.Kind()))
	}
	switch x := a.(type) {
	case CountData:
		merged, _ := x.Merge(b.(CountData))
		return merged, nil
	case SingletonData:
		merged, _ := x.Merge(b.(SingletonData))
		return merged, nil
	case SetData:
		merged, _ := x.Merge(b.(SetData))
		return merged, nil
	case EntityData:
		merged, _ := x.Merge(b.(EntityData))
		return merged, nil
	}
	return nil, errors.CrdtFailure(fmt.Sprintf("unknown data kind %s", a.Kind()))
}

// EqualData compares two Data values structurally.
func EqualData(a, b Data) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch x := a.(type) {
	case CountData:
		return x.Equal(b.(CountData))
	case SingletonData:
		return x.Equal(b.(SingletonData))
	case SetData:
		return x.Equal(b.(SetData))
	case EntityData:
		return x.Equal(b.(EntityData))
	}
	return false
}
