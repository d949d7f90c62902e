package crdt

import (
	"fmt"

	"github.com/devrev/replstore/internal/errors"
)

// CountData is a grow-only counter holding one count per actor.
type CountData struct {
	Clock  VersionMap
	Values map[string]int64
}

// CountOp is an operation applicable to CountData.
type CountOp interface {
	applyCount(d *CountData, dryRun bool) bool
}

type CountChange = Change[CountData, CountOp]

func NewCountData() CountData {
	return CountData{Clock: NewVersionMap(), Values: make(map[string]int64)}
}

func (d CountData) Kind() Kind           { return KindCount }
func (d CountData) Versions() VersionMap { return d.Clock.Copy() }

func (d CountData) Copy() CountData {
	out := CountData{Clock: d.Clock.Copy(), Values: make(map[string]int64, len(d.Values))}
	for actor, n := range d.Values {
		if n != 0 {
			out.Values[actor] = n
		}
	}
	return out
}

// Value is the sum of all actors' counts.
func (d CountData) Value() int64 {
	var total int64
	for _, n := range d.Values {
		total += n
	}
	return total
}

func (d CountData) Equal(o CountData) bool {
	if !d.Clock.Equal(o.Clock) {
		return false
	}
	return VersionMap(d.Values).Equal(VersionMap(o.Values))
}

func (d CountData) Apply(op CountOp) (CountData, bool) {
	next := d.Copy()
	if !op.applyCount(&next, false) {
		return d, false
	}
	return next, true
}

func (d CountData) CanApply(op CountOp) bool {
	view := d.Copy()
	return op.applyCount(&view, true)
}

// Merge takes the per-actor maximum of counts and clocks.
func (d CountData) Merge(other CountData) (CountData, CountChange) {
	merged := CountData{
		Clock:  d.Clock.MergeWith(other.Clock),
		Values: map[string]int64(VersionMap(d.Values).MergeWith(VersionMap(other.Values))),
	}
	if merged.Equal(other) {
		return merged, CountChange{}
	}
	return merged, dataChange[CountData, CountOp](merged.Copy())
}

// CountIncrement adds one to Actor's count.
type CountIncrement struct {
	Actor string
}

func (op CountIncrement) applyCount(d *CountData, dryRun bool) bool {
	return CountMultiIncrement{Actor: op.Actor, Delta: 1}.applyCount(d, dryRun)
}

// CountMultiIncrement adds Delta to Actor's count. Delta must be positive.
type CountMultiIncrement struct {
	Actor string
	Delta int64
}

func (op CountMultiIncrement) applyCount(d *CountData, dryRun bool) bool {
	if op.Delta <= 0 || op.Actor == "" {
		return false
	}
	if dryRun {
		return true
	}
	d.Values[op.Actor] += op.Delta
	d.Clock = d.Clock.Increment(op.Actor)
	return true
}

// Validate returns a CrdtFailure describing why op can never apply, or nil.
func (op CountMultiIncrement) Validate() error {
	if op.Delta <= 0 {
		return errors.CrdtFailure(fmt.Sprintf("counter increment must be positive, got %d", op.Delta))
	}
	return nil
}
