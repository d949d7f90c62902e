package crdt

import (
	"sort"
)

// SetEntry is a set member tagged with the clock at which it was added.
type SetEntry struct {
	Versions VersionMap
	Value    Value
}

// SetData is the state of an observed-remove set.
type SetData struct {
	Clock  VersionMap
	Values map[string]SetEntry
}

// SetOp is an operation applicable to SetData.
type SetOp interface {
	applySet(d *SetData, dryRun bool) bool
}

// SetChange is the change produced by a set merge.
type SetChange = Change[SetData, SetOp]

// NewSetData returns an empty set.
func NewSetData() SetData {
	return SetData{Clock: NewVersionMap(), Values: make(map[string]SetEntry)}
}

func (d SetData) Kind() Kind           { return KindSet }
func (d SetData) Versions() VersionMap { return d.Clock.Copy() }

// Copy returns a deep copy.
func (d SetData) Copy() SetData {
	out := SetData{Clock: d.Clock.Copy(), Values: make(map[string]SetEntry, len(d.Values))}
	for id, e := range d.Values {
		out.Values[id] = SetEntry{Versions: e.Versions.Copy(), Value: e.Value}
	}
	return out
}

// Members returns the members ordered by id.
func (d SetData) Members() []Value {
	out := make([]Value, 0, len(d.Values))
	for _, e := range d.Values {
		out = append(out, e.Value)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return out
}

// Contains reports whether a member with id is present.
func (d SetData) Contains(id string) bool {
	_, ok := d.Values[id]
	return ok
}

// Equal compares clocks, member clocks and members.
func (d SetData) Equal(o SetData) bool {
	if !d.Clock.Equal(o.Clock) || len(d.Values) != len(o.Values) {
		return false
	}
	for id, e := range d.Values {
		oe, ok := o.Values[id]
		if !ok || oe.Value != e.Value || !oe.Versions.Equal(e.Versions) {
			return false
		}
	}
	return true
}

// Apply returns the data with op applied, or the receiver unchanged and false
// when op is not applicable.
func (d SetData) Apply(op SetOp) (SetData, bool) {
	next := d.Copy()
	if !op.applySet(&next, false) {
		return d, false
	}
	return next, true
}

// CanApply reports whether op would be accepted, without applying it.
func (d SetData) CanApply(op SetOp) bool {
	view := d.Copy()
	return op.applySet(&view, true)
}

// Merge combines d (the local side) with other. It returns the merged data and
// the change that brings other up to date.
//
// Each clock entry of a member is treated as an add event supporting it. An
// event survives when both sides hold it or when the side lacking it has not
// observed it yet; a member with no surviving event was removed.
func (d SetData) Merge(other SetData) (SetData, SetChange) {
	merged := SetData{Clock: d.Clock.MergeWith(other.Clock), Values: make(map[string]SetEntry)}

	for id, mine := range d.Values {
		theirs, shared := other.Values[id]
		versions := mergeMemberVersions(mine.Versions, d.Clock, theirs.Versions, other.Clock)
		if len(versions) == 0 {
			continue
		}
		value := mine.Value
		if shared && theirs.Value.less(value) {
			value = theirs.Value
		}
		merged.Values[id] = SetEntry{Versions: versions, Value: value}
	}
	for id, theirs := range other.Values {
		if _, seen := d.Values[id]; seen {
			continue
		}
		versions := mergeMemberVersions(nil, d.Clock, theirs.Versions, other.Clock)
		if len(versions) > 0 {
			merged.Values[id] = SetEntry{Versions: versions, Value: theirs.Value}
		}
	}
	return merged, catchUp(other, merged)
}

// survivingEvents returns the entries of mine that the other side still
// supports: those it holds too, or those its clock has not observed.
func survivingEvents(mine, theirs, theirClock VersionMap) VersionMap {
	out := NewVersionMap()
	for actor, n := range mine {
		if n == 0 {
			continue
		}
		if theirs.Get(actor) == n || theirClock.Get(actor) < n {
			out[actor] = n
		}
	}
	return out
}

func mergeMemberVersions(mine, myClock, theirs, theirClock VersionMap) VersionMap {
	out := survivingEvents(mine, theirs, theirClock)
	for actor, n := range survivingEvents(theirs, mine, myClock) {
		if n > out[actor] {
			out[actor] = n
		}
	}
	return out
}

// catchUp builds the operations that move stale to target.
func catchUp(stale, target SetData) SetChange {
	ff := SetFastForward{OldClock: stale.Clock.Copy(), NewClock: target.Clock.Copy()}
	onlyNew := true
	for id, e := range target.Values {
		prev, ok := stale.Values[id]
		if ok && prev.Value == e.Value && prev.Versions.Equal(e.Versions) {
			continue
		}
		if ok {
			onlyNew = false
		}
		ff.Added = append(ff.Added, SetEntry{Versions: e.Versions.Copy(), Value: e.Value})
	}
	for id, prev := range stale.Values {
		if _, ok := target.Values[id]; !ok {
			ff.Removed = append(ff.Removed, prev.Value)
		}
	}
	if len(ff.Added) == 0 && len(ff.Removed) == 0 && stale.Clock.Equal(target.Clock) {
		return SetChange{}
	}

	sort.Slice(ff.Added, func(i, j int) bool { return ff.Added[i].Value.less(ff.Added[j].Value) })
	sort.Slice(ff.Removed, func(i, j int) bool { return ff.Removed[i].less(ff.Removed[j]) })
	if onlyNew {
		return SetChange{Ops: ff.Simplify()}
	}
	return SetChange{Ops: []SetOp{ff}}
}

// SetAdd adds Value on behalf of Actor. It is accepted only when Clock[Actor]
// is exactly one ahead of the set's clock for that actor.
type SetAdd struct {
	Actor string
	Clock VersionMap
	Value Value
}

func (op SetAdd) applySet(d *SetData, dryRun bool) bool {
	if op.Clock.Get(op.Actor) != d.Clock.Get(op.Actor)+1 {
		return false
	}
	if dryRun {
		return true
	}
	d.Clock = d.Clock.With(op.Actor, op.Clock.Get(op.Actor))
	prev := d.Values[op.Value.ID].Versions
	d.Values[op.Value.ID] = SetEntry{Versions: op.Clock.MergeWith(prev), Value: op.Value}
	return true
}

// SetRemove removes the member with Value's id. The actor's clock must not
// advance, and Clock must dominate the clock the member was added at; a stale
// remove is rejected and leaves the member in place.
type SetRemove struct {
	Actor string
	Clock VersionMap
	Value Value
}

func (op SetRemove) applySet(d *SetData, dryRun bool) bool {
	existing, ok := d.Values[op.Value.ID]
	if !ok {
		return false
	}
	if op.Clock.Get(op.Actor) != d.Clock.Get(op.Actor) {
		return false
	}
	if !op.Clock.Dominates(existing.Versions) {
		return false
	}
	if dryRun {
		return true
	}
	delete(d.Values, op.Value.ID)
	return true
}

// SetClear removes every member whose clock is dominated by Clock.
type SetClear struct {
	Actor string
	Clock VersionMap
}

func (op SetClear) applySet(d *SetData, dryRun bool) bool {
	if op.Clock.Get(op.Actor) != d.Clock.Get(op.Actor) {
		return false
	}
	if dryRun {
		return true
	}
	for id, e := range d.Values {
		if op.Clock.Dominates(e.Versions) {
			delete(d.Values, id)
		}
	}
	return true
}

// SetFastForward catches a replica stalled at OldClock up to NewClock in one
// step, carrying the members added and removed in between.
type SetFastForward struct {
	OldClock VersionMap
	NewClock VersionMap
	Added    []SetEntry
	Removed  []Value
}

func (op SetFastForward) applySet(d *SetData, dryRun bool) bool {
	if !d.Clock.Dominates(op.OldClock) {
		return false
	}
	if dryRun {
		return true
	}
	for _, added := range op.Added {
		existing, ok := d.Values[added.Value.ID]
		versions := mergeMemberVersions(existing.Versions, d.Clock, added.Versions, op.NewClock)
		if len(versions) == 0 {
			delete(d.Values, added.Value.ID)
			continue
		}
		value := added.Value
		if ok && existing.Value.less(value) {
			value = existing.Value
		}
		d.Values[added.Value.ID] = SetEntry{Versions: versions, Value: value}
	}
	for _, removed := range op.Removed {
		if existing, ok := d.Values[removed.ID]; ok && op.NewClock.Dominates(existing.Versions) {
			delete(d.Values, removed.ID)
		}
	}
	d.Clock = d.Clock.MergeWith(op.NewClock)
	return true
}

// Simplify converts a fast-forward made only of consecutive adds by a single
// actor into the equivalent SetAdd operations. Otherwise it returns the
// fast-forward itself.
func (op SetFastForward) Simplify() []SetOp {
	self := []SetOp{op}
	if len(op.Removed) > 0 || len(op.Added) == 0 {
		return self
	}
	diff := op.NewClock.Diff(op.OldClock)
	if len(diff) != 1 {
		return self
	}
	actor := diff.Actors()[0]

	added := append([]SetEntry(nil), op.Added...)
	sort.SliceStable(added, func(i, j int) bool {
		return added[i].Versions.Get(actor) < added[j].Versions.Get(actor)
	})
	expected := op.OldClock.Get(actor)
	for _, e := range added {
		expected++
		if e.Versions.Get(actor) != expected {
			return self
		}
	}
	if !op.OldClock.With(actor, expected).Equal(op.NewClock) {
		return self
	}

	ops := make([]SetOp, 0, len(added))
	for _, e := range added {
		ops = append(ops, SetAdd{Actor: actor, Clock: e.Versions.Copy(), Value: e.Value})
	}
	return ops
}
