package crdt

// SingletonData holds zero or more candidate values, each tagged with the
// clock it was written at. Concurrent writes may leave several candidates;
// Value picks the same winner on every replica.
type SingletonData struct {
	Clock  VersionMap
	Values map[string]SetEntry
}

// SingletonOp is an operation applicable to SingletonData.
type SingletonOp interface {
	applySingleton(d *SingletonData, dryRun bool) bool
}

type SingletonChange = Change[SingletonData, SingletonOp]

func NewSingletonData() SingletonData {
	return SingletonData{Clock: NewVersionMap(), Values: make(map[string]SetEntry)}
}

func (d SingletonData) Kind() Kind           { return KindSingleton }
func (d SingletonData) Versions() VersionMap { return d.Clock.Copy() }

func (d SingletonData) Copy() SingletonData {
	return SingletonData(SetData(d).Copy())
}

func (d SingletonData) Equal(o SingletonData) bool {
	return SetData(d).Equal(SetData(o))
}

// Value returns the winning candidate: the one with the smallest value id.
func (d SingletonData) Value() (Value, bool) {
	members := SetData(d).Members()
	if len(members) == 0 {
		return Value{}, false
	}
	return members[0], true
}

// Candidates returns every surviving value ordered by id.
func (d SingletonData) Candidates() []Value {
	return SetData(d).Members()
}

func (d SingletonData) Apply(op SingletonOp) (SingletonData, bool) {
	next := d.Copy()
	if !op.applySingleton(&next, false) {
		return d, false
	}
	return next, true
}

func (d SingletonData) CanApply(op SingletonOp) bool {
	view := d.Copy()
	return op.applySingleton(&view, true)
}

// Merge combines candidates with observed-remove semantics. The change for the
// other side is the full merged data whenever other differs from it.
func (d SingletonData) Merge(other SingletonData) (SingletonData, SingletonChange) {
	merged, _ := SetData(d).Merge(SetData(other))
	result := SingletonData(merged)
	if result.Equal(other) {
		return result, SingletonChange{}
	}
	return result, dataChange[SingletonData, SingletonOp](result.Copy())
}

// SingletonUpdate replaces every value written at or before Clock with Value.
// It is rejected when the singleton has already seen Clock.
type SingletonUpdate struct {
	Actor string
	Clock VersionMap
	Value Value
}

func (op SingletonUpdate) applySingleton(d *SingletonData, dryRun bool) bool {
	if d.Clock.Dominates(op.Clock) {
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
	d.Values[op.Value.ID] = SetEntry{Versions: op.Clock.Copy(), Value: op.Value}
	d.Clock = d.Clock.MergeWith(op.Clock)
	return true
}

// SingletonClear removes every value written at or before Clock. The actor's
// clock must match the singleton's.
type SingletonClear struct {
	Actor string
	Clock VersionMap
}

func (op SingletonClear) applySingleton(d *SingletonData, dryRun bool) bool {
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
