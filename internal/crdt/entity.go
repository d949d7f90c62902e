package crdt

import "sort"

// EntityData is a composite of named singleton and set fields sharing an
// entity-level clock. Field values are scalars or references; entities never
// nest in place. Field operations are ordered against the entity clock, and
// every field clock tracks it.
type EntityData struct {
	Clock       VersionMap
	Singletons  map[string]SingletonData
	Collections map[string]SetData
}

// EntityOp is a field-qualified operation applicable to EntityData.
type EntityOp interface {
	applyEntity(d *EntityData, dryRun bool) bool
}

type EntityChange = Change[EntityData, EntityOp]

// NewEntityData declares an entity with the given fields, all empty.
func NewEntityData(singletonFields, collectionFields []string) EntityData {
	d := EntityData{
		Clock:       NewVersionMap(),
		Singletons:  make(map[string]SingletonData, len(singletonFields)),
		Collections: make(map[string]SetData, len(collectionFields)),
	}
	for _, f := range singletonFields {
		d.Singletons[f] = NewSingletonData()
	}
	for _, f := range collectionFields {
		d.Collections[f] = NewSetData()
	}
	return d
}

func (d EntityData) Kind() Kind           { return KindEntity }
func (d EntityData) Versions() VersionMap { return d.Clock.Copy() }

func (d EntityData) Copy() EntityData {
	out := EntityData{
		Clock:       d.Clock.Copy(),
		Singletons:  make(map[string]SingletonData, len(d.Singletons)),
		Collections: make(map[string]SetData, len(d.Collections)),
	}
	for f, s := range d.Singletons {
		out.Singletons[f] = s.Copy()
	}
	for f, c := range d.Collections {
		out.Collections[f] = c.Copy()
	}
	return out
}

func (d EntityData) Equal(o EntityData) bool {
	if !d.Clock.Equal(o.Clock) || len(d.Singletons) != len(o.Singletons) || len(d.Collections) != len(o.Collections) {
		return false
	}
	for f, s := range d.Singletons {
		os, ok := o.Singletons[f]
		if !ok || !s.Equal(os) {
			return false
		}
	}
	for f, c := range d.Collections {
		oc, ok := o.Collections[f]
		if !ok || !c.Equal(oc) {
			return false
		}
	}
	return true
}

// Fields returns the singleton and collection field names, each sorted.
func (d EntityData) Fields() (singletons, collections []string) {
	for f := range d.Singletons {
		singletons = append(singletons, f)
	}
	for f := range d.Collections {
		collections = append(collections, f)
	}
	sort.Strings(singletons)
	sort.Strings(collections)
	return singletons, collections
}

// Singleton returns the current value of a singleton field.
func (d EntityData) Singleton(field string) (Value, bool) {
	s, ok := d.Singletons[field]
	if !ok {
		return Value{}, false
	}
	return s.Value()
}

// Collection returns the members of a collection field.
func (d EntityData) Collection(field string) []Value {
	c, ok := d.Collections[field]
	if !ok {
		return nil
	}
	return c.Members()
}

// Apply applies a field operation. Operations on undeclared fields are rejected.
func (d EntityData) Apply(op EntityOp) (EntityData, bool) {
	next := d.Copy()
	if !op.applyEntity(&next, false) {
		return d, false
	}
	return next, true
}

func (d EntityData) CanApply(op EntityOp) bool {
	view := d.Copy()
	return op.applyEntity(&view, true)
}

// Merge merges every field present on either side and the entity clocks. The
// entity clock is the causal context of every field, so fields are merged
// against it. The change for the other side is the full merged data whenever
// other differs.
func (d EntityData) Merge(other EntityData) (EntityData, EntityChange) {
	merged := EntityData{
		Clock:       d.Clock.MergeWith(other.Clock),
		Singletons:  make(map[string]SingletonData),
		Collections: make(map[string]SetData),
	}
	for f, s := range d.Singletons {
		mine := SetData(s).lift(d.Clock)
		if os, ok := other.Singletons[f]; ok {
			m, _ := mine.Merge(SetData(os).lift(other.Clock))
			merged.Singletons[f] = SingletonData(m)
		} else {
			merged.Singletons[f] = SingletonData(mine)
		}
	}
	for f, os := range other.Singletons {
		if _, ok := d.Singletons[f]; !ok {
			merged.Singletons[f] = SingletonData(SetData(os).lift(other.Clock))
		}
	}
	for f, c := range d.Collections {
		mine := c.lift(d.Clock)
		if oc, ok := other.Collections[f]; ok {
			merged.Collections[f], _ = mine.Merge(oc.lift(other.Clock))
		} else {
			merged.Collections[f] = mine
		}
	}
	for f, oc := range other.Collections {
		if _, ok := d.Collections[f]; !ok {
			merged.Collections[f] = oc.lift(other.Clock)
		}
	}
	merged.syncFieldClocks()

	if merged.Equal(other) {
		return merged, EntityChange{}
	}
	return merged, dataChange[EntityData, EntityOp](merged.Copy())
}

// lift returns a copy whose clock also covers clock.
func (d SetData) lift(clock VersionMap) SetData {
	out := d.Copy()
	out.Clock = out.Clock.MergeWith(clock)
	return out
}

// syncFieldClocks sets every field clock to the entity clock.
func (d *EntityData) syncFieldClocks() {
	for f, s := range d.Singletons {
		s.Clock = d.Clock.Copy()
		d.Singletons[f] = s
	}
	for f, c := range d.Collections {
		c.Clock = d.Clock.Copy()
		d.Collections[f] = c
	}
}

func applySingletonField(d *EntityData, field string, clock VersionMap, op SingletonOp, dryRun bool) bool {
	s, ok := d.Singletons[field]
	if !ok {
		return false
	}
	s = SingletonData(SetData(s).lift(d.Clock))
	if !op.applySingleton(&s, dryRun) {
		return false
	}
	if !dryRun {
		d.Singletons[field] = s
		d.Clock = d.Clock.MergeWith(clock)
		d.syncFieldClocks()
	}
	return true
}

func applySetField(d *EntityData, field string, clock VersionMap, op SetOp, dryRun bool) bool {
	c, ok := d.Collections[field]
	if !ok {
		return false
	}
	c = c.lift(d.Clock)
	if !op.applySet(&c, dryRun) {
		return false
	}
	if !dryRun {
		d.Collections[field] = c
		d.Clock = d.Clock.MergeWith(clock)
		d.syncFieldClocks()
	}
	return true
}

// EntitySetSingleton sets a singleton field.
type EntitySetSingleton struct {
	Actor string
	Clock VersionMap
	Field string
	Value Value
}

func (op EntitySetSingleton) applyEntity(d *EntityData, dryRun bool) bool {
	return applySingletonField(d, op.Field, op.Clock, SingletonUpdate{Actor: op.Actor, Clock: op.Clock, Value: op.Value}, dryRun)
}

// EntityClearSingleton clears a singleton field.
type EntityClearSingleton struct {
	Actor string
	Clock VersionMap
	Field string
}

func (op EntityClearSingleton) applyEntity(d *EntityData, dryRun bool) bool {
	return applySingletonField(d, op.Field, op.Clock, SingletonClear{Actor: op.Actor, Clock: op.Clock}, dryRun)
}

// EntityAddToSet adds a member to a collection field.
type EntityAddToSet struct {
	Actor string
	Clock VersionMap
	Field string
	Value Value
}

func (op EntityAddToSet) applyEntity(d *EntityData, dryRun bool) bool {
	return applySetField(d, op.Field, op.Clock, SetAdd{Actor: op.Actor, Clock: op.Clock, Value: op.Value}, dryRun)
}

// EntityRemoveFromSet removes a member from a collection field.
type EntityRemoveFromSet struct {
	Actor string
	Clock VersionMap
	Field string
	Value Value
}

func (op EntityRemoveFromSet) applyEntity(d *EntityData, dryRun bool) bool {
	return applySetField(d, op.Field, op.Clock, SetRemove{Actor: op.Actor, Clock: op.Clock, Value: op.Value}, dryRun)
}

// EntityClearAll removes every value written at or before Clock from every
// field. The actor's clock must match the entity's.
type EntityClearAll struct {
	Actor string
	Clock VersionMap
}

func (op EntityClearAll) applyEntity(d *EntityData, dryRun bool) bool {
	if op.Clock.Get(op.Actor) != d.Clock.Get(op.Actor) {
		return false
	}
	if dryRun {
		return true
	}
	for f, s := range d.Singletons {
		d.Singletons[f] = SingletonData(clearDominated(SetData(s), op.Clock))
	}
	for f, c := range d.Collections {
		d.Collections[f] = clearDominated(c, op.Clock)
	}
	d.Clock = d.Clock.MergeWith(op.Clock)
	d.syncFieldClocks()
	return true
}

func clearDominated(d SetData, clock VersionMap) SetData {
	for id, e := range d.Values {
		if clock.Dominates(e.Versions) {
			delete(d.Values, id)
		}
	}
	return d
}
