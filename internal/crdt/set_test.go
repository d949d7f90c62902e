package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustApplySet(t *testing.T, d SetData, op SetOp) SetData {
	t.Helper()
	next, ok := d.Apply(op)
	require.True(t, ok, "expected %#v to apply", op)
	return next
}

func TestSet_Add(t *testing.T) {
	d := NewSetData()

	d = mustApplySet(t, d, SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
	assert.True(t, d.Contains("x"))
	assert.Equal(t, VersionMap{"a": 1}, d.Clock)

	t.Run("rejects non-consecutive clock", func(t *testing.T) {
		_, ok := d.Apply(SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("y")})
		assert.False(t, ok)
		_, ok = d.Apply(SetAdd{Actor: "a", Clock: VersionMap{"a": 3}, Value: Scalar("y")})
		assert.False(t, ok)
	})

	t.Run("re-add merges member clock", func(t *testing.T) {
		next := mustApplySet(t, d, SetAdd{Actor: "b", Clock: VersionMap{"a": 1, "b": 1}, Value: Scalar("x")})
		assert.Equal(t, VersionMap{"a": 1, "b": 1}, next.Values["x"].Versions)
		assert.Equal(t, VersionMap{"a": 1}, d.Values["x"].Versions, "apply must not modify the receiver")
	})

	assert.True(t, d.CanApply(SetAdd{Actor: "a", Clock: VersionMap{"a": 2}, Value: Scalar("y")}))
	assert.False(t, d.Contains("y"))
}

func TestSet_Remove(t *testing.T) {
	d := NewSetData()
	d = mustApplySet(t, d, SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})

	t.Run("dominating clock removes the member", func(t *testing.T) {
		next := mustApplySet(t, d, SetRemove{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
		assert.False(t, next.Contains("x"))
		assert.Equal(t, VersionMap{"a": 1}, next.Clock)
	})

	t.Run("stale clock has no effect", func(t *testing.T) {
		readded := mustApplySet(t, d, SetAdd{Actor: "a", Clock: VersionMap{"a": 2}, Value: Scalar("x")})
		require.Equal(t, VersionMap{"a": 2}, readded.Values["x"].Versions)

		next, ok := readded.Apply(SetRemove{Actor: "b", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
		assert.False(t, ok)
		assert.True(t, next.Contains("x"))
	})

	t.Run("missing member", func(t *testing.T) {
		_, ok := d.Apply(SetRemove{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("nope")})
		assert.False(t, ok)
	})

	t.Run("remove must not advance the actor clock", func(t *testing.T) {
		_, ok := d.Apply(SetRemove{Actor: "a", Clock: VersionMap{"a": 2}, Value: Scalar("x")})
		assert.False(t, ok)
	})
}

func TestSet_Clear(t *testing.T) {
	d := NewSetData()
	d = mustApplySet(t, d, SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
	d = mustApplySet(t, d, SetAdd{Actor: "a", Clock: VersionMap{"a": 2}, Value: Scalar("y")})

	partial := mustApplySet(t, d, SetClear{Actor: "b", Clock: VersionMap{"a": 1}})
	assert.Equal(t, []Value{Scalar("y")}, partial.Members())

	all := mustApplySet(t, d, SetClear{Actor: "a", Clock: VersionMap{"a": 2}})
	assert.Empty(t, all.Members())

	_, ok := d.Apply(SetClear{Actor: "a", Clock: VersionMap{"a": 1}})
	assert.False(t, ok)
}

func TestSet_MergeConcurrentAdds(t *testing.T) {
	a := mustApplySet(t, NewSetData(), SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
	b := mustApplySet(t, NewSetData(), SetAdd{Actor: "b", Clock: VersionMap{"b": 1}, Value: Scalar("y")})

	merged, change := a.Merge(b)
	assert.Equal(t, []Value{Scalar("x"), Scalar("y")}, merged.Members())
	assert.Equal(t, VersionMap{"a": 1, "b": 1}, merged.Clock)

	require.Len(t, change.Ops, 1)
	assert.Equal(t, SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")}, change.Ops[0])

	caughtUp := mustApplySet(t, b, change.Ops[0])
	assert.True(t, caughtUp.Equal(merged))

	again, change := merged.Merge(merged)
	assert.True(t, again.Equal(merged))
	assert.True(t, change.IsEmpty())
}

func TestSet_MergeRemoval(t *testing.T) {
	shared := mustApplySet(t, NewSetData(), SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
	removed := mustApplySet(t, shared, SetRemove{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})

	merged, change := removed.Merge(shared)
	assert.False(t, merged.Contains("x"))
	assert.True(t, merged.Equal(removed))

	require.Len(t, change.Ops, 1)
	ff, ok := change.Ops[0].(SetFastForward)
	require.True(t, ok)
	assert.Equal(t, []Value{Scalar("x")}, ff.Removed)

	caughtUp := mustApplySet(t, shared, ff)
	assert.True(t, caughtUp.Equal(merged))

	reverse, _ := shared.Merge(removed)
	assert.True(t, reverse.Equal(merged))
}

func TestSet_MergeAddWinsOverConcurrentRemove(t *testing.T) {
	shared := mustApplySet(t, NewSetData(), SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
	removed := mustApplySet(t, shared, SetRemove{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
	readded := mustApplySet(t, shared, SetAdd{Actor: "b", Clock: VersionMap{"a": 1, "b": 1}, Value: Scalar("x")})

	merged, _ := removed.Merge(readded)
	assert.True(t, merged.Contains("x"))
	assert.Equal(t, VersionMap{"a": 1, "b": 1}, merged.Clock)
}

func TestSet_MergeAssociativeWithIndependentAdds(t *testing.T) {
	// a adds x; b receives and removes it; c adds x on its own.
	a := mustApplySet(t, NewSetData(), SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
	b := mustApplySet(t, a, SetRemove{Actor: "b", Clock: VersionMap{"a": 1}, Value: Scalar("x")})
	c := mustApplySet(t, NewSetData(), SetAdd{Actor: "c", Clock: VersionMap{"c": 1}, Value: Scalar("x")})

	ab, _ := a.Merge(b)
	left, _ := ab.Merge(c)
	bc, _ := b.Merge(c)
	right, _ := a.Merge(bc)

	assert.True(t, left.Equal(right), "left=%v right=%v", left, right)
	assert.Equal(t, VersionMap{"c": 1}, left.Values["x"].Versions)
}

func TestSetFastForward_Simplify(t *testing.T) {
	t.Run("consecutive single-actor adds", func(t *testing.T) {
		ff := SetFastForward{
			OldClock: VersionMap{"a": 1, "b": 1},
			NewClock: VersionMap{"a": 3, "b": 1},
			Added: []SetEntry{
				{Versions: VersionMap{"a": 3, "b": 1}, Value: Scalar("z")},
				{Versions: VersionMap{"a": 2, "b": 1}, Value: Scalar("y")},
			},
		}
		ops := ff.Simplify()
		require.Len(t, ops, 2)
		assert.Equal(t, SetAdd{Actor: "a", Clock: VersionMap{"a": 2, "b": 1}, Value: Scalar("y")}, ops[0])
		assert.Equal(t, SetAdd{Actor: "a", Clock: VersionMap{"a": 3, "b": 1}, Value: Scalar("z")}, ops[1])
	})

	tests := []struct {
		name string
		ff   SetFastForward
	}{
		{"removals", SetFastForward{
			OldClock: VersionMap{}, NewClock: VersionMap{"a": 1},
			Added:   []SetEntry{{Versions: VersionMap{"a": 1}, Value: Scalar("x")}},
			Removed: []Value{Scalar("y")},
		}},
		{"version bump only", SetFastForward{OldClock: VersionMap{}, NewClock: VersionMap{"a": 1}}},
		{"two actors", SetFastForward{
			OldClock: VersionMap{}, NewClock: VersionMap{"a": 1, "b": 1},
			Added: []SetEntry{{Versions: VersionMap{"a": 1}, Value: Scalar("x")}},
		}},
		{"gap", SetFastForward{
			OldClock: VersionMap{}, NewClock: VersionMap{"a": 3},
			Added: []SetEntry{{Versions: VersionMap{"a": 2}, Value: Scalar("x")}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := tt.ff.Simplify()
			require.Len(t, ops, 1)
			_, isFF := ops[0].(SetFastForward)
			assert.True(t, isFF)
		})
	}
}

func TestSetFastForward_Apply(t *testing.T) {
	d := mustApplySet(t, NewSetData(), SetAdd{Actor: "a", Clock: VersionMap{"a": 1}, Value: Scalar("x")})

	ff := SetFastForward{
		OldClock: VersionMap{"a": 1},
		NewClock: VersionMap{"a": 1, "b": 2},
		Added:    []SetEntry{{Versions: VersionMap{"a": 1, "b": 2}, Value: Scalar("y")}},
		Removed:  []Value{Scalar("x")},
	}
	next := mustApplySet(t, d, ff)
	assert.Equal(t, []Value{Scalar("y")}, next.Members())
	assert.Equal(t, VersionMap{"a": 1, "b": 2}, next.Clock)

	t.Run("stalled replica behind old clock", func(t *testing.T) {
		_, ok := NewSetData().Apply(ff)
		assert.False(t, ok)
	})
}
