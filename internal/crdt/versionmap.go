package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// VersionMap maps an actor id to that actor's logical clock. Absent actors are
// at zero; zero entries are never stored.
type VersionMap map[string]int64

// Comparison is the causal relationship between two version maps.
type Comparison int

const (
	Identical Comparison = iota
	Before
	After
	Concurrent
)

func (c Comparison) String() string {
	switch c {
	case Identical:
		return "identical"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// NewVersionMap returns an empty version map.
func NewVersionMap() VersionMap {
	return make(VersionMap)
}

// Get returns the clock of actor, or 0.
func (v VersionMap) Get(actor string) int64 {
	return v[actor]
}

// Copy returns an independent copy without zero entries.
func (v VersionMap) Copy() VersionMap {
	out := make(VersionMap, len(v))
	for actor, n := range v {
		if n != 0 {
			out[actor] = n
		}
	}
	return out
}

// With returns a copy with actor set to n.
func (v VersionMap) With(actor string, n int64) VersionMap {
	out := v.Copy()
	if n == 0 {
		delete(out, actor)
	} else {
		out[actor] = n
	}
	return out
}

// Increment returns a copy with actor's clock advanced by one.
func (v VersionMap) Increment(actor string) VersionMap {
	return v.With(actor, v[actor]+1)
}

// MergeWith returns the pointwise maximum of v and other.
func (v VersionMap) MergeWith(other VersionMap) VersionMap {
	out := v.Copy()
	for actor, n := range other {
		if n > out[actor] {
			out[actor] = n
		}
	}
	return out
}

// Dominates reports whether every clock in other is <= the matching clock in v.
// A map dominates itself.
func (v VersionMap) Dominates(other VersionMap) bool {
	for actor, n := range other {
		if v[actor] < n {
			return false
		}
	}
	return true
}

// StrictlyDominates reports v >= other pointwise with at least one actor ahead.
func (v VersionMap) StrictlyDominates(other VersionMap) bool {
	return v.Compare(other) == After
}

// Compare returns the causal relationship of v relative to other.
func (v VersionMap) Compare(other VersionMap) Comparison {
	var less, greater bool
	for actor, n := range v {
		switch o := other[actor]; {
		case n < o:
			less = true
		case n > o:
			greater = true
		}
	}
	for actor, o := range other {
		if _, seen := v[actor]; !seen && o > 0 {
			less = true
		}
	}

	switch {
	case !less && !greater:
		return Identical
	case less && !greater:
		return Before
	case greater && !less:
		return After
	default:
		return Concurrent
	}
}

// Equal compares two maps treating absent actors as zero.
func (v VersionMap) Equal(other VersionMap) bool {
	return v.Compare(other) == Identical
}

// Diff returns the actors whose clock in v is ahead of other, with v's clock.
func (v VersionMap) Diff(other VersionMap) VersionMap {
	out := make(VersionMap)
	for actor, n := range v {
		if n > other[actor] {
			out[actor] = n
		}
	}
	return out
}

// Actors returns the actors with non-zero clocks, sorted.
func (v VersionMap) Actors() []string {
	actors := make([]string, 0, len(v))
	for actor, n := range v {
		if n != 0 {
			actors = append(actors, actor)
		}
	}
	sort.Strings(actors)
	return actors
}

// String returns a deterministic representation.
func (v VersionMap) String() string {
	actors := v.Actors()
	if len(actors) == 0 {
		return "{}"
	}
	parts := make([]string, 0, len(actors))
	for _, actor := range actors {
		parts = append(parts, fmt.Sprintf("%s:%d", actor, v[actor]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
