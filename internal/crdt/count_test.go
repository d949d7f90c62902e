package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/replstore/internal/errors"
)

func TestCount_Increment(t *testing.T) {
	d := NewCountData()

	d, ok := d.Apply(CountIncrement{Actor: "a"})
	require.True(t, ok)
	d, ok = d.Apply(CountMultiIncrement{Actor: "b", Delta: 5})
	require.True(t, ok)
	d, ok = d.Apply(CountIncrement{Actor: "a"})
	require.True(t, ok)

	assert.Equal(t, int64(7), d.Value())
	assert.Equal(t, VersionMap{"a": 2, "b": 1}, d.Clock)

	tests := []struct {
		name string
		op   CountOp
	}{
		{"zero delta", CountMultiIncrement{Actor: "a", Delta: 0}},
		{"negative delta", CountMultiIncrement{Actor: "a", Delta: -3}},
		{"no actor", CountIncrement{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, ok := d.Apply(tt.op)
			assert.False(t, ok)
			assert.Equal(t, int64(7), next.Value())
		})
	}

	err := CountMultiIncrement{Actor: "a", Delta: -1}.Validate()
	assert.Equal(t, errors.ErrCodeCrdtFailure, errors.GetCode(err))
	assert.NoError(t, CountMultiIncrement{Actor: "a", Delta: 1}.Validate())
}

func TestCount_Merge(t *testing.T) {
	left, _ := NewCountData().Apply(CountMultiIncrement{Actor: "a", Delta: 3})
	right, _ := NewCountData().Apply(CountMultiIncrement{Actor: "b", Delta: 4})
	right, _ = right.Apply(CountIncrement{Actor: "a"})

	merged, change := left.Merge(right)
	assert.Equal(t, int64(7), merged.Value())
	assert.Equal(t, map[string]int64{"a": 3, "b": 4}, merged.Values)
	require.NotNil(t, change.Data)

	rl, _ := right.Merge(left)
	assert.True(t, merged.Equal(rl))

	_, change = merged.Merge(left)
	require.NotNil(t, change.Data, "left is behind and needs the merged state")

	caughtUp, change := left.Merge(merged)
	assert.True(t, caughtUp.Equal(merged))
	assert.True(t, change.IsEmpty())
}
