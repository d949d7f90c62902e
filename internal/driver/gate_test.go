package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionGate(t *testing.T) {
	var g VersionGate

	assert.True(t, g.Admit(1))
	assert.True(t, g.Admit(3))
	assert.False(t, g.Admit(2), "older version after newer")
	assert.False(t, g.Admit(3), "duplicate")
	assert.True(t, g.Admit(4))

	assert.True(t, g.Admit(0), "deletion")
	assert.True(t, g.Admit(1), "entry recreated")

	g.Reset()
	assert.True(t, g.Admit(1))
}
