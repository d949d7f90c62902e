package storagekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/replstore/internal/errors"
)

func TestParse_RoundTrip(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name string
		raw  string
		want StorageKey
	}{
		{"volatile", "volatile://arc1/thing", NewVolatileKey("arc1", "thing")},
		{"volatile nested unique", "volatile://arc1/a/b/c", NewVolatileKey("arc1", "a/b/c")},
		{"ramdisk", "ramdisk://scratch", NewRamDiskKey("scratch")},
		{"db", "db://1234abcdef@main/people", PersistentKey("people", "1234abcdef", "main")},
		{"memdb", "memdb://ABCD@cache_1/x/y", MemoryKey("x/y", "ABCD", "cache_1")},
		{"foreign", "foreign://Person", NewForeignKey("Person")},
		{"remote", "remote://tenant/doc", NewRemoteKey("tenant", "doc")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got == tt.want)
			assert.Equal(t, tt.raw, got.String())
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name string
		raw  string
	}{
		{"no separator", "volatile:arc/x"},
		{"unknown protocol", "s3://bucket/key"},
		{"volatile without arc", "volatile://nounique"},
		{"db bad hash", "db://xyz@main/u"},
		{"db bad name", "db://abc@1main/u"},
		{"db missing unique", "db://abc@main"},
		{"foreign empty", "foreign://"},
		{"remote missing unique", "remote://tenant"},
		{"join count mismatch", "join://2/{ramdisk://a}"},
		{"join count too large", "join://10/{ramdisk://a}"},
		{"join zero", "join://0/"},
		{"join unbalanced", "join://1/{ramdisk://a"},
		{"join stray text", "join://1/x{ramdisk://a}"},
		{"join bad child", "join://1/{nope://a}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Parse(tt.raw)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeInvalidKeyFormat, errors.GetCode(err))
		})
	}
}

func TestJoinKey(t *testing.T) {
	r := DefaultRegistry()
	a := NewRamDiskKey("a")
	b := PersistentKey("b", "ff", "main")

	join, err := NewJoinKey(a, b)
	require.NoError(t, err)
	assert.Equal(t, "join://2/{ramdisk://a}{db://ff@main/b}", join.String())
	assert.Equal(t, 2, join.Len())

	parsed, err := r.Parse(join.String())
	require.NoError(t, err)
	assert.True(t, parsed == StorageKey(join))
	assert.Equal(t, []StorageKey{a, b}, parsed.(JoinKey).Components())

	other, err := NewJoinKey(NewRamDiskKey("a"), PersistentKey("b", "ff", "main"))
	require.NoError(t, err)
	assert.True(t, join == other)

	t.Run("nested join round trips", func(t *testing.T) {
		outer, err := NewJoinKey(join, NewForeignKey("Person"))
		require.NoError(t, err)
		parsed, err := r.Parse(outer.String())
		require.NoError(t, err)
		assert.Equal(t, outer.String(), parsed.String())
	})

	t.Run("components with unbalanced braces are rejected", func(t *testing.T) {
		for _, bad := range []StorageKey{
			NewRamDiskKey("a}b"),
			NewRamDiskKey("a{b"),
			NewRamDiskKey("}{"),
		} {
			_, err := r.Parse(bad.String())
			require.NoError(t, err, "%s is a valid key on its own", bad)
			_, err = NewJoinKey(a, bad)
			assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err), bad.String())
		}

		braced := NewRamDiskKey("{x}")
		join, err := NewJoinKey(braced)
		require.NoError(t, err)
		parsed, err := r.Parse(join.String())
		require.NoError(t, err)
		assert.Equal(t, []StorageKey{braced}, parsed.(JoinKey).Components())
	})

	t.Run("child key applies to every component", func(t *testing.T) {
		child := join.ChildKeyWithComponent("c")
		assert.Equal(t, "join://2/{ramdisk://a/c}{db://ff@main/b/c}", child.String())
	})

	t.Run("component bounds", func(t *testing.T) {
		_, err := NewJoinKey()
		assert.Error(t, err)

		many := make([]StorageKey, MaxJoinComponents+1)
		for i := range many {
			many[i] = NewRamDiskKey("k")
		}
		_, err = NewJoinKey(many...)
		assert.Error(t, err)

		_, err = NewJoinKey(many[:MaxJoinComponents]...)
		assert.NoError(t, err)
	})
}

func TestChildKeyWithComponent(t *testing.T) {
	r := DefaultRegistry()

	keys := []StorageKey{
		NewVolatileKey("arc", "u"),
		NewRamDiskKey("u"),
		PersistentKey("u", "abc", "main"),
		MemoryKey("u", "abc", "main"),
		NewForeignKey("ns"),
		NewRemoteKey("ns", "u"),
	}
	for _, k := range keys {
		child := k.ChildKeyWithComponent("part")
		assert.Equal(t, k.Protocol(), child.Protocol())
		assert.Contains(t, child.String(), "part")

		parsed, err := r.Parse(child.String())
		require.NoError(t, err, child.String())
		assert.True(t, Equal(child, parsed))
	}
}

func TestNewDatabaseKey(t *testing.T) {
	k, err := NewDatabaseKey("u", "abc123", "", true)
	require.NoError(t, err)
	assert.Equal(t, DefaultDatabaseName, k.DBName)
	assert.Equal(t, ProtocolDatabase, k.Protocol())

	k, err = NewDatabaseKey("u", "abc123", "my-db_2", false)
	require.NoError(t, err)
	assert.Equal(t, ProtocolMemoryDatabase, k.Protocol())
	assert.Equal(t, "abc123@my-db_2/u", k.KeyString())

	_, err = NewDatabaseKey("u", "nothex", "main", true)
	assert.True(t, errors.IsStoreError(err))

	_, err = NewDatabaseKey("u", "abc", "_main", true)
	assert.Equal(t, errors.ErrCodeInvalidKeyFormat, errors.GetCode(err))

	assert.Panics(t, func() { PersistentKey("u", "zz", "main") })
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	assert.True(t, r.Register(ProtocolRamDisk, ParseRamDisk))

	calls := 0
	replacement := func(body string) (StorageKey, error) {
		calls++
		return NewRamDiskKey("replaced"), nil
	}
	assert.False(t, r.Register(ProtocolRamDisk, replacement))

	k, err := r.Parse("ramdisk://original")
	require.NoError(t, err)
	assert.Equal(t, NewRamDiskKey("original"), k)
	assert.Zero(t, calls)

	RegisterDefaults(r)
	RegisterDefaults(r)
	assert.Len(t, r.Protocols(), 7)
	assert.True(t, r.Registered(ProtocolJoin))
}

func TestForeignKeyForSchema(t *testing.T) {
	k, err := ForeignKeyForSchema(Schema{Names: []string{"Person", "Human"}, Hash: "abc"})
	require.NoError(t, err)
	assert.Equal(t, NewForeignKey("Person"), k)
	assert.Equal(t, "foreign://Person", k.String())

	_, err = ForeignKeyForSchema(Schema{Hash: "abc"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, nil))
	assert.False(t, Equal(NewRamDiskKey("a"), nil))
	assert.True(t, Equal(NewRamDiskKey("a"), NewRamDiskKey("a")))
	assert.False(t, Equal(PersistentKey("a", "f", "main"), MemoryKey("a", "f", "main")))
}
