package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

func TestStoreError_GRPCMapping(t *testing.T) {
	tests := []struct {
		name string
		err  *StoreError
		want codes.Code
	}{
		{"invalid argument", InvalidArgument("bad", nil), codes.InvalidArgument},
		{"invalid key", InvalidKeyFormat("x://", "empty"), codes.InvalidArgument},
		{"crdt", CrdtFailure("kind mismatch"), codes.InvalidArgument},
		{"unsupported", UnsupportedStorageKey("join://1/{x}"), codes.Unimplemented},
		{"precondition", PreconditionFailed("ramdisk://a", "ShouldCreate", "exists"), codes.FailedPrecondition},
		{"not found", NotFound("database main"), codes.NotFound},
		{"corrupted", CorruptedData("bad checksum", nil), codes.DataLoss},
		{"unavailable", Unavailable("redis down", nil), codes.Unavailable},
		{"database", DatabaseFailure("db:main", stderrors.New("disk")), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestStoreError_WrapAndMatch(t *testing.T) {
	cause := stderrors.New("disk full")
	err := fmt.Errorf("write: %w", DatabaseFailure("db:main", cause))

	assert.True(t, IsStoreError(err))
	assert.Equal(t, ErrCodeDatabaseFailure, GetCode(err))
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, &StoreError{Code: ErrCodeDatabaseFailure})
	assert.NotErrorIs(t, err, &StoreError{Code: ErrCodeNotFound})
	assert.Contains(t, err.Error(), "disk full")

	assert.Equal(t, ErrCodeOK, GetCode(nil))
	assert.Equal(t, ErrCodeInternal, GetCode(stderrors.New("plain")))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(InvalidKeyFormat("x", "y")))
	assert.True(t, IsFatal(PreconditionFailed("k", "ShouldExist", "missing")))
	assert.True(t, IsFatal(UnsupportedStorageKey("k")))
	assert.False(t, IsFatal(Unavailable("down", nil)))
	assert.False(t, IsFatal(DatabaseFailure("db", nil)))
	assert.False(t, IsFatal(nil))
}

func TestCompositeFailure(t *testing.T) {
	assert.Nil(t, NewCompositeFailure(nil))
	assert.Nil(t, NewCompositeFailure(map[string]error{"db:a": nil}))

	errB := DatabaseFailure("db:b", stderrors.New("b broke"))
	errC := DatabaseFailure("db:c", stderrors.New("c broke"))
	cf := NewCompositeFailure(map[string]error{
		"db:c": errC,
		"db:a": nil,
		"db:b": errB,
	})
	require.NotNil(t, cf)

	assert.Equal(t, 2, cf.Len())
	assert.Equal(t, []string{"db:b", "db:c"}, cf.Databases())
	assert.Equal(t, []error{errB, errC}, cf.Errors())

	got, ok := cf.Failure("db:b")
	require.True(t, ok)
	assert.Same(t, errB, got)
	_, ok = cf.Failure("db:a")
	assert.False(t, ok)

	var err error = cf
	assert.Equal(t, ErrCodeCompositeFailure, GetCode(err))
	assert.ErrorIs(t, err, errC)
	assert.Equal(t, codes.Aborted, cf.ToGRPCStatus().Code())
	assert.Contains(t, err.Error(), "2 database(s) failed")
}
