// Package driver defines the contract between replicated stores and the
// backends that hold their data.
//
// A Driver is a handle onto one replication entry: a (data, version) pair
// addressed by a storage key. Several drivers may be attached to the same
// entry. Send is a compare-and-swap on the version; a successful send is
// delivered to the receivers of every other attached driver, in version
// order.
package driver

import (
	"context"

	"github.com/devrev/replstore/internal/crdt"
	"github.com/devrev/replstore/internal/storagekey"
)

// Exists is the existence criterion checked when a driver is created.
type Exists int

const (
	// ShouldCreate requires that the entry does not exist yet.
	ShouldCreate Exists = iota
	// ShouldExist requires that the entry already exists.
	ShouldExist
	// MayExist accepts either.
	MayExist
)

func (e Exists) String() string {
	switch e {
	case ShouldCreate:
		return "ShouldCreate"
	case ShouldExist:
		return "ShouldExist"
	case MayExist:
		return "MayExist"
	default:
		return "Exists(?)"
	}
}

// SendResult is the outcome of a Send. A rejected send is not an error:
// the caller re-reads the entry and retries against Version.
type SendResult struct {
	Accepted bool
	// Version is the entry version after the call: the new version when
	// accepted, the current one when rejected.
	Version int
}

// Accepted reports a successful send that produced version v.
func Accepted(v int) SendResult { return SendResult{Accepted: true, Version: v} }

// Rejected reports a version conflict; current is the entry's version.
func Rejected(current int) SendResult { return SendResult{Version: current} }

// Receiver is called with every update written by another driver. A nil
// data with version 0 means the entry was deleted.
type Receiver func(data crdt.Data, version int)

// Driver is a handle onto one replication entry.
type Driver interface {
	Key() storagekey.StorageKey
	Exists() Exists

	// RegisterReceiver installs r, replacing any previous receiver. If the
	// entry already holds data, r is called once with it unless token is
	// non-empty and equal to Token().
	RegisterReceiver(token string, r Receiver)

	// Send stores data at version iff version == current+1.
	Send(ctx context.Context, data crdt.Data, version int) (SendResult, error)

	// Token identifies the state this driver last wrote or received.
	Token() string

	// Close detaches the driver. Its receiver is not called afterwards.
	Close() error
}

// Provider creates drivers for the keys it supports.
type Provider interface {
	Name() string
	WillSupport(key storagekey.StorageKey) bool
	Driver(ctx context.Context, key storagekey.StorageKey, exists Exists) (Driver, error)
}

// CheckExists validates an existence criterion against whether the entry
// is present. It is shared by provider implementations.
func CheckExists(key storagekey.StorageKey, exists Exists, present bool) error {
	switch {
	case exists == ShouldCreate && present:
		return preconditionFailed(key, exists, "entry already exists")
	case exists == ShouldExist && !present:
		return preconditionFailed(key, exists, "entry does not exist")
	}
	return nil
}
