// Package storagekey implements the addressing scheme for storage locations.
//
// A storage key is serialized as "<protocol>://<body>". Each protocol owns the
// format of its body; parsing is dispatched through a Registry that maps the
// protocol tag to a parse function.
package storagekey

import "fmt"

// Protocol is the short tag that prefixes a serialized storage key.
type Protocol string

const (
	ProtocolVolatile       Protocol = "volatile"
	ProtocolRamDisk        Protocol = "ramdisk"
	ProtocolDatabase       Protocol = "db"
	ProtocolMemoryDatabase Protocol = "memdb"
	ProtocolForeign        Protocol = "foreign"
	ProtocolJoin           Protocol = "join"
	ProtocolRemote         Protocol = "remote"
)

const separator = "://"

// StorageKey identifies a storage location.
//
// All implementations in this package are comparable value types: two keys
// built from identical fields are == and serialize identically.
type StorageKey interface {
	// Protocol returns the protocol tag.
	Protocol() Protocol
	// KeyString returns the protocol-specific body.
	KeyString() string
	// String returns "<protocol>://<body>".
	String() string
	// ChildKeyWithComponent derives a nested key sharing this key's addressing scheme.
	ChildKeyWithComponent(component string) StorageKey
}

func format(p Protocol, body string) string {
	return fmt.Sprintf("%s%s%s", p, separator, body)
}

// Equal reports whether two keys address the same location.
func Equal(a, b StorageKey) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}
