package storagekey

import (
	"regexp"
	"strings"

	"github.com/devrev/replstore/internal/errors"
)

// DefaultDatabaseName is used when a database key is built without a name.
const DefaultDatabaseName = "main"

var (
	databaseNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)
	schemaHashPattern   = regexp.MustCompile(`^[0-9a-fA-F]+$`)
	databaseBodyPattern = regexp.MustCompile(`^([0-9a-fA-F]+)@([A-Za-z][A-Za-z0-9_-]*)/(.+)$`)
)

// VolatileKey addresses in-memory data scoped to a single running session (arc).
type VolatileKey struct {
	ArcID  string
	Unique string
}

func NewVolatileKey(arcID, unique string) VolatileKey {
	return VolatileKey{ArcID: arcID, Unique: unique}
}

func (k VolatileKey) Protocol() Protocol { return ProtocolVolatile }
func (k VolatileKey) KeyString() string  { return k.ArcID + "/" + k.Unique }
func (k VolatileKey) String() string     { return format(k.Protocol(), k.KeyString()) }

func (k VolatileKey) ChildKeyWithComponent(component string) StorageKey {
	return VolatileKey{ArcID: k.ArcID, Unique: k.Unique + "/" + component}
}

// ParseVolatile parses the body "<arcId>/<unique>".
func ParseVolatile(body string) (StorageKey, error) {
	arcID, unique, ok := strings.Cut(body, "/")
	if !ok || arcID == "" {
		return nil, errors.InvalidKeyFormat(format(ProtocolVolatile, body), "expected <arcId>/<unique>")
	}
	return VolatileKey{ArcID: arcID, Unique: unique}, nil
}

// RamDiskKey addresses in-memory data that outlives a session but not the process.
type RamDiskKey struct {
	Unique string
}

func NewRamDiskKey(unique string) RamDiskKey {
	return RamDiskKey{Unique: unique}
}

func (k RamDiskKey) Protocol() Protocol { return ProtocolRamDisk }
func (k RamDiskKey) KeyString() string  { return k.Unique }
func (k RamDiskKey) String() string     { return format(k.Protocol(), k.KeyString()) }

func (k RamDiskKey) ChildKeyWithComponent(component string) StorageKey {
	return RamDiskKey{Unique: k.Unique + "/" + component}
}

// ParseRamDisk parses the body "<unique>".
func ParseRamDisk(body string) (StorageKey, error) {
	return RamDiskKey{Unique: body}, nil
}

// DatabaseKey addresses data managed by a named database, either on disk
// (protocol "db") or in memory (protocol "memdb").
type DatabaseKey struct {
	Unique           string
	EntitySchemaHash string
	DBName           string
	Persistent       bool
}

// NewDatabaseKey validates the database name and schema hash. An empty dbName
// selects DefaultDatabaseName.
func NewDatabaseKey(unique, entitySchemaHash, dbName string, persistent bool) (DatabaseKey, error) {
	if dbName == "" {
		dbName = DefaultDatabaseName
	}
	k := DatabaseKey{Unique: unique, EntitySchemaHash: entitySchemaHash, DBName: dbName, Persistent: persistent}
	if !databaseNamePattern.MatchString(dbName) {
		return DatabaseKey{}, errors.InvalidKeyFormat(k.String(), "database name must match "+databaseNamePattern.String())
	}
	if !schemaHashPattern.MatchString(entitySchemaHash) {
		return DatabaseKey{}, errors.InvalidKeyFormat(k.String(), "entity schema hash must match "+schemaHashPattern.String())
	}
	if unique == "" {
		return DatabaseKey{}, errors.InvalidKeyFormat(k.String(), "unique component is required")
	}
	return k, nil
}

// PersistentKey builds an on-disk database key, panicking on invalid input.
// Intended for literals in tests and wiring code.
func PersistentKey(unique, entitySchemaHash, dbName string) DatabaseKey {
	k, err := NewDatabaseKey(unique, entitySchemaHash, dbName, true)
	if err != nil {
		panic(err)
	}
	return k
}

// MemoryKey builds an in-memory database key, panicking on invalid input.
func MemoryKey(unique, entitySchemaHash, dbName string) DatabaseKey {
	k, err := NewDatabaseKey(unique, entitySchemaHash, dbName, false)
	if err != nil {
		panic(err)
	}
	return k
}

func (k DatabaseKey) Protocol() Protocol {
	if k.Persistent {
		return ProtocolDatabase
	}
	return ProtocolMemoryDatabase
}

func (k DatabaseKey) KeyString() string {
	return k.EntitySchemaHash + "@" + k.DBName + "/" + k.Unique
}

func (k DatabaseKey) String() string { return format(k.Protocol(), k.KeyString()) }

func (k DatabaseKey) ChildKeyWithComponent(component string) StorageKey {
	child := k
	child.Unique = k.Unique + "/" + component
	return child
}

func parseDatabase(body string, persistent bool) (StorageKey, error) {
	m := databaseBodyPattern.FindStringSubmatch(body)
	if m == nil {
		p := ProtocolMemoryDatabase
		if persistent {
			p = ProtocolDatabase
		}
		return nil, errors.InvalidKeyFormat(format(p, body), "expected <entitySchemaHash>@<dbName>/<unique>")
	}
	k, err := NewDatabaseKey(m[3], m[1], m[2], persistent)
	if err != nil {
		return nil, err
	}
	return k, nil
}

// ParsePersistentDatabase parses a "db" body.
func ParsePersistentDatabase(body string) (StorageKey, error) { return parseDatabase(body, true) }

// ParseMemoryDatabase parses a "memdb" body.
func ParseMemoryDatabase(body string) (StorageKey, error) { return parseDatabase(body, false) }

// ForeignKey names an external ownership domain. It is used for deletion
// propagation only; no driver replicates data under it.
type ForeignKey struct {
	Namespace string
}

func NewForeignKey(namespace string) ForeignKey {
	return ForeignKey{Namespace: namespace}
}

// Schema is the minimal view of an entity schema needed to derive keys.
type Schema struct {
	Names []string
	Hash  string
}

// PrimaryName returns the first schema name, or "" for anonymous schemas.
func (s Schema) PrimaryName() string {
	if len(s.Names) == 0 {
		return ""
	}
	return s.Names[0]
}

// ForeignKeyForSchema uses the schema's primary name as the namespace.
func ForeignKeyForSchema(schema Schema) (ForeignKey, error) {
	name := schema.PrimaryName()
	if name == "" {
		return ForeignKey{}, errors.InvalidArgument("schema has no name to use as a foreign namespace", nil)
	}
	return ForeignKey{Namespace: name}, nil
}

func (k ForeignKey) Protocol() Protocol { return ProtocolForeign }
func (k ForeignKey) KeyString() string  { return k.Namespace }
func (k ForeignKey) String() string     { return format(k.Protocol(), k.KeyString()) }

func (k ForeignKey) ChildKeyWithComponent(component string) StorageKey {
	return ForeignKey{Namespace: k.Namespace + "/" + component}
}

// ParseForeign parses the body "<namespace>".
func ParseForeign(body string) (StorageKey, error) {
	if body == "" {
		return nil, errors.InvalidKeyFormat(format(ProtocolForeign, body), "namespace is required")
	}
	return ForeignKey{Namespace: body}, nil
}

// RemoteKey addresses data held by the remote (Redis) backend.
type RemoteKey struct {
	Namespace string
	Unique    string
}

func NewRemoteKey(namespace, unique string) RemoteKey {
	return RemoteKey{Namespace: namespace, Unique: unique}
}

func (k RemoteKey) Protocol() Protocol { return ProtocolRemote }
func (k RemoteKey) KeyString() string  { return k.Namespace + "/" + k.Unique }
func (k RemoteKey) String() string     { return format(k.Protocol(), k.KeyString()) }

func (k RemoteKey) ChildKeyWithComponent(component string) StorageKey {
	return RemoteKey{Namespace: k.Namespace, Unique: k.Unique + "/" + component}
}

// ParseRemote parses the body "<namespace>/<unique>".
func ParseRemote(body string) (StorageKey, error) {
	ns, unique, ok := strings.Cut(body, "/")
	if !ok || ns == "" || unique == "" {
		return nil, errors.InvalidKeyFormat(format(ProtocolRemote, body), "expected <namespace>/<unique>")
	}
	return RemoteKey{Namespace: ns, Unique: unique}, nil
}
