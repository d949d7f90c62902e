package storagekey

import (
	"sort"
	"strings"
	"sync"

	"github.com/devrev/replstore/internal/errors"
)

// ParseFunc parses the body of a key whose protocol has already been stripped.
type ParseFunc func(body string) (StorageKey, error)

// Registry maps protocol tags to parse functions.
type Registry struct {
	mu      sync.RWMutex
	parsers map[Protocol]ParseFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{parsers: make(map[Protocol]ParseFunc)}
}

// DefaultRegistry returns a registry with every built-in protocol registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterDefaults(r)
	return r
}

// RegisterDefaults registers the built-in protocols on r. Safe to call more
// than once.
func RegisterDefaults(r *Registry) {
	r.Register(ProtocolVolatile, ParseVolatile)
	r.Register(ProtocolRamDisk, ParseRamDisk)
	r.Register(ProtocolDatabase, ParsePersistentDatabase)
	r.Register(ProtocolMemoryDatabase, ParseMemoryDatabase)
	r.Register(ProtocolForeign, ParseForeign)
	r.Register(ProtocolRemote, ParseRemote)
	r.Register(ProtocolJoin, joinParser(r))
}

// Register binds fn to protocol and reports whether it was newly added.
// Re-registering a protocol leaves the first parser in place.
func (r *Registry) Register(protocol Protocol, fn ParseFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.parsers[protocol]; exists {
		return false
	}
	r.parsers[protocol] = fn
	return true
}

// Registered reports whether protocol has a parser.
func (r *Registry) Registered(protocol Protocol) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.parsers[protocol]
	return ok
}

// Protocols returns the registered protocol tags, sorted.
func (r *Registry) Protocols() []Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Protocol, 0, len(r.parsers))
	for p := range r.parsers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Parse parses a protocol-qualified key string.
func (r *Registry) Parse(raw string) (StorageKey, error) {
	protocol, body, ok := strings.Cut(raw, separator)
	if !ok {
		return nil, errors.InvalidKeyFormat(raw, "missing protocol separator '"+separator+"'")
	}

	r.mu.RLock()
	fn, found := r.parsers[Protocol(protocol)]
	r.mu.RUnlock()

	if !found {
		return nil, errors.InvalidKeyFormat(raw, "unknown protocol '"+protocol+"'")
	}
	return fn(body)
}
