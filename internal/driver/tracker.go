package driver

import (
	"context"
	"sync"

	"github.com/devrev/replstore/internal/crdt"
)

// Tracker follows the latest (data, version) of a driver's entry. It
// registers itself as the driver's receiver; the writer records its own
// accepted sends with Observe since a driver is not notified of them.
type Tracker struct {
	mu      sync.Mutex
	data    crdt.Data
	version int
	changed chan struct{}
}

// Track attaches a new Tracker to d. The current entry state, if any, is
// delivered immediately.
func Track(d Driver) *Tracker {
	t := &Tracker{changed: make(chan struct{})}
	d.RegisterReceiver("", t.Observe)
	return t
}

// Observe records an update. Older versions are ignored; a nil data resets
// the tracker to the empty entry.
func (t *Tracker) Observe(data crdt.Data, version int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if data == nil {
		t.data, t.version = nil, 0
	} else if version > t.version {
		t.data, t.version = data, version
	} else {
		return
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

// Snapshot returns the latest observed state.
func (t *Tracker) Snapshot() (crdt.Data, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data, t.version
}

// Changed returns a channel closed at the next observed update.
func (t *Tracker) Changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// WaitFor blocks until the tracked version reaches version or ctx is done.
func (t *Tracker) WaitFor(ctx context.Context, version int) error {
	for {
		t.mu.Lock()
		if t.version >= version {
			t.mu.Unlock()
			return nil
		}
		ch := t.changed
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
