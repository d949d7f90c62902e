package driver

// VersionGate keeps a receiver from observing versions out of order. It is
// not safe for concurrent use; drivers guard it with the lock that
// serializes their deliveries.
type VersionGate struct {
	last int
}

// Admit reports whether an update at version may be delivered and records
// it if so. A deletion (version 0) is always admitted and restarts the
// sequence, since the next write to the entry starts again at version 1.
func (g *VersionGate) Admit(version int) bool {
	if version == 0 {
		g.last = 0
		return true
	}
	if version <= g.last {
		return false
	}
	g.last = version
	return true
}

// Reset forgets the last delivered version so that a newly registered
// receiver is handed the current state.
func (g *VersionGate) Reset() {
	g.last = 0
}
