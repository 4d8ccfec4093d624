package revision

import (
	"sync"

	"github.com/nleite/jackrabbit-oak/internal/clock"
)

// Generator hands out strictly increasing revisions for one writer.
// Revisions produced in the same millisecond share the timestamp and get
// increasing counters. A clock that reads behind the last issued timestamp
// does not make revisions go backwards.
type Generator struct {
	clock     clock.Clock
	clusterID uint16

	mu   sync.Mutex
	last Revision
}

// NewGenerator creates a generator for clusterID reading time from clk.
func NewGenerator(clk clock.Clock, clusterID uint16) *Generator {
	return &Generator{clock: clk, clusterID: clusterID}
}

// ClusterID returns the writer id stamped on generated revisions.
func (g *Generator) ClusterID() uint16 {
	return g.clusterID
}

// Next returns a revision greater than every revision previously returned.
func (g *Generator) Next() Revision {
	now := clock.Millis(g.clock)

	g.mu.Lock()
	defer g.mu.Unlock()

	if now > g.last.Timestamp {
		g.last = New(now, 0, g.clusterID)
	} else {
		g.last = New(g.last.Timestamp, g.last.Counter+1, g.clusterID)
	}
	return g.last
}

// Observe records a revision seen from elsewhere so later revisions from
// this generator sort after it.
func (g *Generator) Observe(r Revision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r.Timestamp > g.last.Timestamp ||
		(r.Timestamp == g.last.Timestamp && r.Counter > g.last.Counter) {
		g.last = New(r.Timestamp, r.Counter, g.clusterID)
	}
}

// Last returns the most recently generated or observed revision.
func (g *Generator) Last() Revision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
