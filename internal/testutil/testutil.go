// Package testutil provides deterministic stand-ins for the pipeline's
// two nondeterminism sources: the batch clock and ingest ID minting.
package testutil

import (
	"fmt"
	"sync"
	"time"
)

// FrozenClock returns a clock function that always reports the same
// instant. Batches built on it produce byte-identical replay packs.
func FrozenClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// IngestIDs mints sequential, stable ingest IDs for tests.
//
// Thread-safe: worker pools mint concurrently in pipeline tests.
type IngestIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

// NewIngestIDs creates a generator. IDs are prefix-0001, prefix-0002, ...
func NewIngestIDs(prefix string) *IngestIDs {
	return &IngestIDs{prefix: prefix}
}

// Next returns the next ID in sequence.
func (g *IngestIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%04d", g.prefix, g.next)
}
