// Package batch carries the frozen per-batch context.
package batch

import (
	"time"

	"github.com/herbly/menupipe/internal/flags"
	"github.com/herbly/menupipe/internal/lookup"
)

// Context is constructed exactly once per batch invocation and shared
// read-only across workers. Every item in the batch observes identical
// values: the wall-clock is sampled once, the flag snapshot and the
// reference lookups are resolved before the first item is processed.
type Context struct {
	Now            time.Time
	Env            string
	SourceID       string
	RulesetVersion string
	Flags          *flags.Snapshot
	Lookups        *lookup.Maps
}
