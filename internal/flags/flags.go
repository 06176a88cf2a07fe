// Package flags freezes feature-flag values once per batch.
//
// A batch resolves every flag in the declared manifest exactly once at
// start. Mid-batch flag changes do not affect the running batch: the
// snapshot is the single source of truth until the batch completes.
package flags

import (
	"context"
	"fmt"

	"github.com/herbly/menupipe/internal/canonical"
)

// Backend is the external flag provider port. Implementations typically
// wrap a flag service client; StaticBackend serves tests and offline runs.
type Backend interface {
	Enabled(ctx context.Context, flag, actorKey string) (bool, error)
}

// Manifest is the declared set of flag names a ruleset may depend on.
// Snapshot resolution iterates exactly this list; rules referencing a
// flag outside the manifest are rejected at ruleset compile time.
type Manifest []string

// Contains reports whether the manifest declares the flag.
func (m Manifest) Contains(name string) bool {
	for _, f := range m {
		if f == name {
			return true
		}
	}
	return false
}

// Snapshot is the frozen flag state for one batch.
type Snapshot struct {
	values  map[string]bool
	version string
}

// TakeSnapshot resolves every manifest flag against the backend, keyed by
// the actor (typically the source ID). A backend error is batch-fatal:
// partial snapshots would undermine determinism.
func TakeSnapshot(ctx context.Context, backend Backend, manifest Manifest, actorKey string) (*Snapshot, error) {
	values := make(map[string]bool, len(manifest))
	for _, name := range manifest {
		on, err := backend.Enabled(ctx, name, actorKey)
		if err != nil {
			return nil, fmt.Errorf("flag snapshot: resolve %q for actor %q: %w", name, actorKey, err)
		}
		values[name] = on
	}

	version, err := canonical.Fingerprint(canonical.DomainFlags, values)
	if err != nil {
		return nil, fmt.Errorf("flag snapshot: %w", err)
	}

	return &Snapshot{values: values, version: version}, nil
}

// Restore rebuilds a snapshot from recorded values (replay path).
// The version is recomputed, so a restored snapshot of identical values
// carries an identical version.
func Restore(values map[string]bool) (*Snapshot, error) {
	copied := make(map[string]bool, len(values))
	for k, v := range values {
		copied[k] = v
	}
	version, err := canonical.Fingerprint(canonical.DomainFlags, copied)
	if err != nil {
		return nil, fmt.Errorf("flag snapshot restore: %w", err)
	}
	return &Snapshot{values: copied, version: version}, nil
}

// Enabled returns the frozen value for a flag.
// Panics for a flag outside the snapshot: that is a programming error the
// compile-time manifest check should have caught, and continuing would
// silently evaluate rules against undefined flag state.
func (s *Snapshot) Enabled(name string) bool {
	v, ok := s.values[name]
	if !ok {
		panic(fmt.Sprintf("flag %q not in snapshot manifest", name))
	}
	return v
}

// Version is the stable 12-char digest over the sorted name→bool map.
func (s *Snapshot) Version() string { return s.version }

// Values returns a copy of the frozen map for replay-pack capture.
func (s *Snapshot) Values() map[string]bool {
	out := make(map[string]bool, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// StaticBackend resolves flags from a fixed map. Unknown flags resolve to
// false without error, matching typical flag-service semantics.
type StaticBackend map[string]bool

// Enabled implements Backend.
func (b StaticBackend) Enabled(_ context.Context, flag, _ string) (bool, error) {
	return b[flag], nil
}
