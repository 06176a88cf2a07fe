// Package source bundles the per-source ingestion surface: raw payload
// contracts, the external transformer ruleset, and the destroy pointer.
package source

import (
	"fmt"

	"github.com/herbly/menupipe/internal/contract"
	"github.com/herbly/menupipe/internal/ruleset"
)

// Source describes one upstream feed.
//
// Raw validates live payloads; RawDestroy validates tombstone payloads,
// which carry only the identity fields. DestroyPointer decides which
// contract applies and drives action classification; it must be a pure
// function of the payload.
type Source struct {
	ID             string
	Raw            *contract.Contract
	RawDestroy     *contract.Contract
	Transformer    *ruleset.RuleSet
	DestroyPointer func(payload map[string]any) bool
}

// RawContract picks the contract for a payload based on the destroy
// pointer. Tombstones are explicit markers, never inferred: a payload
// without the pointer always validates against the live shape.
func (s *Source) RawContract(payload map[string]any) *contract.Contract {
	if s.DestroyPointer(payload) {
		return s.RawDestroy
	}
	return s.Raw
}

// Registry resolves source IDs to their bundles.
type Registry map[string]*Source

// Resolve returns the source for an ID.
func (r Registry) Resolve(id string) (*Source, error) {
	s, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("unknown source %q", id)
	}
	return s, nil
}
