// Package contract implements the validation ports over CUE schemas.
//
// A contract is compiled once from a CUE schema string and then applied
// to payload mappings. CUE unification errors are mapped to the
// field -> messages shape the processor records as violations.
package contract

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Contract validates a payload mapping against a compiled CUE schema.
type Contract struct {
	name string

	// CUE contexts are not safe for concurrent Encode; items within a
	// batch may validate in parallel.
	mu     sync.Mutex
	cctx   *cue.Context
	schema cue.Value
}

// New compiles a CUE schema string into a reusable contract.
func New(name, schema string) (*Contract, error) {
	cctx := cuecontext.New()
	v := cctx.CompileString(schema)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("contract %q: compile schema: %w", name, err)
	}
	return &Contract{name: name, cctx: cctx, schema: v}, nil
}

// MustNew compiles a schema known at build time; panics on error.
// Used for the built-in per-source and canonical schemas.
func MustNew(name, schema string) *Contract {
	c, err := New(name, schema)
	if err != nil {
		panic(err)
	}
	return c
}

// Name returns the contract name, used in log lines.
func (c *Contract) Name() string { return c.name }

// Validate unifies the payload with the schema.
// Returns ok=true with nil violations on success; otherwise every
// violated field maps to its list of messages. Fields are CUE paths
// joined with dots; top-level structural errors land under "payload".
func (c *Contract) Validate(payload map[string]any) (bool, map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := c.cctx.Encode(payload)
	if err := data.Err(); err != nil {
		return false, map[string][]string{"payload": {normalizeMessage(err.Error())}}
	}

	unified := c.schema.Unify(data)
	err := unified.Validate(cue.Concrete(true), cue.Final())
	if err == nil {
		return true, nil
	}

	violations := make(map[string][]string)
	for _, e := range cueerrors.Errors(err) {
		field := strings.Join(e.Path(), ".")
		if field == "" {
			field = "payload"
		}
		format, args := e.Msg()
		msg := normalizeMessage(fmt.Sprintf(format, args...))
		if !contains(violations[field], msg) {
			violations[field] = append(violations[field], msg)
		}
	}
	return false, violations
}

// normalizeMessage flattens CUE's unification phrasing into the stable
// validation vocabulary callers (and replay packs) rely on.
func normalizeMessage(msg string) string {
	switch {
	case strings.Contains(msg, "incomplete value"):
		return "must be filled"
	case strings.Contains(msg, `!=""`):
		return "must be filled"
	case strings.Contains(msg, "out of bound >0"):
		return "must be greater than 0"
	case strings.Contains(msg, "conflicting values") && strings.Contains(msg, "string"):
		return "must be a string"
	case strings.Contains(msg, "conflicting values") && strings.Contains(msg, "int"):
		return "must be an integer"
	case strings.Contains(msg, "conflicting values"):
		return "is invalid"
	default:
		return msg
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
