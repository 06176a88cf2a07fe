package ruleset

import (
	"errors"
	"fmt"
	"strings"
)

// Compile error codes (E200-E299).
const (
	ErrCodeDuplicateRule = "E200" // duplicate rule name
	ErrCodePhantomTarget = "E201" // before/after references unknown rule
	ErrCodeUnknownFlag   = "E202" // rule flag not in batch manifest
	ErrCodeWriteConflict = "E203" // unordered rules share a write key
	ErrCodeCycle         = "E204" // ordering graph contains a cycle
)

// ConflictPair identifies two rules sharing write keys without an
// ordering edge between them.
type ConflictPair struct {
	A    string   `json:"a"`
	B    string   `json:"b"`
	Keys []string `json:"keys"`
}

func (p ConflictPair) String() string {
	return fmt.Sprintf("(%s, %s, [%s])", p.A, p.B, strings.Join(p.Keys, ", "))
}

// CompileError is fatal at pipeline construction: a pipeline built on a
// ruleset that failed compilation refuses to accept work.
type CompileError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Pairs   []ConflictPair `json:"pairs,omitempty"`
	Cycle   []string       `json:"cycle,omitempty"`
}

func (e *CompileError) Error() string {
	switch {
	case len(e.Pairs) > 0:
		parts := make([]string, len(e.Pairs))
		for i, p := range e.Pairs {
			parts[i] = p.String()
		}
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, strings.Join(parts, "; "))
	case len(e.Cycle) > 0:
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, strings.Join(e.Cycle, " -> "))
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// IsCompileError reports whether err is (or wraps) a CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// ConflictError is the runtime write-write conflict under the
// error_on_conflict policy.
type ConflictError struct {
	Rule string
	Keys []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rule %q write conflict on [%s]", e.Rule, strings.Join(e.Keys, ", "))
}

// IsConflictError reports whether err is (or wraps) a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// RuleFailure wraps an error raised by a rule's Apply. The processor maps
// it to a rule_error violation on the item.
type RuleFailure struct {
	Rule string
	Err  error
}

func (e *RuleFailure) Error() string {
	return fmt.Sprintf("rule %q failed: %v", e.Rule, e.Err)
}

func (e *RuleFailure) Unwrap() error { return e.Err }
