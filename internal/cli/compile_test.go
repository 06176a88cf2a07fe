package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRulesetDoc = `
version: create-2025.07
ruleset: canonical_create
rules:
  - class: NameRule
    priority: 10
    params:
      mode: create
  - class: PriceRule
    priority: 30
    params:
      mode: create
`

const conflictingRulesetDoc = `
version: create-2025.07
ruleset: canonical_create
rules:
  - class: NameRule
    priority: 10
    params:
      mode: create
  - class: NameRule
    priority: 20
    params:
      mode: create
`

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCompileCommand_ValidDocument(t *testing.T) {
	path := writeDoc(t, "create.yaml", validRulesetDoc)

	out, err := execute(t, "compile", path)
	require.NoError(t, err)
	assert.Contains(t, out, "canonical_create@create-2025.07")
	assert.Contains(t, out, "name_rule(10) -> price_rule(30)")
}

func TestCompileCommand_CompileFailure(t *testing.T) {
	path := writeDoc(t, "broken.yaml", conflictingRulesetDoc)

	out, err := execute(t, "compile", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "FAIL")
	assert.Contains(t, out, "E200")
}

func TestCompileCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "compile", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestCompileCommand_JSONOutput(t *testing.T) {
	path := writeDoc(t, "create.yaml", validRulesetDoc)

	out, err := execute(t, "--format", "json", "compile", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"status":"ok"`)
	assert.Contains(t, out, `"ruleset":"canonical_create"`)
}

func TestCompileCommand_ExtraManifestFlag(t *testing.T) {
	// StatusRule create mode needs menu_sync.default_active, which the
	// command always carries in its manifest
	doc := `
version: create-2025.07
ruleset: canonical_create
rules:
  - class: StatusRule
    priority: 40
    params:
      mode: create
`
	path := writeDoc(t, "status.yaml", doc)

	out, err := execute(t, "compile", path, "--flag", "menu_sync.extra")
	require.NoError(t, err)
	assert.Contains(t, out, "status_rule(40)")
}
