package engineconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
threshold = 0.9
label = "triage"
`

func TestLoadComponentOptionsTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))

	opts, err := LoadComponentOptionsTOML(path)
	require.NoError(t, err)
	assert.Equal(t, "triage", opts["label"])
	assert.InDelta(t, 0.9, opts["threshold"], 0.0001)
}

func TestLoadComponentOptionsTOMLMissingFile(t *testing.T) {
	_, err := LoadComponentOptionsTOML(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
