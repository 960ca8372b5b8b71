package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.conf")
	contents := "upstream-a.example:5683\n\n# a comment\nupstream-b.example\n  upstream-c.example:5684  \n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	targets, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"upstream-a.example:5683", "upstream-b.example", "upstream-c.example:5684"}, targets)
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}
