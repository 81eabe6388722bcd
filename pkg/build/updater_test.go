package build

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMakeBackendDetect(t *testing.T) {
	dir := t.TempDir()
	b := &MakeBackend{}
	assert.False(t, b.Detect(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("build:\n\ttrue\n"), 0o644))
	assert.True(t, b.Detect(dir))
}

func TestGoBackendDetect(t *testing.T) {
	dir := t.TempDir()
	b := &GoBackend{}
	assert.False(t, b.Detect(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	assert.True(t, b.Detect(dir))
}

func TestNullBackendAlwaysDetectsAndSkips(t *testing.T) {
	b := &NullBackend{}
	assert.True(t, b.Detect(t.TempDir()))

	var out bytes.Buffer
	require.NoError(t, b.Build(context.Background(), t.TempDir(), &out))
	assert.Contains(t, out.String(), "skipping build")
}

func TestUpdaterBuild_FallsBackToNull(t *testing.T) {
	u := NewUpdater(t.TempDir())

	var out bytes.Buffer
	require.NoError(t, u.Build(context.Background(), &out))
	assert.Contains(t, out.String(), "skipping build")
}

func TestUpdaterBuild_PrefersMakefileOverGoMod(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("build:\n\t@echo built-by-make\n"), 0o644))
	u := NewUpdater(dir)

	var out bytes.Buffer
	err := u.Build(context.Background(), &out)
	if err != nil {
		t.Skip("make not available")
	}
	assert.Contains(t, out.String(), "built-by-make")
}
