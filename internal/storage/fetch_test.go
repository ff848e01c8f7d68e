package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchDirectoryMirrorsTree(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	store, err := Open(ctx, src)
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "config.json", []byte("{}")))
	require.NoError(t, store.Put(ctx, "weights/part-00.bin", []byte("w0")))
	require.NoError(t, store.Put(ctx, "weights/part-01.bin", []byte("w1")))

	dest := t.TempDir()
	require.NoError(t, FetchDirectory(ctx, src, dest))

	data, err := os.ReadFile(filepath.Join(dest, "weights", "part-01.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("w1"), data)
}

func TestFetchDirectoryEmptySourceFails(t *testing.T) {
	assert.Error(t, FetchDirectory(context.Background(), t.TempDir(), t.TempDir()))
}

func TestResolveFastestUsesLocalDirInPlace(t *testing.T) {
	local := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(local, "config.json"), []byte("{}"), 0o644))

	got, err := ResolveFastest(context.Background(), []string{local}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, local, got)
}

func TestResolveFastestSkipsEmptyCandidates(t *testing.T) {
	empty := t.TempDir()
	populated := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(populated, "config.json"), []byte("{}"), 0o644))

	// Both are local dirs; the first existing directory wins in place even if
	// empty, so probe dispatch only applies to remote schemes. Remove the
	// empty one to force the second candidate.
	require.NoError(t, os.Remove(empty))

	got, err := ResolveFastest(context.Background(), []string{empty, populated}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, populated, got)
}

func TestResolveFastestNoCandidates(t *testing.T) {
	_, err := ResolveFastest(context.Background(), nil, t.TempDir())
	assert.Error(t, err)
}

func TestResolveFastestAllUnreachable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	_, err := ResolveFastest(context.Background(), []string{missing}, t.TempDir())
	assert.Error(t, err)
}
