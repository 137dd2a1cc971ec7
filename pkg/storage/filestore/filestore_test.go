package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/freshness/pkg/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = s.GetItem("product:1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.SetItem("product:1", []byte(`{"name":"mug"}`)))
	got, err := s.GetItem("product:1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"mug"}`), got)

	require.NoError(t, s.SetItem("product:1", []byte(`{"name":"cup"}`)))
	got, err = s.GetItem("product:1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"name":"cup"}`), got)

	require.NoError(t, s.RemoveItem("product:1"))
	_, err = s.GetItem("product:1")
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, s.Used())
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetItem("a", []byte("1")))
	require.NoError(t, s.SetItem("b", []byte("2")))

	reopened, err := Open(dir, 0)
	require.NoError(t, err)
	assert.Equal(t, s.Used(), reopened.Used())

	keys, err := reopened.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)

	got, err := reopened.GetItem("b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestStoreQuota(t *testing.T) {
	s, err := Open(t.TempDir(), 64)
	require.NoError(t, err)

	require.NoError(t, s.SetItem("small", []byte("x")))

	big := make([]byte, 4096)
	for i := range big {
		// incompressible enough to blow the budget
		big[i] = byte(i*7919 + i/3)
	}
	require.ErrorIs(t, s.SetItem("big", big), storage.ErrQuotaExceeded)

	_, err = s.GetItem("big")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 0)
	require.NoError(t, err)
	require.NoError(t, s.SetItem("good", []byte("1")))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "deadbeefdeadbeef.kv"), []byte("not snappy"), 0o600))

	reopened, err := Open(dir, 0)
	require.NoError(t, err)
	keys, err := reopened.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, keys)
}
