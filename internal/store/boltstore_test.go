package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dhtcrawler/crawld/internal/bencode"
	"github.com/dhtcrawler/crawld/internal/krpc"
)

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func validInfoDict(t *testing.T) []byte {
	t.Helper()
	enc, err := bencode.Marshal(map[string]interface{}{
		"name":   "ubuntu.iso",
		"length": int64(123),
	})
	require.NoError(t, err)
	return enc
}

func TestAddValidMetadataPersists(t *testing.T) {
	s := openTestStore(t)
	ih := krpc.ID{1, 2, 3}

	isNew, err := s.IsNew(ih)
	require.NoError(t, err)
	require.True(t, isNew)

	ok, err := s.Add(ih, validInfoDict(t))
	require.NoError(t, err)
	require.True(t, ok)

	isNew, err = s.IsNew(ih)
	require.NoError(t, err)
	require.False(t, isNew)

	completed, err := s.CompletedInfoHashes()
	require.NoError(t, err)
	require.Contains(t, completed, ih)
}

func TestAddRejectsNameWithSlash(t *testing.T) {
	s := openTestStore(t)
	ih := krpc.ID{9}
	bad, err := bencode.Marshal(map[string]interface{}{
		"name":   "../evil",
		"length": int64(1),
	})
	require.NoError(t, err)

	ok, err := s.Add(ih, bad)
	require.NoError(t, err)
	require.False(t, ok, "malformed info dict must not validate")

	isNew, err := s.IsNew(ih)
	require.NoError(t, err)
	require.False(t, isNew, "corrupt infohash must still be marked completed so it isn't refetched")
}

func TestAddRejectsMissingLengthAndFiles(t *testing.T) {
	s := openTestStore(t)
	bad, err := bencode.Marshal(map[string]interface{}{"name": "x"})
	require.NoError(t, err)
	ok, err := s.Add(krpc.ID{5}, bad)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddAcceptsMultiFile(t *testing.T) {
	s := openTestStore(t)
	good, err := bencode.Marshal(map[string]interface{}{
		"name": "pack",
		"files": []interface{}{
			map[string]interface{}{
				"length": int64(10),
				"path":   []interface{}{"a.txt"},
			},
		},
	})
	require.NoError(t, err)
	ok, err := s.Add(krpc.ID{6}, good)
	require.NoError(t, err)
	require.True(t, ok)
}
