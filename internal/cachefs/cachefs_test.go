package cachefs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	data := []byte("hello world")

	require.NoError(t, s.Write(data, "a", "b.json"))
	require.True(t, s.Exists("a", "b.json"))

	got, err := s.Read("a", "b.json")
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestReadMissingIsNotExist(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Read("missing")
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestExistsFalseForMissing(t *testing.T) {
	s := New(t.TempDir())
	require.False(t, s.Exists("nope"))
}

func TestReadServesFromMemoryAfterDiskFileRemoved(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	data := []byte("cached")
	require.NoError(t, s.Write(data, "x.json"))

	require.NoError(t, os.Remove(s.path("x.json")))

	// The on-disk file is gone, but the content-addressed in-memory front
	// still serves it -- the whole point of fronting a cache whose values
	// never change once written.
	got, err := s.Read("x.json")
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.True(t, s.Exists("x.json"))
}

func TestSubtreesSharePath(t *testing.T) {
	s := New(t.TempDir())
	rpc := s.RPCSubtree(1)
	require.Equal(t, s.path("rpc", "1"), rpc.Root)

	sources := s.SourcesSubtree(1, "0xabc")
	require.Equal(t, s.path("sources", "1", "0xabc"), sources.Root)

	compile := s.CompileSubtree("v0.8.19", "deadbeef")
	require.Equal(t, s.path("compile", "v0.8.19", "deadbeef"), compile.Root)
}

func TestSubtreeWritesIsolatedFromParent(t *testing.T) {
	s := New(t.TempDir())
	sub := s.SourcesSubtree(1, "0xabc")
	require.NoError(t, sub.Write([]byte("x"), "file.json"))

	require.True(t, sub.Exists("file.json"))
	require.False(t, s.Exists("file.json"), "parent root is a different path than the subtree")
}
