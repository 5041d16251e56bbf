// Package cachefs implements the filesystem layout of spec.md §6: a single
// cache root containing rpc/<chain>/, sources/<chain>/<address>/ and
// compile/<solc>/<hash>/ subtrees, all written tmp+rename so a reader never
// observes a torn write. Each subtree is assigned to one component
// (spec.md §5): C1 for rpc/, C3 for sources/, C5 for compile/. Only C3
// (internal/source) reads and writes through this package; internal/fork
// and internal/compile do not use their rpc/ and compile/ subtrees.
//
// Every path under the root is content-addressed (keyed by a hash or a
// (chain, address) pair whose value never changes once written), so an
// in-memory fastcache.Cache can front disk reads with no staleness risk
// -- the same "content-addressed values never need invalidation"
// property go-ethereum's own trie/state caches rely on.
package cachefs

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/VictoriaMetrics/fastcache"
)

const memCacheBytes = 64 * 1024 * 1024

// Store is a directory-backed, tmp+rename content cache rooted at Root,
// fronted by an in-memory fastcache shared with every subtree view
// derived from it.
type Store struct {
	Root string
	mem  *fastcache.Cache
}

func New(root string) *Store {
	return &Store{Root: root, mem: fastcache.New(memCacheBytes)}
}

func (s *Store) path(parts ...string) string {
	all := append([]string{s.Root}, parts...)
	return filepath.Join(all...)
}

// Read loads the bytes at the given relative path, checking the
// in-memory front first. os.IsNotExist errors are reported unwrapped so
// callers can distinguish "cache miss" from "I/O error".
func (s *Store) Read(parts ...string) ([]byte, error) {
	key := []byte(s.path(parts...))
	if s.mem != nil {
		if v, ok := s.mem.HasGet(nil, key); ok {
			return v, nil
		}
	}
	data, err := os.ReadFile(string(key))
	if err != nil {
		return nil, err
	}
	if s.mem != nil {
		s.mem.Set(key, data)
	}
	return data, nil
}

// Exists reports whether the given relative path is present.
func (s *Store) Exists(parts ...string) bool {
	key := []byte(s.path(parts...))
	if s.mem != nil && s.mem.Has(key) {
		return true
	}
	_, err := os.Stat(string(key))
	return err == nil
}

// Write atomically writes data at the given relative path: it writes to a
// sibling temp file and renames it into place, so a concurrent reader only
// ever sees the old or the fully-written new content, never a partial one.
func (s *Store) Write(data []byte, parts ...string) error {
	final := s.path(parts...)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cachefs: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("cachefs: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cachefs: write temp %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("cachefs: sync temp %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cachefs: close temp %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("cachefs: rename %s -> %s: %w", tmpName, final, err)
	}
	if s.mem != nil {
		s.mem.Set([]byte(final), data)
	}
	return nil
}

// RPCSubtree returns the rpc/<chainID>/ store view assigned to C1;
// internal/fork does not use it.
func (s *Store) RPCSubtree(chainID uint64) *Store {
	return &Store{Root: s.path("rpc", fmt.Sprintf("%d", chainID)), mem: s.mem}
}

// SourcesSubtree returns the sources/<chainID>/<address>/ store view, the
// only cache C3 writes.
func (s *Store) SourcesSubtree(chainID uint64, address string) *Store {
	return &Store{Root: s.path("sources", fmt.Sprintf("%d", chainID), address), mem: s.mem}
}

// CompileSubtree returns the compile/<solcVersion>/<hash>/ store view
// assigned to C5; internal/compile does not use it.
func (s *Store) CompileSubtree(solcVersion, hash string) *Store {
	return &Store{Root: s.path("compile", solcVersion, hash), mem: s.mem}
}
