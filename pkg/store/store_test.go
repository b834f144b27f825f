package store

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "store"))
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, dir, name string, content []byte, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, mode))
	return path
}

func TestIngestFetchRoundtrip(t *testing.T) {
	s := newTestStore(t)
	content := []byte("#!/bin/sh\necho fake\n")
	source := writeFile(t, t.TempDir(), "fake", content, 0o755)

	hash, err := s.Ingest(source)
	require.NoError(t, err)

	sum := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(sum[:]), hash)

	r, err := s.Fetch(hash)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestIngestLayout(t *testing.T) {
	s := newTestStore(t)
	source := writeFile(t, t.TempDir(), "f", []byte("layout"), 0o644)

	hash, err := s.Ingest(source)
	require.NoError(t, err)

	path, err := s.Path(hash)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), hash[:2], hash[2:4], hash), path)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
}

func TestIngestIdempotent(t *testing.T) {
	s := newTestStore(t)
	source := writeFile(t, t.TempDir(), "f", []byte("same bytes"), 0o644)

	first, err := s.Ingest(source)
	require.NoError(t, err)

	second, err := s.Ingest(source)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	r, err := s.Fetch(first)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, []byte("same bytes"), got)
}

func TestIngestPreservesMode(t *testing.T) {
	s := newTestStore(t)
	source := writeFile(t, t.TempDir(), "tool", []byte("binary"), 0o755)

	hash, err := s.Ingest(source)
	require.NoError(t, err)

	path, err := s.Path(hash)
	require.NoError(t, err)
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
}

func TestIngestRejectsSymlink(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	writeFile(t, dir, "real", []byte("x"), 0o644)
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink("real", link))

	_, err := s.Ingest(link)
	assert.ErrorContains(t, err, "not a regular file")
}

func TestFetchMissing(t *testing.T) {
	s := newTestStore(t)
	missing := "0000000000000000000000000000000000000000000000000000000000000000"

	assert.False(t, s.Has(missing))

	_, err := s.Fetch(missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMalformedDigest(t *testing.T) {
	s := newTestStore(t)

	for _, hash := range []string{
		"",
		"abc",
		"../../../../etc/passwd",
		strings.Repeat("g", 64),
		strings.ToUpper(strings.Repeat("ab", 32)),
	} {
		_, err := s.Path(hash)
		assert.Error(t, err, "digest %q", hash)
		assert.False(t, s.Has(hash))
	}
}

func TestConcurrentIngestSameContent(t *testing.T) {
	s := newTestStore(t)
	content := []byte("raced bytes")
	source := writeFile(t, t.TempDir(), "f", content, 0o644)

	const n = 8
	hashes := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			hashes[i], errs[i] = s.Ingest(source)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, hashes[0], hashes[i])
	}

	r, err := s.Fetch(hashes[0])
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// No temp litter once every ingestion has settled.
	entries, err := os.ReadDir(s.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.Name()[0] == '.', "leftover temp file %s", e.Name())
	}
}
