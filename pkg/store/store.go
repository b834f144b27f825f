package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"gitlab.elettra.eu/cs/inau/pkg/log"
	"gitlab.elettra.eu/cs/inau/pkg/metrics"
)

// ErrNotFound is returned by Fetch when no blob exists for a digest.
var ErrNotFound = errors.New("object not found")

// Store is a content-addressed blob store. A blob with hex digest
// h0h1h2h3... lives at <root>/h0h1/h2h3/<digest>; the root must sit on
// a single POSIX filesystem so temp-then-rename publication is atomic.
type Store struct {
	root   string
	logger zerolog.Logger
}

// New opens (creating if needed) the store rooted at root.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	return &Store{
		root:   root,
		logger: log.WithComponent("store"),
	}, nil
}

// Root returns the store root directory.
func (s *Store) Root() string {
	return s.root
}

// Path returns the blob path for a digest, rejecting anything that is
// not 64 lowercase hex characters so digests can never carry path
// elements into the tree.
func (s *Store) Path(hash string) (string, error) {
	if !ValidHash(hash) {
		return "", fmt.Errorf("malformed digest %q", hash)
	}
	return filepath.Join(s.root, hash[:2], hash[2:4], hash), nil
}

// ValidHash reports whether hash is a well-formed SHA-256 hex digest.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Has reports whether the blob for hash is present.
func (s *Store) Has(hash string) bool {
	path, err := s.Path(hash)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Fetch opens the blob for hash. The caller closes the stream.
func (s *Store) Fetch(hash string) (io.ReadCloser, error) {
	path, err := s.Path(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("opening blob %s: %w", hash, err)
	}
	return f, nil
}

// Ingest streams source through SHA-256 and publishes the blob at its
// content address. Re-ingesting existing content is a no-op returning
// the same digest. The source's permission bits are preserved; symbolic
// links are rejected (callers record links in the catalog instead).
//
// Publication is temp-then-rename within the store root: concurrent
// ingestions of the same content are safe, and an interrupted ingestion
// leaves nothing at the content address.
func (s *Store) Ingest(source string) (string, error) {
	hash, err := s.ingest(source)
	if err != nil {
		metrics.StoreIngestsTotal.WithLabelValues("error").Inc()
		return "", err
	}
	return hash, nil
}

func (s *Store) ingest(source string) (string, error) {
	fi, err := os.Lstat(source)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", source, err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", source)
	}

	src, err := os.Open(source)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", source, err)
	}
	defer src.Close()

	// Hash and copy in one pass; the temp file lives in the store root
	// so the final rename never crosses filesystems.
	tmp, err := os.CreateTemp(s.root, ".ingest-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpName)
	}()

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), src)
	if err != nil {
		return "", fmt.Errorf("copying %s: %w", source, err)
	}
	metrics.StoreIngestBytes.Add(float64(n))

	hash := hex.EncodeToString(hasher.Sum(nil))
	target, err := s.Path(hash)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(target); err == nil {
		metrics.StoreIngestsTotal.WithLabelValues("deduplicated").Inc()
		return hash, nil
	}

	if err := tmp.Chmod(fi.Mode().Perm()); err != nil {
		return "", fmt.Errorf("setting mode on temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("creating blob directory: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", fmt.Errorf("publishing blob %s: %w", hash, err)
	}

	s.logger.Debug().Str("hash", hash).Int64("bytes", n).Msg("blob stored")
	metrics.StoreIngestsTotal.WithLabelValues("stored").Inc()
	return hash, nil
}
