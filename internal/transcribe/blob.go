package transcribe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// blobNameUnsafe matches characters stripped from blob names before they are
// used as filenames.
var blobNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// BlobStore stores uploaded audio blobs by name. Implementations must be
// safe for concurrent use.
type BlobStore interface {
	// Put stores data under name, replacing any previous blob.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the blob stored under name. A missing blob is a hard
	// failure; callers never retry around it.
	Get(ctx context.Context, name string) ([]byte, error)
}

// DirStore is a BlobStore over one directory, one file per blob.
type DirStore struct {
	root string
}

var _ BlobStore = (*DirStore)(nil)

// NewDirStore creates the directory if needed and returns the store.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("transcribe: create blob dir: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Put implements [BlobStore].
func (s *DirStore) Put(_ context.Context, name string, data []byte) error {
	if err := os.WriteFile(s.path(name), data, 0o644); err != nil {
		return fmt.Errorf("transcribe: store blob %q: %w", name, err)
	}
	return nil
}

// Get implements [BlobStore].
func (s *DirStore) Get(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("transcribe: read blob %q: %w", name, err)
	}
	return data, nil
}

// path maps a blob name onto a file path inside the root. Separators and
// reserved characters collapse to underscores so names can never escape the
// directory.
func (s *DirStore) path(name string) string {
	return filepath.Join(s.root, blobNameUnsafe.ReplaceAllString(name, "_"))
}
