package documents

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ArtifactRef is the store-relative path of a rendered document.
type ArtifactRef string

// IsZero reports whether no artifact is referenced.
func (r ArtifactRef) IsZero() bool { return strings.TrimSpace(string(r)) == "" }

// Mode chooses between replacing an artifact in place and keeping every version.
type Mode string

const (
	ModeOverwrite Mode = "overwrite"
	ModeVersioned Mode = "versioned"
)

// ParseMode maps a config value onto a Mode, defaulting to overwrite.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeVersioned)) {
		return ModeVersioned
	}
	return ModeOverwrite
}

// Store persists rendered PDFs.
type Store interface {
	Save(ctx context.Context, key string, data []byte, mode Mode) (ArtifactRef, error)
	Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error)
	Exists(ctx context.Context, ref ArtifactRef) bool
	Delete(ctx context.Context, ref ArtifactRef) error
}

// FSStore keeps artifacts below a root directory.
type FSStore struct {
	root string
	now  func() time.Time
}

// NewFSStore creates root if needed.
func NewFSStore(root string) (*FSStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("documents: artifact dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("documents: create artifact dir: %w", err)
	}
	return &FSStore{root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Save writes data under key. Overwrite mode always targets key.pdf; versioned
// mode appends a timestamp and a random suffix so earlier files stay.
func (s *FSStore) Save(ctx context.Context, key string, data []byte, mode Mode) (ArtifactRef, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	name := clean + ".pdf"
	if mode == ModeVersioned {
		name = fmt.Sprintf("%s-%s-%s.pdf", clean, s.now().Format("20060102T150405Z"), uuid.NewString()[:8])
	}
	full := filepath.Join(s.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("documents: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".render-*")
	if err != nil {
		return "", fmt.Errorf("documents: temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("documents: write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("documents: close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("documents: move artifact: %w", err)
	}
	return ArtifactRef(name), nil
}

// Open streams an artifact. Missing files map to shared.ErrNotFound.
func (s *FSStore) Open(ctx context.Context, ref ArtifactRef) (io.ReadCloser, error) {
	full, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: artifact %s", shared.ErrNotFound, ref)
		}
		return nil, err
	}
	return f, nil
}

// Exists reports whether ref points at a readable file.
func (s *FSStore) Exists(ctx context.Context, ref ArtifactRef) bool {
	full, err := s.resolve(ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

// Delete removes ref; deleting a missing artifact is not an error.
func (s *FSStore) Delete(ctx context.Context, ref ArtifactRef) error {
	full, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("documents: delete artifact: %w", err)
	}
	return nil
}

func (s *FSStore) resolve(ref ArtifactRef) (string, error) {
	if ref.IsZero() {
		return "", fmt.Errorf("%w: empty artifact reference", shared.ErrNotFound)
	}
	clean, err := cleanKey(string(ref))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func cleanKey(key string) (string, error) {
	clean := path.Clean("/" + strings.TrimSpace(key))
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("documents: invalid artifact key %q", key)
	}
	return clean, nil
}
