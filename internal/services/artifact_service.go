package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pixelcredit/backend/internal/config"
	"github.com/pixelcredit/backend/internal/models"
	"golang.org/x/crypto/blake2b"
)

// ArtifactStore persists generated outputs. Save is safe to repeat: the same
// bytes always map to the same reference.
type ArtifactStore interface {
	Save(ctx context.Context, data []byte, contentType string) (models.ArtifactRef, error)
	Resolve(ctx context.Context, key string) (io.ReadCloser, models.ArtifactRef, error)
}

var artifactKeyPattern = regexp.MustCompile(`^[0-9a-f]{64}\.[a-z0-9]{1,8}$`)

// FileArtifactStore is a content-addressed store on the local filesystem.
// Files live under root/<first two hex chars>/<blake2b-256>.<ext>.
type FileArtifactStore struct {
	root          string
	publicBaseURL string
}

var _ ArtifactStore = (*FileArtifactStore)(nil)

func NewFileArtifactStore(cfg *config.ArtifactConfig) (*FileArtifactStore, error) {
	if err := os.MkdirAll(cfg.RootDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &FileArtifactStore{
		root:          cfg.RootDir,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}, nil
}

func (s *FileArtifactStore) Save(ctx context.Context, data []byte, contentType string) (models.ArtifactRef, error) {
	if len(data) == 0 {
		return models.ArtifactRef{}, fmt.Errorf("%w: empty artifact", ErrArtifactWriteFailed)
	}
	if err := ctx.Err(); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("%w: %v", ErrArtifactWriteFailed, err)
	}

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(data).String()
	}
	contentType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])

	digest := blake2b.Sum256(data)
	sum := hex.EncodeToString(digest[:])
	key := sum + "." + extensionFor(contentType)
	ref := models.ArtifactRef{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		URL:         s.publicBaseURL + "/" + key,
	}

	path := s.pathFor(key)
	if info, err := os.Stat(path); err == nil && info.Size() == ref.Size {
		return ref, nil
	}

	if err := writeAtomically(path, data); err != nil {
		return models.ArtifactRef{}, fmt.Errorf("%w: %v", ErrArtifactWriteFailed, err)
	}
	return ref, nil
}

func (s *FileArtifactStore) Resolve(_ context.Context, key string) (io.ReadCloser, models.ArtifactRef, error) {
	if !artifactKeyPattern.MatchString(key) {
		return nil, models.ArtifactRef{}, fmt.Errorf("%w: artifact %s", ErrNotFound, key)
	}

	path := s.pathFor(key)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, models.ArtifactRef{}, fmt.Errorf("%w: artifact %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, models.ArtifactRef{}, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, models.ArtifactRef{}, err
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(path); err == nil {
		contentType = mt.String()
	}

	return f, models.ArtifactRef{
		Key:         key,
		ContentType: contentType,
		Size:        info.Size(),
		URL:         s.publicBaseURL + "/" + key,
	}, nil
}

func (s *FileArtifactStore) pathFor(key string) string {
	return filepath.Join(s.root, key[:2], key)
}

func writeAtomically(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// extensionFor maps image/jpeg to jpg and otherwise uses the subtype,
// defaulting to png.
func extensionFor(contentType string) string {
	if contentType == "image/jpeg" {
		return "jpg"
	}
	_, sub, ok := strings.Cut(contentType, "/")
	if !ok {
		return "png"
	}
	sub = strings.ToLower(sub)
	for _, r := range sub {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return "png"
		}
	}
	if sub == "" || len(sub) > 8 {
		return "png"
	}
	return sub
}
