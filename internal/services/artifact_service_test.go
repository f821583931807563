package services

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pixelcredit/backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52}

func newTestArtifactStore(t *testing.T) (*FileArtifactStore, string) {
	root := t.TempDir()
	store, err := NewFileArtifactStore(&config.ArtifactConfig{RootDir: root, PublicBaseURL: "/api/v1/artifacts/"})
	require.NoError(t, err)
	return store, root
}

func TestFileArtifactStore_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("content addressed and repeatable", func(t *testing.T) {
		store, root := newTestArtifactStore(t)

		first, err := store.Save(ctx, []byte("jpeg-bytes"), "image/jpeg")
		require.NoError(t, err)
		second, err := store.Save(ctx, []byte("jpeg-bytes"), "image/jpeg")
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Regexp(t, `^[0-9a-f]{64}\.jpg$`, first.Key)
		assert.Equal(t, "/api/v1/artifacts/"+first.Key, first.URL)
		assert.Equal(t, int64(10), first.Size)

		files, err := filepath.Glob(filepath.Join(root, first.Key[:2], "*"))
		require.NoError(t, err)
		assert.Len(t, files, 1)
	})

	t.Run("sniffs unknown content types", func(t *testing.T) {
		store, _ := newTestArtifactStore(t)

		ref, err := store.Save(ctx, pngHeader, "")
		require.NoError(t, err)
		assert.Equal(t, "image/png", ref.ContentType)
		assert.Regexp(t, `\.png$`, ref.Key)
	})

	t.Run("rejects empty payloads", func(t *testing.T) {
		store, _ := newTestArtifactStore(t)

		_, err := store.Save(ctx, nil, "image/png")
		assert.ErrorIs(t, err, ErrArtifactWriteFailed)
	})

	t.Run("write failures are classified", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("permission checks do not apply to root")
		}
		store, root := newTestArtifactStore(t)
		require.NoError(t, os.Chmod(root, 0o500))
		defer os.Chmod(root, 0o755)

		_, err := store.Save(ctx, []byte("data"), "image/webp")
		assert.ErrorIs(t, err, ErrArtifactWriteFailed)
	})
}

func TestFileArtifactStore_Resolve(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestArtifactStore(t)

	ref, err := store.Save(ctx, pngHeader, "image/png")
	require.NoError(t, err)

	body, resolved, err := store.Resolve(ctx, ref.Key)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, "image/png", resolved.ContentType)

	_, _, err = store.Resolve(ctx, "../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = store.Resolve(ctx, "0000000000000000000000000000000000000000000000000000000000000000.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExtensionFor(t *testing.T) {
	assert.Equal(t, "jpg", extensionFor("image/jpeg"))
	assert.Equal(t, "webp", extensionFor("image/webp"))
	assert.Equal(t, "png", extensionFor("image/svg+xml"))
	assert.Equal(t, "png", extensionFor("garbage"))
}
