package pipeline

import (
	"crypto/sha512"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gotest.tools/v3/fs"
)

const artifactBody = "hello from the staging area\n"

func expectedDigest() string {
	sum := sha512.Sum384([]byte(artifactBody))
	return "sha384:" + hex.EncodeToString(sum[:])
}

func Test_PersistArtifact_MovesInToFolder(t *testing.T) {
	staging := fs.NewDir(t, "staging", fs.WithFile("video.MKV", artifactBody))
	downloads := fs.NewDir(t, "downloads")
	folder := filepath.Join(downloads.Path(), "nested", "client")
	id := uuid.New()

	result, err := persistArtifact(staging.Join("video.MKV"), folder, id)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(folder, id.String()+".mkv"), result.path)
	assert.Equal(t, int64(len(artifactBody)), result.size)
	assert.Equal(t, expectedDigest(), result.digest)
	assert.Equal(t, "text/plain", result.mime)

	_, err = os.Stat(staging.Join("video.MKV"))
	assert.ErrorIs(t, err, os.ErrNotExist, "staged artifact should have been moved")

	contents, err := os.ReadFile(result.path)
	require.NoError(t, err)
	assert.Equal(t, artifactBody, string(contents))
}

func Test_PersistArtifact_IsRepeatable(t *testing.T) {
	staging := fs.NewDir(t, "staging", fs.WithFile("clip.mp4", artifactBody))
	downloads := fs.NewDir(t, "downloads")
	id := uuid.New()

	first, err := persistArtifact(staging.Join("clip.mp4"), downloads.Path(), id)
	require.NoError(t, err)

	// The staged file is gone, but the artifact already sits at its destination
	second, err := persistArtifact(staging.Join("clip.mp4"), downloads.Path(), id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func Test_PersistArtifact_MissingArtifactIsPermanent(t *testing.T) {
	staging := fs.NewDir(t, "staging")
	downloads := fs.NewDir(t, "downloads")

	_, err := persistArtifact(staging.Join("nothing.mp4"), downloads.Path(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, retry.ToolPermanent, retry.KindOf(err))
}

func Test_PersistArtifact_UnwritableFolderIsStorageError(t *testing.T) {
	staging := fs.NewDir(t, "staging", fs.WithFile("clip.mp4", artifactBody))
	downloads := fs.NewDir(t, "downloads", fs.WithFile("occupied", "not a directory"))

	_, err := persistArtifact(staging.Join("clip.mp4"), downloads.Join("occupied"), uuid.New())
	require.Error(t, err)
	assert.Equal(t, retry.StorageError, retry.KindOf(err))
}
