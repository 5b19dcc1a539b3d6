package pipeline

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/retry"
)

type persisted struct {
	path   string
	size   int64
	digest string
	mime   string
}

// persistArtifact moves the staged artifact in to the client's download folder,
// naming it after the job so that concurrent jobs can never collide. The move
// is safe to repeat: if the artifact has already been moved by a previous
// attempt, the existing file is used.
func persistArtifact(stagedPath string, folder string, id uuid.UUID) (*persisted, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, retry.Storage(fmt.Errorf("failed to create download folder %s: %w", folder, err))
	}

	dest := filepath.Join(folder, id.String()+strings.ToLower(filepath.Ext(stagedPath)))
	if err := move(stagedPath, dest); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, retry.Storage(fmt.Errorf("failed to move artifact in to %s: %w", folder, err))
		}
		if _, statErr := os.Stat(dest); statErr != nil {
			return nil, retry.Permanent(fmt.Errorf("staged artifact %s is missing: %w", stagedPath, err))
		}
	}

	size, digest, err := digestFile(dest)
	if err != nil {
		return nil, retry.Storage(err)
	}

	mime := ""
	if mtype, err := mimetype.DetectFile(dest); err == nil {
		mime = strings.SplitN(mtype.String(), ";", 2)[0]
	}

	return &persisted{path: dest, size: size, digest: digest, mime: mime}, nil
}

// move renames src to dst, falling back to a copy and remove when the two
// paths are on different devices.
func move(src string, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}

	return os.Remove(src)
}

func copyFile(src string, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func digestFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("failed to open artifact for digest: %w", err)
	}
	defer f.Close()

	hash := sha512.New384()
	size, err := io.Copy(hash, f)
	if err != nil {
		return 0, "", fmt.Errorf("failed to digest artifact: %w", err)
	}

	return size, "sha384:" + hex.EncodeToString(hash.Sum(nil)), nil
}
