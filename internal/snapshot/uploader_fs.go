package snapshot

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
)

var ErrInvalidName = errors.New("invalid snapshot name")

// validNamePattern rejects anything that could traverse out of the base dir.
var validNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// FSUploader implements Uploader on a local directory.
type FSUploader struct {
	basePath string
}

// NewFSUploader creates a filesystem-backed uploader.
func NewFSUploader(basePath string) (*FSUploader, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &FSUploader{basePath: basePath}, nil
}

func (u *FSUploader) Upload(ctx context.Context, name string, data io.Reader, size int64) error {
	if name == "" || len(name) > 128 || !validNamePattern.MatchString(name) {
		return ErrInvalidName
	}

	tmp := filepath.Join(u.basePath, name+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, filepath.Join(u.basePath, name))
}
