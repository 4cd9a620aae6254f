// Package media describes the local files submitted for transcription.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultMaxBytes is the largest file accepted for upload (5 GB).
const DefaultMaxBytes int64 = 5_000_000_000

var (
	ErrTooLarge    = errors.New("file exceeds size limit")
	ErrUnsupported = errors.New("unsupported media type")
	ErrEmpty       = errors.New("file is empty")
)

var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".m4v":  true,
	".webm": true,
	".avi":  true,
}

// File is the minimum the pipeline needs from a submitted file.
type File interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// LocalFile is a File backed by a path on disk. Size is captured when the
// file is stat'ed so records keep a stable total.
type LocalFile struct {
	path string
	size int64
}

func OpenLocal(path string) (*LocalFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", filepath.Base(path))
	}
	return &LocalFile{path: path, size: info.Size()}, nil
}

func (f *LocalFile) Name() string { return filepath.Base(f.path) }
func (f *LocalFile) Path() string { return f.path }
func (f *LocalFile) Size() int64  { return f.size }

func (f *LocalFile) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Validate checks that f is a video no larger than maxBytes. A maxBytes of
// zero or less disables the size check.
func Validate(f File, maxBytes int64) error {
	if !IsVideoFile(f.Name()) {
		return fmt.Errorf("%s: %w", f.Name(), ErrUnsupported)
	}
	if f.Size() <= 0 {
		return fmt.Errorf("%s: %w", f.Name(), ErrEmpty)
	}
	if maxBytes > 0 && f.Size() > maxBytes {
		return fmt.Errorf("%s: %w (%d > %d bytes)", f.Name(), ErrTooLarge, f.Size(), maxBytes)
	}
	return nil
}
