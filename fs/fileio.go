// Package fs provides the file IO seam and the path derivation rules for every
// artifact persisted per set name.
package fs

import (
	"context"
	"os"
	"path/filepath"

	retry "github.com/sethvargo/go-retry"
	"github.com/sharedcode/ckptset"
)

// FileIO defines filesystem operations used by this module. The default
// implementation delegates to the standard library's os package with retry
// semantics for transient errors. Permanent errors (missing file, permission)
// are returned immediately without retrying.
type FileIO interface {
	WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error
	ReadFile(ctx context.Context, name string) ([]byte, error)
	Remove(ctx context.Context, name string) error
	Exists(ctx context.Context, path string) bool

	// Directory API.
	MkdirAll(ctx context.Context, path string, perm os.FileMode) error
}

type defaultFileIO struct {
}

// NewFileIO returns a FileIO that performs I/O via the os package with basic
// retry handling for transient errors.
func NewFileIO() FileIO {
	return &defaultFileIO{}
}

func (dio defaultFileIO) WriteFile(ctx context.Context, name string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(name, data, perm); err != nil {
		dirPath := filepath.Dir(name)
		if derr := dio.MkdirAll(ctx, dirPath, 0o755); derr != nil {
			return err
		}
		return dio.retried(ctx, func() error {
			return os.WriteFile(name, data, perm)
		})
	}
	return nil
}

func (dio defaultFileIO) ReadFile(ctx context.Context, name string) ([]byte, error) {
	var ba []byte
	err := dio.retried(ctx, func() error {
		var err error
		ba, err = os.ReadFile(name)
		return err
	})
	return ba, err
}

func (dio defaultFileIO) Remove(ctx context.Context, name string) error {
	return dio.retried(ctx, func() error {
		return os.Remove(name)
	})
}

func (dio defaultFileIO) Exists(ctx context.Context, path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (dio defaultFileIO) MkdirAll(ctx context.Context, path string, perm os.FileMode) error {
	return dio.retried(ctx, func() error {
		return os.MkdirAll(path, perm)
	})
}

// retried runs op under ckptset.Retry, marking only transient errors retryable.
// The last error is returned whether it was transient or permanent.
func (dio defaultFileIO) retried(ctx context.Context, op func() error) error {
	var permanent error
	err := ckptset.Retry(ctx, func(context.Context) error {
		err := op()
		if ckptset.ShouldRetry(err) {
			return retry.RetryableError(
				ckptset.Error{
					Code: ckptset.FileIOError,
					Err:  err,
				})
		}
		permanent = err
		return nil
	}, nil)
	if err == nil {
		err = permanent
	}
	return err
}
