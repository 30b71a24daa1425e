package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrS3NotConfigured is returned when S3 operations are attempted
	// without proper configuration.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")
	// ErrPathOutsideRoot is returned for album paths that escape the albums root.
	ErrPathOutsideRoot = errors.New("path outside albums directory")
)

// LocalStorage implements the Storage interface using local disk.
// Uploads land in uploadDir; each task gets a directory under albumsDir.
// It does not support S3 operations unless wrapped with S3Storage.
type LocalStorage struct {
	uploadDir string
	albumsDir string
}

// NewLocalStorage creates a new LocalStorage instance.
// Both directories are made absolute and created if they don't exist.
func NewLocalStorage(uploadDir, albumsDir string) (*LocalStorage, error) {
	if uploadDir == "" {
		uploadDir = filepath.Join(os.TempDir(), "framecatcher", "uploads")
	}
	if albumsDir == "" {
		albumsDir = filepath.Join(os.TempDir(), "framecatcher", "albums")
	}

	s := &LocalStorage{}
	for _, d := range []struct {
		dst  *string
		path string
	}{{&s.uploadDir, uploadDir}, {&s.albumsDir, albumsDir}} {
		abs, err := filepath.Abs(d.path)
		if err != nil {
			return nil, fmt.Errorf("resolve directory %s: %w", d.path, err)
		}
		if err := os.MkdirAll(abs, 0750); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
		*d.dst = abs
	}
	return s, nil
}

// UploadDir returns the upload directory path.
func (s *LocalStorage) UploadDir() string {
	return s.uploadDir
}

// AlbumsRoot returns the albums directory path.
func (s *LocalStorage) AlbumsRoot() string {
	return s.albumsDir
}

// SaveUpload saves data under a unique name and returns the file path.
func (s *LocalStorage) SaveUpload(ctx context.Context, originalName string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	f, err := os.CreateTemp(s.uploadDir, "upload_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	fileName := f.Name()
	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(fileName)
		return "", fmt.Errorf("write upload file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(fileName)
		return "", fmt.Errorf("close upload file: %w", err)
	}

	return fileName, nil
}

// AlbumDir returns <albums>/<taskID>, creating it if needed.
func (s *LocalStorage) AlbumDir(ctx context.Context, taskID string) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	dir, err := s.ResolveAlbumPath(taskID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("create album directory: %w", err)
	}
	return dir, nil
}

// RelPath expresses path relative to the albums root using forward slashes.
func (s *LocalStorage) RelPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(s.albumsDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}
	return filepath.ToSlash(rel), nil
}

// ResolveAlbumPath maps a root-relative path to an absolute path inside the albums root.
func (s *LocalStorage) ResolveAlbumPath(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideRoot, rel)
	}
	abs := filepath.Join(s.albumsDir, filepath.FromSlash(rel))
	if abs == s.albumsDir || !strings.HasPrefix(abs, s.albumsDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideRoot, rel)
	}
	return abs, nil
}

// CleanupTemp removes the specified files.
// It continues cleanup even if some files fail to delete,
// returning the first error encountered.
func (s *LocalStorage) CleanupTemp(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// RemoveAlbum deletes the album directory of a task and everything in it.
func (s *LocalStorage) RemoveAlbum(_ context.Context, taskID string) error {
	dir, err := s.ResolveAlbumPath(taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove album %s: %w", taskID, err)
	}
	return nil
}

// UploadToS3 is not supported by LocalStorage and returns ErrS3NotConfigured.
func (s *LocalStorage) UploadToS3(_ context.Context, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}

// CopyFile copies src to dst, creating dst's directory when missing.
func CopyFile(src, dst string) error {
	in, err := os.Open(src) // #nosec G304 - src is resolved inside the albums root by the caller
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	out, err := os.Create(dst) // #nosec G304 - dst is chosen by the local operator
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close destination file: %w", err)
	}
	return nil
}
