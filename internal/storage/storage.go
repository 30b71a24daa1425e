// Package storage provides the on-disk layout for uploads and albums and
// an optional S3 mirror for converted frames. It defines the Storage
// interface (port) for hexagonal architecture and implementations for
// local disk and S3 storage.
package storage

import (
	"context"
	"io"
)

// Storage defines the interface for upload, album and mirror storage.
type Storage interface {
	// SaveUpload stores an uploaded video under a unique name that keeps
	// the extension of originalName, and returns the file path.
	SaveUpload(ctx context.Context, originalName string, data io.Reader) (path string, err error)

	// AlbumDir returns the directory holding the frames of a task,
	// creating it if needed.
	AlbumDir(ctx context.Context, taskID string) (string, error)

	// RelPath expresses an album file path relative to the albums root.
	RelPath(path string) (string, error)

	// ResolveAlbumPath turns a path relative to the albums root into an
	// absolute one, refusing paths that escape the root.
	ResolveAlbumPath(rel string) (string, error)

	// CleanupTemp removes the specified files.
	// It continues cleanup even if some files fail to delete.
	CleanupTemp(ctx context.Context, paths []string) error

	// RemoveAlbum deletes the album directory of a task.
	RemoveAlbum(ctx context.Context, taskID string) error

	// UploadToS3 uploads data to S3 and returns the public URL.
	// Returns ErrS3NotConfigured if S3 is not configured.
	UploadToS3(ctx context.Context, key string, data io.Reader) (url string, err error)
}
