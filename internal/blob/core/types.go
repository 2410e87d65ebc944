// Package core defines the artifact storage abstraction the step store writes
// into. Keys are slash separated paths; a step owns every key below its prefix.
package core

import (
	"context"
	"errors"
	"io"
	"time"
)

// Driver identifies a concrete artifact storage backend implementation.
type Driver string

const (
	// DriverFilesystem stores artifacts as files below a root directory.
	DriverFilesystem Driver = "fs" // local filesystem (default)
	// DriverS3 represents an S3 / MinIO compatible implementation.
	DriverS3 Driver = "s3"
	// DriverMemory keeps artifacts in process memory, typically for tests.
	DriverMemory Driver = "memory"
)

// PutOptions specifies optional parameters for Put.
type PutOptions struct {
	ContentType string            // MIME type, optional
	Metadata    map[string]string // small, flat key-value pairs
}

// Info describes a stored artifact.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is the write-once artifact store used by the step store.
type Store interface {
	// Put stores a new artifact. It fails with ErrExists when key is taken,
	// which keeps closed steps immutable.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	// Get returns metadata and content. Missing keys yield ErrNotFound.
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	// Head returns metadata only.
	Head(ctx context.Context, key string) (Info, error)
	// Delete removes an artifact, returning false when it did not exist.
	Delete(ctx context.Context, key string) (bool, error)
	// DeletePrefix removes every artifact below prefix and reports how many.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	// List returns artifacts below prefix ordered by key.
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

var (
	// ErrNotFound is returned (possibly wrapped) for missing keys.
	ErrNotFound = errors.New("artifact not found")
	// ErrExists is returned by Put when the key is already stored.
	ErrExists = errors.New("artifact already exists")
)
