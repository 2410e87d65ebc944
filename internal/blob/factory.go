package blob

import (
	"context"
	"fmt"
	"path/filepath"
)

// Options selects and configures a backend.
type Options struct {
	Driver string
	// Root is the session root; filesystem artifacts live in Root/artifacts.
	Root string
	S3   S3Config
}

// Open returns the Store named by opts.Driver (default fs).
func Open(ctx context.Context, opts Options) (Store, error) {
	driver := opts.Driver
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		root := opts.Root
		if root == "" {
			root = "."
		}
		return NewFilesystem(filepath.Join(root, "artifacts"))
	case DriverS3:
		return NewS3(ctx, opts.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
