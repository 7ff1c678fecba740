package blob

import (
	"context"
	"fmt"

	"identitycore/internal/config"
	"identitycore/internal/infra/blob/fs"
	memorystore "identitycore/internal/infra/blob/memory"
)

// Open returns the checkpoint store named by cfg.Driver; an empty driver
// means the local filesystem.
func Open(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch driver := Driver(cfg.Driver); driver {
	case "", DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, S3ConfigFrom(cfg.S3))
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("blob driver %q: not one of fs, s3, memory", driver)
	}
}

// NewFilesystem stores checkpoints as files under root.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewMemory keeps checkpoints for the life of the process.
func NewMemory() Store { return memorystore.New() }
