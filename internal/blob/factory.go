package blob

import (
	"context"
	"fmt"
	"os"
)

// Environment variables consulted by Open.
const (
	EnvDriver = "LICCO_BLOB_DRIVER"  // fs|s3|memory (default fs)
	EnvFSRoot = "LICCO_BLOB_FS_ROOT" // directory root when driver=fs
)

// Open selects a blob.Store implementation using environment variables. The
// S3-specific variables are documented on the s3 package.
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv(EnvDriver)
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	return OpenDriver(ctx, Driver(driver), os.Getenv(EnvFSRoot))
}

// OpenDriver constructs the store for an explicit driver choice. The root
// argument applies to the filesystem driver only.
func OpenDriver(ctx context.Context, driver Driver, root string) (Store, error) {
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(root)
	case DriverS3:
		return OpenS3FromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
