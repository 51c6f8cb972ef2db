package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType represents the type of artifact storage backend.
type StoreType string

const (
	StoreTypeFS     StoreType = "fs"
	StoreTypeMemory StoreType = "memory"
	StoreTypeS3     StoreType = "s3"
	StoreTypeGCS    StoreType = "gcs"
)

// Options selects and configures a backend.
type Options struct {
	Type    StoreType
	DataDir string
	Bucket  string
	Region  string
	// Endpoint overrides the S3 endpoint (MinIO, LocalStack).
	Endpoint string
	Prefix   string
}

// NewStore creates the configured artifact store.
func NewStore(ctx context.Context, opts Options) (Store, error) {
	switch opts.Type {
	case "", StoreTypeFS:
		dir := opts.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "scripts"))
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeS3:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_BUCKET is required for S3 storage")
		}
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   opts.Bucket,
			Region:   region,
			Endpoint: opts.Endpoint,
			Prefix:   opts.Prefix,
		})
	case StoreTypeGCS:
		if opts.Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_BUCKET is required for GCS storage")
		}
		return newGCSStore(ctx, opts)
	default:
		return nil, fmt.Errorf("unsupported artifact storage type: %s", opts.Type)
	}
}
