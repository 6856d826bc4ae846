package storage

import (
	"fmt"

	"github.com/unalkalkan/TwelveNarrator/pkg/types"
)

// New creates a store based on the configuration
func New(cfg types.StorageConfig) (Store, error) {
	switch cfg.Adapter {
	case "local":
		return NewLocalStore(cfg.Local.BasePath)
	case "s3":
		return NewS3Store(S3Options{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UseSSL:          cfg.S3.UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown storage adapter: %s", cfg.Adapter)
	}
}
