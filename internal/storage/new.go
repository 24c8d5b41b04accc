package storage

import (
	"context"
	"fmt"
)

// Config is the subset of carrotd's WDL storage configuration needed to
// select and construct a backend (mirrors config.WDLStorageConfig's fields
// so callers can pass it straight through without an import cycle).
type Config struct {
	LocalDir    string
	GSPrefix    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

// New selects and constructs the ObjectStore backend named by cfg: a local
// directory if LocalDir is set, an S3/MinIO-backed store (addressed by
// GSPrefix) otherwise. Exactly one must be set (spec.md §6: "WDL storage:
// local directory OR object-storage prefix").
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch {
	case cfg.LocalDir != "" && cfg.GSPrefix != "":
		return nil, fmt.Errorf("storage: WDL_STORAGE_LOCAL_DIR and WDL_STORAGE_GS_PREFIX are mutually exclusive")
	case cfg.LocalDir != "":
		return NewLocalStore(cfg.LocalDir)
	case cfg.GSPrefix != "":
		return NewS3StoreFromConfig(ctx, S3Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
			Prefix:    cfg.GSPrefix,
		})
	default:
		return nil, fmt.Errorf("storage: one of WDL_STORAGE_LOCAL_DIR or WDL_STORAGE_GS_PREFIX must be set")
	}
}
