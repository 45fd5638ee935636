package storage

import (
	"context"

	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
)

// Provide builds the object store from configuration. An endpoint or
// static credentials select S3; otherwise sessions get the in-memory
// store, which only suits development.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (ObjectStore, error) {
	if cfg.Storage.Endpoint == "" && cfg.Storage.AccessKey == "" {
		log.Warn("No object storage configured, using in-memory store; workspace files will not survive a restart")
		return NewMemoryStore(), nil
	}

	store, err := NewS3Store(ctx, cfg.Storage, log)
	if err != nil {
		return nil, err
	}
	log.Info("Object storage configured",
		zap.String("endpoint", cfg.Storage.Endpoint),
		zap.String("bucket", cfg.Storage.Bucket),
		zap.Bool("path_style", cfg.Storage.ForcePathStyle))
	return store, nil
}
