package config

import (
	"context"
	"fmt"

	"github.com/marmos91/vfsinit/pkg/writeback/store"
	"github.com/marmos91/vfsinit/pkg/writeback/store/badger"
	"github.com/marmos91/vfsinit/pkg/writeback/store/fs"
	"github.com/marmos91/vfsinit/pkg/writeback/store/memory"
	"github.com/marmos91/vfsinit/pkg/writeback/store/postgres"
	"github.com/marmos91/vfsinit/pkg/writeback/store/s3"
)

// CreateStore opens the durable block store selected by cfg.Type.
func CreateStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch store.Type(cfg.Type) {
	case store.TypeMemory, "":
		return memory.New(), nil
	case store.TypeFilesystem:
		if cfg.Filesystem.BasePath == "" {
			return nil, fmt.Errorf("filesystem store requires path to be set")
		}
		st, err := fs.New(cfg.Filesystem)
		if err != nil {
			return nil, fmt.Errorf("failed to open filesystem store: %w", err)
		}
		return st, nil
	case store.TypeBadger:
		if cfg.Badger.Path == "" {
			return nil, fmt.Errorf("badger store requires path to be set")
		}
		st, err := badger.New(cfg.Badger)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return st, nil
	case store.TypeS3:
		st, err := s3.NewFromConfig(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 store: %w", err)
		}
		return st, nil
	case store.TypePostgres:
		pg := cfg.Postgres
		pg.ApplyDefaults()
		if err := pg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid postgres store config: %w", err)
		}
		st, err := postgres.New(ctx, pg)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}
