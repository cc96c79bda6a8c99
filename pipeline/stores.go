package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/maxpert/ripple/cfg"
	"github.com/maxpert/ripple/changelog"
)

// openStore opens the change log backing one shard
func openStore(ctx context.Context, sc cfg.ShardConfiguration, dataDir string) (changelog.Store, error) {
	switch sc.Backend {
	case cfg.StoreMemory:
		return changelog.NewMemoryStore(), nil

	case cfg.StorePebble, "":
		path := sc.Path
		if path == "" {
			path = sc.Name
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		return changelog.OpenPebbleStore(path, changelog.PebbleOptions{RetainRecords: sc.RetainRecords})

	case cfg.StoreSQLite:
		return changelog.OpenSQLStore(ctx, changelog.DriverSQLite, sc.DSN, changelog.SQLOptions{Table: sc.Table})

	case cfg.StoreMySQL:
		return changelog.OpenSQLStore(ctx, changelog.DriverMySQL, sc.DSN, changelog.SQLOptions{Table: sc.Table})

	case cfg.StorePostgres:
		return changelog.OpenPostgresStore(ctx, sc.DSN, changelog.PostgresOptions{
			Table:         sc.Table,
			NotifyChannel: sc.ListenChannel,
		})
	}
	return nil, fmt.Errorf("unknown backend %q", sc.Backend)
}
