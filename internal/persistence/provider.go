// Package persistence wires configuration to concrete repository
// implementations. It owns pool construction so the repository packages
// stay free of config and driver selection.
package persistence

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/sandpit-io/sandpit/internal/common/config"
	"github.com/sandpit-io/sandpit/internal/common/logger"
	"github.com/sandpit-io/sandpit/internal/db"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository"
	"github.com/sandpit-io/sandpit/internal/sandbox/repository/sqlite"
)

// Provide creates the sandbox repository from database configuration.
// SQLite gets a single-connection writer plus a read-only pool (WAL lets
// them coexist); Postgres shares one pgx pool for both roles.
func Provide(cfg *config.Config, log *logger.Logger) (repository.Repository, func() error, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		return provideSQLite(cfg.Database.Path, log)
	case "postgres":
		return providePostgres(cfg, log)
	default:
		return nil, nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}

func provideSQLite(dbPath string, log *logger.Logger) (repository.Repository, func() error, error) {
	writerConn, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	readerConn, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writerConn.Close()
		return nil, nil, fmt.Errorf("failed to open sqlite read pool: %w", err)
	}

	writer := sqlx.NewDb(writerConn, "sqlite3")
	reader := sqlx.NewDb(readerConn, "sqlite3")
	repo, err := sqlite.NewWithDB(writer, reader)
	if err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, nil, err
	}

	if log != nil {
		log.Info("Database initialized",
			zap.String("db_driver", "sqlite"),
			zap.String("db_path", dbPath))
	}

	cleanup := func() error {
		// PRAGMA optimize refreshes query planner statistics; the
		// SQLite-recommended lightweight maintenance call on close.
		_, _ = writer.Exec("PRAGMA optimize")
		_ = reader.Close()
		return writer.Close()
	}
	return repo, cleanup, nil
}

func providePostgres(cfg *config.Config, log *logger.Logger) (repository.Repository, func() error, error) {
	conn, err := db.OpenPostgres(cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	pool := sqlx.NewDb(conn, "pgx")
	repo, err := sqlite.NewWithDB(pool, pool)
	if err != nil {
		_ = pool.Close()
		return nil, nil, err
	}

	if log != nil {
		log.Info("Database initialized",
			zap.String("db_driver", "postgres"),
			zap.String("db_host", cfg.Database.Host),
			zap.String("db_name", cfg.Database.DBName))
	}

	return repo, pool.Close, nil
}
