package commands

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ultraverse-io/retrostate/internal/adapter/backup"
	"github.com/ultraverse-io/retrostate/internal/adapter/clusterstore"
	"github.com/ultraverse-io/retrostate/internal/adapter/mysqlpool"
	"github.com/ultraverse-io/retrostate/internal/adapter/statelog"
	"github.com/ultraverse-io/retrostate/internal/config"
	"github.com/ultraverse-io/retrostate/internal/logging"
	"github.com/ultraverse-io/retrostate/state/changer"
)

// buildChanger wires every concrete adapter to a fresh Changer, the
// production counterpart to changer_test.go's fake collaborators.
func buildChanger(ctx context.Context, cfg *config.Config) (*changer.Changer, *zap.Logger, func(), error) {
	logger := logging.New(logging.Options{FilePath: logFilePath, Verbose: logVerbose})

	poolCfg := mysqlpool.Config{
		Host:     cfg.DBHost,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		PoolSize: cfg.ThreadNum,
	}
	pool, err := mysqlpool.Open(ctx, poolCfg, "", logger)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "open database pool")
	}

	introspector, err := mysqlpool.NewIntrospector(poolCfg)
	if err != nil {
		pool.Close()
		return nil, nil, nil, errors.Wrap(err, "open schema introspector")
	}

	logReader := statelog.New()
	logPath := filepath.Join(cfg.StateLogPath, cfg.StateLogName)
	if err := logReader.Open(logPath); err != nil {
		pool.Close()
		introspector.Close()
		return nil, nil, nil, errors.Wrap(err, "open state log")
	}

	store := clusterstore.New(clusterstore.PathFor(cfg.StateLogPath, cfg.StateLogName), cfg.KeyColumns, cfg.KeyColumnGroups)
	backupLoader := backup.New(backup.Config{Host: cfg.DBHost, User: cfg.DBUser, Password: cfg.DBPassword}, logger)

	c, err := changer.New(cfg, logger, logReader, store, backupLoader, pool, introspector)
	if err != nil {
		pool.Close()
		introspector.Close()
		logReader.Close()
		return nil, nil, nil, errors.Wrap(err, "construct changer")
	}

	cleanup := func() {
		pool.Close()
		introspector.Close()
		logReader.Close()
	}
	return c, logger, cleanup, nil
}
