// Package backup is the reference backup-loader implementation (§6):
// pipe a SQL dump file into a `mysql` client subprocess and wait for it,
// raising if the child exits non-zero.
package backup

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config carries the connection parameters passed to the mysql client.
type Config struct {
	Host     string
	User     string
	Password string
}

// Loader shells out to the mysql CLI for every LoadBackup call.
type Loader struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Loader {
	return &Loader{cfg: cfg, logger: logger}
}

// LoadBackup pipes filePath into `mysql -h <host> -u <user> -p<pw> <db>`,
// per §6's reference implementation. A non-zero exit is fatal, per §7
// "Backup-loader non-zero exit: fatal; propagates to caller and aborts
// the phase."
func (l *Loader) LoadBackup(ctx context.Context, dbName, filePath string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "open backup file %s", filePath)
	}
	defer f.Close()

	args := []string{"-h", l.cfg.Host, "-u", l.cfg.User}
	if l.cfg.Password != "" {
		args = append(args, fmt.Sprintf("-p%s", l.cfg.Password))
	}
	args = append(args, dbName)

	cmd := exec.CommandContext(ctx, "mysql", args...)
	cmd.Stdin = f
	out, err := cmd.CombinedOutput()
	if err != nil {
		l.logger.Error("backup load failed", zap.String("db", dbName), zap.ByteString("output", out), zap.Error(err))
		return errors.Wrapf(err, "load backup into %s", dbName)
	}
	l.logger.Info("backup loaded", zap.String("db", dbName), zap.String("file", filePath))
	return nil
}
