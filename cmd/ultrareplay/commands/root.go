// Package commands wires the CLI-visible configuration to cobra
// subcommands, one per orchestrator phase, using package-level flag
// variables bound in init().
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ultraverse-io/retrostate/internal/config"
)

var (
	cfg        = config.Default()
	configPath string

	rawKeyColumnGroups string
	rawRollbackGids    string
	rawSkipGids        string

	logFilePath string
	logVerbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "ultrareplay",
	Short: "Retroactively rewrite recorded database history",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML configuration file (flags override its values)")

	pf.StringVar(&cfg.DBHost, "db-host", "", "database host")
	pf.StringVar(&cfg.DBUser, "db-user", "", "database user")
	pf.StringVar(&cfg.DBPassword, "db-password", "", "database password")
	pf.StringVar(&cfg.DBName, "db-name", "", "live database name")

	pf.Uint64Var(&cfg.StartGid, "start-gid", 0, "lower gid bound (inclusive)")
	pf.Uint64Var(&cfg.EndGid, "end-gid", 0, "upper gid bound (inclusive, 0 = unbounded)")
	pf.Uint64Var(&cfg.ReplayFromGid, "replay-from-gid", 0, "gid to pre-replay from before the plan's targets")

	pf.StringVar(&rawRollbackGids, "rollback-gids", "", "comma-separated gids to roll back")
	pf.StringVar(&rawSkipGids, "skip-gids", "", "comma-separated gids to skip entirely")

	pf.StringSliceVar(&cfg.KeyColumns, "key-columns", nil, "flat key-column list (table.column)")
	pf.StringVar(&rawKeyColumnGroups, "key-column-groups", "", "comma-separated, +-joined composite key-column groups")

	pf.StringVar((*string)(&cfg.RangeComparison), "range-comparison", string(config.RangeComparisonEqOnly), "eq-only or intersect")

	pf.IntVar(&cfg.ThreadNum, "thread-num", cfg.ThreadNum, "worker pool size")
	pf.Float64Var(&cfg.AutoRollbackRatio, "auto-rollback-ratio", 0, "bench-mode auto rollback sampling ratio (stored in the config; no phase reads it)")
	pf.BoolVar(&cfg.FullReplay, "full-replay", false, "prepare: create a fresh intermediate schema before seeding targets")
	pf.BoolVar(&cfg.DryRun, "dry-run", false, "dry-run switch (stored in the config; no phase reads it, so DB writes still happen)")
	pf.BoolVar(&cfg.DropIntermediateDB, "drop-intermediate-db", true, "drop the intermediate schema at the end of replay")
	pf.BoolVar(&cfg.ExecuteReplaceQuery, "execute-replace-query", true, "apply the generated replace-query script against the live DB")
	pf.BoolVar(&cfg.PerformBenchInsert, "perform-bench-insert", false, "bench-mode auto rollback sampling switch (stored in the config; no phase reads it)")

	pf.StringVar(&cfg.StateLogPath, "state-log-path", ".", "directory containing the state log")
	pf.StringVar(&cfg.StateLogName, "state-log-name", "state", "state log base name")
	pf.StringVar(&cfg.DBDumpPath, "db-dump-path", "", "SQL backup file to seed the intermediate schema")
	pf.StringVar(&cfg.BinlogPath, "binlog-path", "", "binlog directory (stored in the config; no phase reads it)")
	pf.StringVar(&cfg.ReportPath, "report-path", "report.json", "path the phase report is written to")

	pf.StringVar(&logFilePath, "log-file", "", "rotated JSON log file (stderr logging always on)")
	pf.BoolVar(&logVerbose, "verbose", false, "debug-level logging")

	rootCmd.AddCommand(makeClusterCmd, prepareCmd, replayCmd)
}

// resolveConfig loads configPath into cfg when set — in which case it
// takes over entirely, since reconciling a loaded file against whichever
// flags defaulted rather than were explicitly passed isn't representable
// with plain pflag bindings — then parses the raw comma/plus-joined flag
// forms the plain flag types can't express directly; these always apply,
// config file or not.
func resolveConfig(cmd *cobra.Command) error {
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		*cfg = *loaded
	}

	if rawKeyColumnGroups != "" {
		groups, err := config.ParseKeyColumnGroups(rawKeyColumnGroups)
		if err != nil {
			return fmt.Errorf("key-column-groups: %w", err)
		}
		cfg.KeyColumnGroups = groups
	}
	if rawRollbackGids != "" {
		gids, err := config.ParseGidList(rawRollbackGids)
		if err != nil {
			return fmt.Errorf("rollback-gids: %w", err)
		}
		cfg.RollbackGids = gids
	}
	if rawSkipGids != "" {
		gids, err := config.ParseGidList(rawSkipGids)
		if err != nil {
			return fmt.Errorf("skip-gids: %w", err)
		}
		cfg.SkipGids = gids
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
