// Package config holds the CLI-visible configuration struct (§6) the
// core consumes, its YAML loader, and the key-column-group flag parser.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ultraverse-io/retrostate/state/rowgraph"
)

// RangeComparison selects the RowGraph node-map lookup strategy.
type RangeComparison string

const (
	RangeComparisonEqOnly    RangeComparison = "eq-only"
	RangeComparisonIntersect RangeComparison = "intersect"
)

func (r RangeComparison) ToGraphMode() rowgraph.RangeComparisonMethod {
	if r == RangeComparisonIntersect {
		return rowgraph.Intersect
	}
	return rowgraph.EqOnly
}

// ColumnAlias is a single user-declared (alias, real) column pair.
type ColumnAlias struct {
	Alias string `yaml:"alias"`
	Real  string `yaml:"real"`
}

// Config is the subset of CLI-visible configuration the core consumes.
type Config struct {
	DBHost     string `yaml:"db-host"`
	DBUser     string `yaml:"db-user"`
	DBPassword string `yaml:"db-password"`
	DBName     string `yaml:"db-name"`

	StartGid      uint64 `yaml:"start-gid"`
	EndGid        uint64 `yaml:"end-gid"`
	ReplayFromGid uint64 `yaml:"replay-from-gid"`

	RollbackGids []uint64          `yaml:"rollback-gids"`
	UserQueries  map[uint64]string `yaml:"user-queries"`
	SkipGids     []uint64          `yaml:"skip-gids"`

	KeyColumns      []string   `yaml:"key-columns"`
	KeyColumnGroups [][]string `yaml:"key-column-groups"`

	ColumnAliases []ColumnAlias `yaml:"column-aliases"`

	RangeComparison RangeComparison `yaml:"range-comparison"`

	ThreadNum          int     `yaml:"thread-num"`
	AutoRollbackRatio  float64 `yaml:"auto-rollback-ratio"`
	FullReplay         bool    `yaml:"full-replay"`
	DryRun             bool    `yaml:"dry-run"`
	DropIntermediateDB bool    `yaml:"drop-intermediate-db"`
	ExecuteReplaceQuery bool   `yaml:"execute-replace-query"`
	PerformBenchInsert  bool   `yaml:"perform-bench-insert"`

	StateLogPath string `yaml:"state-log-path"`
	StateLogName string `yaml:"state-log-name"`
	DBDumpPath   string `yaml:"db-dump-path"`
	BinlogPath   string `yaml:"binlog-path"`
	ReportPath   string `yaml:"report-path"`

	// MaxStateLogSize is a human byte size (e.g. "4GB") read from the
	// config file. No phase or command checks the state log against it.
	MaxStateLogSize datasize.ByteSize `yaml:"max-state-log-size"`
}

// Default returns a Config populated with the documented defaults:
// range-comparison eq-only, thread-num 4 (executor pool size).
func Default() *Config {
	return &Config{
		RangeComparison: RangeComparisonEqOnly,
		ThreadNum:       4,
		UserQueries:     make(map[uint64]string),
	}
}

// Load reads and unmarshals a YAML configuration file into a Config
// seeded with Default()'s values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config file")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	return cfg, nil
}

// ParseKeyColumnGroups parses the `,`-separated, `+`-joined flag syntax
// from §6 ("users.id,orders.user_id+orders.item_id") into
// [][]string{{"users.id"}, {"orders.user_id", "orders.item_id"}}.
func ParseKeyColumnGroups(raw string) ([][]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	groupStrs := strings.Split(raw, ",")
	groups := make([][]string, 0, len(groupStrs))
	for _, gs := range groupStrs {
		gs = strings.TrimSpace(gs)
		if gs == "" {
			return nil, errors.New("empty key-column-group entry")
		}
		cols := strings.Split(gs, "+")
		group := make([]string, 0, len(cols))
		for _, c := range cols {
			c = strings.TrimSpace(c)
			if c == "" {
				return nil, fmt.Errorf("empty column in group %q", gs)
			}
			if !strings.Contains(c, ".") {
				return nil, fmt.Errorf("key column %q must be table-qualified", c)
			}
			group = append(group, c)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// ParseGidList parses a `,`-separated list of gids (the CLI form of
// rollback-gids/skip-gids) into a []uint64.
func ParseGidList(raw string) ([]uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uint64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid gid %q", p)
		}
		out = append(out, v)
	}
	return out, nil
}
