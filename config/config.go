// Package config resolves dbupdater settings from flags, DBUPDATER_*
// environment variables and an optional dbupdater.{yaml,toml,json} file.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/platforma-dev/dbupdater/database"
)

// Name is the program name, the environment variable prefix and the config file name.
const Name = "dbupdater"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds every setting of a dbupdater invocation.
type Config struct {
	Driver       string
	DSN          string
	DatabaseName string
	DeltaSet     string
	ScriptsDir   string
	Lock         bool
	Timeout      time.Duration
	Schedule     string
	LogLevel     string
	LogFormat    string
}

// Options lists the options that fill c.
func (c *Config) Options() []Opt {
	return []Opt{
		NewOpt(&c.Driver, "driver", database.DriverPostgres, "database driver: postgres, pgx, mysql or sqlite"),
		NewOpt(&c.DSN, "dsn", "", "database connection string"),
		NewOpt(&c.DatabaseName, "database-name", "", "database name shown in reports (defaults to the driver name)"),
		NewOpt(&c.DeltaSet, "delta-set", "main", "delta set to migrate"),
		NewOpt(&c.ScriptsDir, "scripts-dir", "sql_change_scripts", "directory holding one sub-directory of change scripts per delta set"),
		NewOpt(&c.Lock, "lock", true, "hold an advisory lock on the delta set while migrating"),
		NewOpt(&c.Timeout, "timeout", time.Duration(0), "abort a run after this long (0 disables)"),
		NewOpt(&c.Schedule, "schedule", "@every 1m", "cron expression used by watch"),
		NewOpt(&c.LogLevel, "log-level", "info", "log level: debug, info, warn or error"),
		NewOpt(&c.LogFormat, "log-format", "text", "log format: text or json"),
	}
}

// Validate checks the settings needed to reach the database and the scripts.
func (c *Config) Validate() error {
	var problems []string

	switch c.Driver {
	case database.DriverPostgres, database.DriverPgx, database.DriverMySQL, database.DriverSQLite:
	default:
		problems = append(problems, fmt.Sprintf("unknown driver %q", c.Driver))
	}

	if strings.TrimSpace(c.DSN) == "" {
		problems = append(problems, "dsn is required")
	}

	if strings.TrimSpace(c.DeltaSet) == "" {
		problems = append(problems, "delta-set is required")
	} else if strings.ContainsAny(c.DeltaSet, `/\`) || c.DeltaSet == "." || c.DeltaSet == ".." {
		problems = append(problems, fmt.Sprintf("delta-set %q must be a single directory name", c.DeltaSet))
	}

	if c.Timeout < 0 {
		problems = append(problems, "timeout must not be negative")
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("unknown log format %q", c.LogFormat))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, ", "))
	}
	return nil
}

// ScriptsPath is the directory of the configured delta set.
func (c *Config) ScriptsPath() string {
	return filepath.Join(c.ScriptsDir, c.DeltaSet)
}

// ReportName is the database name shown in run reports.
func (c *Config) ReportName() string {
	if c.DatabaseName != "" {
		return c.DatabaseName
	}
	return c.Driver
}
