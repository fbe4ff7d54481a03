package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/platforma-dev/dbupdater/catalog"
	"github.com/platforma-dev/dbupdater/config"
	"github.com/platforma-dev/dbupdater/database"
	"github.com/platforma-dev/dbupdater/log"
	"github.com/platforma-dev/dbupdater/migrator"
	"github.com/platforma-dev/dbupdater/report"
	"github.com/platforma-dev/dbupdater/scheduler"
)

type cli struct {
	cfg        config.Config
	v          *viper.Viper
	configFile string
	stdout     io.Writer
	stderr     io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{
		v:      config.NewViper(config.Name),
		stdout: stdout,
		stderr: stderr,
	}

	root := &cobra.Command{
		Use:   config.Name,
		Short: "Apply pending SQL change scripts of a delta set",
		Long: `dbupdater applies the change scripts of a delta set that have not been
applied yet, in change number order, each in its own transaction together
with its change log entry. The first failing script is rolled back and
stops the run.`,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
		RunE:              c.runMigrate,
	}

	root.PersistentFlags().StringVar(&c.configFile, "config", "", "path to a config file (default ./dbupdater.{yaml,toml,json})")

	// Options is a fixed list of supported types, so binding cannot fail.
	if err := config.BindOptions(c.v, root.PersistentFlags(), c.cfg.Options()); err != nil {
		panic(err)
	}

	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		&cobra.Command{
			Use:   "new [description]",
			Short: "Create an empty change script with the next change number",
			Args:  cobra.ArbitraryArgs,
			RunE:  c.runNew,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the watermark and the applied change scripts",
			Args:  cobra.NoArgs,
			RunE:  c.runStatus,
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Run migrations periodically on the configured schedule",
			Args:  cobra.NoArgs,
			RunE:  c.runWatch,
		},
	)

	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	err := config.ReadFile(c.v, c.configFile, config.Name)
	if err != nil {
		return err
	}

	config.Load(c.v, c.cfg.Options())

	err = c.cfg.Validate()
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(c.cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetDefault(log.New(c.stderr, c.cfg.LogFormat, level, nil))

	cmd.SetContext(context.WithValue(cmd.Context(), log.CommandKey, cmd.Name()))
	return nil
}

func (c *cli) open(ctx context.Context) (*database.Database, error) {
	db, err := database.New(c.cfg.Driver, c.cfg.DSN)
	if err != nil {
		return nil, err
	}

	log.DebugContext(ctx, "connected to database", "driver", c.cfg.Driver)
	return db, nil
}

func (c *cli) closeDB(ctx context.Context, db *database.Database) {
	if err := db.Close(); err != nil {
		log.WarnContext(ctx, "failed to close database connection", "error", err)
	}
}

func (c *cli) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *cli) runner(db *database.Database) *migrator.Runner {
	return migrator.New(db, migrator.Options{
		Reporter: report.Reporter{DatabaseName: c.cfg.ReportName()},
		Out:      c.stdout,
		Lock:     c.cfg.Lock,
	})
}

func (c *cli) migrate(ctx context.Context, runner *migrator.Runner) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := runner.Run(ctx, c.cfg.DeltaSet, os.DirFS(c.cfg.ScriptsPath()))
	return err
}

func (c *cli) runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer c.closeDB(ctx, db)

	return c.migrate(ctx, c.runner(db))
}

func (c *cli) runNew(cmd *cobra.Command, args []string) error {
	ctx, cancel := c.withTimeout(cmd.Context())
	defer cancel()

	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer c.closeDB(ctx, db)

	changeLog := db.ChangeLog()

	err = changeLog.EnsureTable(ctx)
	if err != nil {
		return err
	}

	watermark, err := changeLog.Watermark(ctx, c.cfg.DeltaSet)
	if err != nil {
		return err
	}

	next, err := nextChangeNumber(os.DirFS(c.cfg.ScriptsPath()), watermark)
	if err != nil {
		return err
	}

	path, err := catalog.Create(c.cfg.ScriptsPath(), next, time.Now(), strings.Join(args, " "))
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "change script created", "changeNumber", next, "path", path)
	_, err = fmt.Fprintln(c.stdout, path)
	return err
}

// nextChangeNumber is one above both the watermark and every pending script on disk.
func nextChangeNumber(fsys fs.FS, watermark int) (int, error) {
	pending, err := catalog.ListPending(fsys, watermark)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return watermark + 1, nil
		}
		return 0, err
	}

	next := watermark + 1
	for _, script := range pending {
		if script.ChangeNumber >= next {
			next = script.ChangeNumber + 1
		}
	}
	return next, nil
}

func (c *cli) runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := c.withTimeout(cmd.Context())
	defer cancel()

	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer c.closeDB(ctx, db)

	changeLog := db.ChangeLog()

	err = changeLog.EnsureTable(ctx)
	if err != nil {
		return err
	}

	watermark, err := changeLog.Watermark(ctx, c.cfg.DeltaSet)
	if err != nil {
		return err
	}

	entries, err := changeLog.Entries(ctx, c.cfg.DeltaSet)
	if err != nil {
		return err
	}

	reporter := report.Reporter{DatabaseName: c.cfg.ReportName()}
	return reporter.Status(c.stdout, c.cfg.DeltaSet, watermark, entries)
}

func (c *cli) runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	db, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer c.closeDB(ctx, db)

	runner := c.runner(db)

	s, err := scheduler.New(c.cfg.Schedule, scheduler.RunnerFunc(func(ctx context.Context) error {
		return c.migrate(ctx, runner)
	}))
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "watching for change scripts", "schedule", c.cfg.Schedule, "dir", c.cfg.ScriptsPath())

	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		log.InfoContext(ctx, "watch stopped", "runs", s.Runs())
		return nil
	}
	return err
}
