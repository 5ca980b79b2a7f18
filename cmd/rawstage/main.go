// Command rawstage lands delimited extracts into raw tables and merges them
// into typed staging tables.
//
// Usage:
//
//	rawstage [--config file] [--verbose]          land, then stage
//	rawstage land|stage|validate [--config file]
//
// Settings come from the config file and RAWSTAGE_* environment variables.
// Exit status is 0 on success, 1 on a failed run or invalid config and 2 on
// usage errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"rawstage/internal/config"
	"rawstage/internal/pipeline"
	"rawstage/internal/storage"

	// every backend is linked in; store.kind picks one.
	_ "rawstage/internal/storage/all"
)

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultDeps()))
}

// runner is the slice of *pipeline.Pipeline the CLI drives.
type runner interface {
	Run(ctx context.Context) (pipeline.Report, error)
	Land(ctx context.Context) ([]pipeline.FileResult, error)
	Stage(ctx context.Context) ([]pipeline.EntityResult, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	newLogger   func(verbose bool) (*zap.Logger, error)
	openRepo    func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	newRunner   func(cfg config.Config, repo storage.Repository, logger *zap.Logger) runner
	initMetrics func(ctx context.Context, cfg config.Config, logger *zap.Logger) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		newLogger: func(verbose bool) (*zap.Logger, error) {
			if verbose {
				return zap.NewDevelopment()
			}
			return zap.NewProduction()
		},
		openRepo: storage.New,
		newRunner: func(cfg config.Config, repo storage.Repository, logger *zap.Logger) runner {
			return pipeline.New(cfg, repo, pipeline.WithLogger(logger))
		},
		initMetrics: initMetrics,
	}
}

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return usageError{err}
	}
	return nil
}

// exitError carries an exit code through cobra; the message is already
// printed.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	var (
		cfgPath string
		verbose bool
	)

	// load reads and validates the configuration. Issues go to stderr.
	load := func() (config.Config, error) {
		v := viper.New()
		if cfgPath != "" {
			v.SetConfigFile(cfgPath)
			if err := v.ReadInConfig(); err != nil {
				fmt.Fprintf(stderr, "read config: %v\n", err)
				return config.Config{}, exitError{1}
			}
		}
		cfg, err := config.Load(v)
		if err != nil {
			fmt.Fprintf(stderr, "load config: %v\n", err)
			return config.Config{}, exitError{1}
		}
		issues := config.Validate(cfg)
		for _, iss := range issues {
			fmt.Fprintln(stderr, iss.String())
		}
		if config.HasErrors(issues) {
			fmt.Fprintln(stderr, "configuration is invalid")
			return config.Config{}, exitError{1}
		}
		return cfg, nil
	}

	// execute wires logger, metrics and store around one pipeline call.
	execute := func(cmd *cobra.Command, do func(context.Context, runner) error) error {
		cfg, err := load()
		if err != nil {
			return err
		}

		logger, err := deps.newLogger(verbose)
		if err != nil {
			fmt.Fprintf(stderr, "init logger: %v\n", err)
			return exitError{1}
		}
		defer func() { _ = logger.Sync() }()

		cleanup, err := deps.initMetrics(cmd.Context(), cfg, logger)
		if err != nil {
			fmt.Fprintf(stderr, "init metrics: %v\n", err)
			return exitError{1}
		}
		defer cleanup()

		repo, err := deps.openRepo(cmd.Context(), storage.Config{
			Kind:         cfg.Store.Kind,
			DSN:          cfg.Store.DSN,
			MaxBatchRows: cfg.BatchSize,
		})
		if err != nil {
			fmt.Fprintf(stderr, "open store: %v\n", err)
			return exitError{1}
		}
		defer repo.Close()

		if err := do(cmd.Context(), deps.newRunner(cfg, repo, logger)); err != nil {
			logger.Error("run failed", zap.Error(err))
			fmt.Fprintf(stderr, "run: %v\n", err)
			return exitError{1}
		}
		fmt.Fprintln(stdout, "ok")
		return nil
	}

	root := &cobra.Command{
		Use:           "rawstage",
		Short:         "Land raw extracts and merge them into staging tables",
		Args:          noArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return execute(cmd, func(ctx context.Context, r runner) error {
				rep, err := r.Run(ctx)
				printLanded(stdout, rep.Landed)
				printStaged(stdout, rep.Staged)
				return err
			})
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "development logging")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	root.AddCommand(
		&cobra.Command{
			Use:   "land",
			Short: "Append every configured extract to its landing table",
			Args:  noArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return execute(cmd, func(ctx context.Context, r runner) error {
					res, err := r.Land(ctx)
					printLanded(stdout, res)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "stage",
			Short: "Clean landed rows and upsert them into staging tables",
			Args:  noArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return execute(cmd, func(ctx context.Context, r runner) error {
					res, err := r.Stage(ctx)
					printStaged(stdout, res)
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration and exit",
			Args:  noArgs,
			RunE: func(*cobra.Command, []string) error {
				if _, err := load(); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "configuration is valid")
				return nil
			},
		},
	)

	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	var (
		ee exitError
		ue usageError
	)
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ee):
		return ee.code
	case errors.As(err, &ue):
		fmt.Fprintf(stderr, "%v\nusage: rawstage [land|stage|validate] [--config file] [--verbose]\n", err)
		return 2
	default:
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
}

func printLanded(w io.Writer, res []pipeline.FileResult) {
	for _, r := range res {
		fmt.Fprintf(w, "landed %s rows=%d warnings=%d table=%s file=%s\n", r.Entity, r.Rows, r.Warnings, r.Table, r.File)
	}
}

func printStaged(w io.Writer, res []pipeline.EntityResult) {
	for _, r := range res {
		if r.Skipped {
			fmt.Fprintf(w, "staged %s skipped (not landed)\n", r.Entity)
			continue
		}
		fmt.Fprintf(w, "staged %s read=%d dropped=%d duplicates=%d upserted=%d table=%s\n",
			r.Entity, r.Read, r.DroppedMissingKey, r.Duplicates, r.Upserted, r.Table)
	}
}
