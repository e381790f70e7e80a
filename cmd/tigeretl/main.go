// Command tigeretl harvests Census TIGER boundary and relationship files,
// normalizes them and loads them into a relational store.
//
// Usage:
//
//	tigeretl [--config config.toml] [-e] [-r] [-t] [-v]
//	tigeretl verify [--config config.toml]
//
// Exit status is 0 when every dataset succeeded, 1 when anything failed at
// run time and 2 for usage errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"tigeretl/internal/catalog"
	"tigeretl/internal/config"
	"tigeretl/internal/download"
	"tigeretl/internal/fieldref"
	"tigeretl/internal/listing"
	"tigeretl/internal/normalize"
	"tigeretl/internal/pipeline"
	"tigeretl/internal/storage"

	// Link every storage backend; db.kind picks one at run time.
	_ "tigeretl/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runOptions are the phase flags of the root command.
type runOptions struct {
	NoExtract       bool
	ReExtract       bool
	NoTransformLoad bool
}

// appDeps are the seams runMain calls after flag parsing. Tests replace
// them to exercise the CLI without network or database access.
type appDeps struct {
	loadConfig  func(path, envFile string) (config.Config, error)
	initMetrics func(ctx context.Context, m config.Metrics, log *slog.Logger) (func(), error)
	run         func(ctx context.Context, cfg config.Config, opts runOptions, log *slog.Logger) (pipeline.Report, error)
	verify      func(ctx context.Context, cfg config.Config, log *slog.Logger) (listing.Report, error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		initMetrics: initMetrics,
		run:         runPipeline,
		verify:      runVerify,
	}
}

// usageError marks errors that exit with status 2.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// errFailed is returned when the run completed but something in it failed.
// The details have already been written to stdout.
var errFailed = errors.New("run finished with failures")

// runMain executes the CLI and returns the process exit code.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	root := newRootCmd(stdout, stderr, deps)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	var ue *usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		fmt.Fprintf(stderr, "error: %v\n", err)
		fmt.Fprintf(stderr, "run '%s --help' for usage\n", root.Name())
		return 2
	case errors.Is(err, errFailed):
		return 1
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
}

type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func newRootCmd(stdout, stderr io.Writer, deps appDeps) *cobra.Command {
	var (
		g        globalFlags
		opts     runOptions
		validate bool
	)

	root := &cobra.Command{
		Use:           "tigeretl",
		Short:         "Harvest Census TIGER geographies into a relational store",
		Long: `Harvest Census TIGER geographies into a relational store.

Runs the extract step (download catalog files) and then the transform and
load step. --re-extract forces downloads, so it cannot be combined with
--no-extract; doing so is a usage error.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.NoExtract && opts.ReExtract {
				return &usageError{errors.New("--no-extract and --re-extract are mutually exclusive")}
			}
			log := newLogger(stderr, g.verbose)

			cfg, err := loadAndValidate(deps, g, stderr)
			if err != nil {
				return err
			}
			if validate {
				fmt.Fprintf(stdout, "configuration is valid: %s\n", g.configPath)
				return nil
			}

			cleanup, err := deps.initMetrics(cmd.Context(), cfg.Metrics, log)
			if err != nil {
				return fmt.Errorf("init metrics: %w", err)
			}
			defer cleanup()

			start := time.Now()
			rep, err := deps.run(cmd.Context(), cfg, opts, log)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			if _, err := rep.WriteTo(stdout); err != nil {
				return err
			}
			log.Debug("completed", "duration", time.Since(start).Truncate(time.Millisecond))
			if !rep.OK() {
				return errFailed
			}
			return nil
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return &usageError{err} })

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "config.toml", "path to the TOML configuration file")
	pf.StringVar(&g.envFile, "env-file", ".env", "optional dotenv file loaded before environment overrides")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logs")

	f := root.Flags()
	f.BoolVarP(&opts.NoExtract, "no-extract", "e", false, "skip the extract step")
	f.BoolVarP(&opts.ReExtract, "re-extract", "r", false, "download all files again (not with --no-extract)")
	f.BoolVarP(&opts.NoTransformLoad, "no-transform-load", "t", false, "skip the transform and load steps")
	f.BoolVar(&validate, "validate", false, "validate the configuration and exit")

	root.AddCommand(newVerifyCmd(stdout, stderr, deps, &g))
	return root
}

func newVerifyCmd(stdout, stderr io.Writer, deps appDeps, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check that every catalog file is listed on the file server",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := newLogger(stderr, g.verbose)
			cfg, err := deps.loadConfig(g.configPath, g.envFile)
			if err != nil {
				return err
			}
			rep, err := deps.verify(cmd.Context(), cfg, log)
			if err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			fmt.Fprintf(stdout, "directories=%d checked=%d missing=%d errors=%d\n",
				rep.Directories, rep.Checked, len(rep.Missing), len(rep.Errors))
			for _, m := range rep.Missing {
				fmt.Fprintf(stdout, "MISSING %s/%s\n", m.Directory, m.Filename)
			}
			for _, e := range rep.Errors {
				fmt.Fprintf(stdout, "UNREACHABLE %s: %v\n", e.Directory, e.Err)
			}
			if !rep.OK() {
				return errFailed
			}
			return nil
		},
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return &usageError{err}
	}
	return nil
}

// loadAndValidate reads the config and prints every validation issue.
// Any error-severity issue aborts.
func loadAndValidate(deps appDeps, g globalFlags, stderr io.Writer) (config.Config, error) {
	cfg, err := deps.loadConfig(g.configPath, g.envFile)
	if err != nil {
		return config.Config{}, err
	}
	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return config.Config{}, fmt.Errorf("configuration is invalid: %s", g.configPath)
	}
	return cfg, nil
}

// newLogger builds the tint handler used for all run output. Timestamps are
// UTC with millisecond precision and empty string attributes are dropped.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time().UTC()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	return t.Format("2006-01-02T15:04:05") + fmt.Sprintf(".%03dZ", t.Nanosecond()/int(time.Millisecond))
}

// runPipeline is the production run: load catalogs, open the sink when the
// load phase is enabled and execute the selected phases.
func runPipeline(ctx context.Context, cfg config.Config, opts runOptions, log *slog.Logger) (pipeline.Report, error) {
	geos, rels, err := loadCatalogs(cfg.Catalog)
	if err != nil {
		return pipeline.Report{}, err
	}
	policy, err := pipeline.ParseReplacePolicy(cfg.Load.ReplaceOn)
	if err != nil {
		return pipeline.Report{}, err
	}

	p := &pipeline.Pipeline{
		DestinationDir:     cfg.DestinationDir,
		Geographies:        geos,
		Relationships:      rels,
		GeographiesTable:   cfg.Load.GeographiesTable,
		RelationshipsTable: cfg.Load.RelationshipsTable,
		ReplaceOn:          policy,
		Normalize:          normalize.Options{ZCTAPrefixes: cfg.Normalize.ZCTAPrefixes},
		Logger:             log,
	}
	steps := pipeline.Steps{Extract: !opts.NoExtract, TransformLoad: !opts.NoTransformLoad}
	log.Info("starting run", "geographies", len(geos), "relationships", len(rels),
		"extract", steps.Extract, "re_extract", opts.ReExtract, "transform_load", steps.TransformLoad,
		"replace_on", policy.String())

	if steps.Extract {
		p.Fetcher = download.New(download.Options{
			BaseURL:            cfg.Source.BaseURL,
			UserAgent:          cfg.Source.UserAgent,
			InsecureSkipVerify: cfg.Source.InsecureSkipVerify,
			Timeout:            time.Duration(cfg.Source.Timeout),
			MaxConcurrent:      cfg.Download.MaxConcurrent,
			RatePerSecond:      cfg.Download.RatePerSecond,
			MaxAttempts:        cfg.Download.MaxAttempts,
			Force:              opts.ReExtract,
			Logger:             log,
		})
	}
	if steps.TransformLoad {
		dsn, err := cfg.DSN()
		if err != nil {
			return pipeline.Report{}, err
		}
		sink, err := storage.New(ctx, storage.Config{
			Kind:      config.NormalizeBackend(cfg.DB.Kind),
			DSN:       dsn,
			SRID:      cfg.Normalize.SRID,
			BatchSize: cfg.Load.BatchSize,
		})
		if err != nil {
			return pipeline.Report{}, fmt.Errorf("open store: %w", err)
		}
		defer sink.Close()
		p.Sink = sink
		p.Refs = fieldref.NewStore(cfg.Catalog.FieldReferences)
	}
	return p.Run(ctx, steps)
}

// runVerify checks both catalogs against the server's directory indexes.
func runVerify(ctx context.Context, cfg config.Config, log *slog.Logger) (listing.Report, error) {
	geos, rels, err := loadCatalogs(cfg.Catalog)
	if err != nil {
		return listing.Report{}, err
	}
	c := &listing.Checker{
		BaseURL:   cfg.Source.BaseURL,
		UserAgent: cfg.Source.UserAgent,
		Client:    download.NewHTTPClient(time.Duration(cfg.Source.Timeout), 1, cfg.Source.InsecureSkipVerify),
		Logger:    log,
	}
	if cfg.Source.InsecureSkipVerify {
		log.Warn("TLS certificate verification disabled for directory listings", "base_url", cfg.Source.BaseURL)
	}
	return c.Verify(ctx, append(geos, rels...))
}

func loadCatalogs(c config.Catalog) (geos, rels []catalog.Dataset, err error) {
	geos, err = catalog.LoadGeographies(c.Geographies)
	if err != nil {
		return nil, nil, fmt.Errorf("geography catalog: %w", err)
	}
	if strings.TrimSpace(c.Relationships) != "" {
		rels, err = catalog.LoadRelationships(c.Relationships)
		if err != nil {
			return nil, nil, fmt.Errorf("relationship catalog: %w", err)
		}
	}
	return geos, rels, nil
}
