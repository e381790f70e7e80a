package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tigeretl/internal/config"
	"tigeretl/internal/fieldref"
	"tigeretl/internal/listing"
	"tigeretl/internal/metrics"
	"tigeretl/internal/metrics/datadog"
	"tigeretl/internal/metrics/prompush"
	"tigeretl/internal/pipeline"
)

// validConfig returns a config that passes config.Validate.
func validConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "data"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "refs"), 0o755))
	cat := filepath.Join(dir, "geo.csv")
	require.NoError(t, os.WriteFile(cat, []byte("filename,directory,field_reference,start_date,end_date\n"), 0o644))

	c := config.Default()
	c.DestinationDir = filepath.Join(dir, "data")
	c.Catalog.Geographies = cat
	c.Catalog.FieldReferences = filepath.Join(dir, "refs")
	c.DB.Kind = "sqlite"
	return c
}

// fatalDeps fails the test if any seam is reached.
func fatalDeps(t *testing.T) appDeps {
	return appDeps{
		loadConfig: func(string, string) (config.Config, error) {
			t.Fatalf("loadConfig must not be called")
			return config.Config{}, nil
		},
		initMetrics: func(context.Context, config.Metrics, *slog.Logger) (func(), error) {
			t.Fatalf("initMetrics must not be called")
			return func() {}, nil
		},
		run: func(context.Context, config.Config, runOptions, *slog.Logger) (pipeline.Report, error) {
			t.Fatalf("run must not be called")
			return pipeline.Report{}, nil
		},
		verify: func(context.Context, config.Config, *slog.Logger) (listing.Report, error) {
			t.Fatalf("verify must not be called")
			return listing.Report{}, nil
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{"unknown flag", []string{"--nope"}, "unknown flag: --nope"},
		{"unknown shorthand", []string{"-x"}, "unknown shorthand flag"},
		{"positional arg", []string{"extra"}, `unknown command "extra"`},
		{"verify positional arg", []string{"verify", "extra"}, `unknown command "extra"`},
		{"conflicting flags", []string{"-e", "-r"}, "mutually exclusive"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, fatalDeps(t))
			require.Equal(t, 2, code, "stderr=%q", stderr.String())
			require.Contains(t, stderr.String(), tc.wantStderrSub)
			require.Empty(t, stdout.String())
		})
	}
}

func TestRunMain_HelpDocumentsExtractConflict(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"--help"}, &stdout, &stderr, fatalDeps(t))
	require.Equal(t, 0, code, "stderr=%q", stderr.String())
	require.Contains(t, stdout.String(), "cannot be combined with\n--no-extract")
	require.Contains(t, stdout.String(), "download all files again (not with --no-extract)")
}

func TestRunMain_Flow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		loadErr          error
		invalid          bool
		metricsErr       error
		runErr           error
		report           pipeline.Report
		wantCode         int
		wantStderrSub    string
		wantStdoutSub    string
		wantRunCalls     int64
		wantCleanupCalls int64
	}{
		{name: "load error", loadErr: errors.New("no such file"), wantCode: 1, wantStderrSub: "no such file"},
		{name: "invalid config", invalid: true, wantCode: 1, wantStderrSub: "error: load.batch_size"},
		{name: "metrics error", metricsErr: errors.New("unavailable"), wantCode: 1, wantStderrSub: "init metrics: unavailable"},
		{name: "run error", runErr: errors.New("db down"), wantCode: 1, wantStderrSub: "run: db down", wantRunCalls: 1, wantCleanupCalls: 1},
		{
			name:             "dataset failure",
			report:           pipeline.Report{Loaded: 1, LoadFailed: 1, Failures: []pipeline.Failure{{Phase: pipeline.PhaseLoad, Dataset: "a.zip", Err: errors.New("bad")}}},
			wantCode:         1,
			wantStdoutSub:    "FAILED transform_load a.zip: bad",
			wantRunCalls:     1,
			wantCleanupCalls: 1,
		},
		{
			name:             "success",
			report:           pipeline.Report{Downloaded: 3, Loaded: 3, RowsWritten: 99},
			wantCode:         0,
			wantStdoutSub:    "downloaded=3 skipped=0 download_failed=0 loaded=3 load_failed=0 rows_written=99",
			wantRunCalls:     1,
			wantCleanupCalls: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig(t)
			if tc.invalid {
				cfg.Load.BatchSize = 0
			}

			var runCalls, cleanupCalls atomic.Int64
			var gotOpts runOptions
			deps := appDeps{
				loadConfig: func(path, envFile string) (config.Config, error) {
					require.Equal(t, "tiger.toml", path)
					require.Equal(t, ".env", envFile)
					return cfg, tc.loadErr
				},
				initMetrics: func(_ context.Context, m config.Metrics, _ *slog.Logger) (func(), error) {
					require.Equal(t, "tigeretl", m.Job)
					return func() { cleanupCalls.Add(1) }, tc.metricsErr
				},
				run: func(_ context.Context, _ config.Config, opts runOptions, _ *slog.Logger) (pipeline.Report, error) {
					runCalls.Add(1)
					gotOpts = opts
					return tc.report, tc.runErr
				},
			}

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), []string{"--config", "tiger.toml", "-r", "-t"}, &stdout, &stderr, deps)

			require.Equal(t, tc.wantCode, code, "stderr=%q", stderr.String())
			if tc.wantStderrSub != "" {
				require.Contains(t, stderr.String(), tc.wantStderrSub)
			}
			if tc.wantStdoutSub != "" {
				require.Contains(t, stdout.String(), tc.wantStdoutSub)
			}
			require.Equal(t, tc.wantRunCalls, runCalls.Load())
			require.Equal(t, tc.wantCleanupCalls, cleanupCalls.Load())
			if tc.wantRunCalls > 0 {
				require.Equal(t, runOptions{ReExtract: true, NoTransformLoad: true}, gotOpts)
			}
		})
	}
}

func TestRunMain_ValidateOnly(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	deps := fatalDeps(t)
	deps.loadConfig = func(string, string) (config.Config, error) { return cfg, nil }

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"--validate"}, &stdout, &stderr, deps)
	require.Equal(t, 0, code, "stderr=%q", stderr.String())
	require.Equal(t, "configuration is valid: config.toml\n", stdout.String())
}

func TestRunMain_Verify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		report   listing.Report
		wantCode int
		wantOut  string
	}{
		{
			name:     "all present",
			report:   listing.Report{Directories: 1, Checked: 2},
			wantCode: 0,
			wantOut:  "directories=1 checked=2 missing=0 errors=0\n",
		},
		{
			name: "missing file",
			report: listing.Report{Directories: 2, Checked: 2,
				Missing: []listing.Missing{{Directory: "geo/tiger/TIGER2020/COUNTY", Filename: "gone.zip"}},
				Errors:  []listing.DirError{{Directory: "geo/x", Err: errors.New("HTTP 404")}},
			},
			wantCode: 1,
			wantOut: "directories=2 checked=2 missing=1 errors=1\n" +
				"MISSING geo/tiger/TIGER2020/COUNTY/gone.zip\n" +
				"UNREACHABLE geo/x: HTTP 404\n",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			deps := fatalDeps(t)
			deps.loadConfig = func(path, _ string) (config.Config, error) {
				require.Equal(t, "c.toml", path)
				return config.Default(), nil
			}
			deps.verify = func(context.Context, config.Config, *slog.Logger) (listing.Report, error) {
				return tc.report, nil
			}

			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), []string{"verify", "--config", "c.toml"}, &stdout, &stderr, deps)
			require.Equal(t, tc.wantCode, code, "stderr=%q", stderr.String())
			require.Equal(t, tc.wantOut, stdout.String())
		})
	}
}

func TestNewLogger_UTCMillisAndDropsEmpty(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := newLogger(&buf, false)
	log.Debug("hidden")
	log.Info("dataset loaded", "dataset", "a.zip", "empty", "")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "dataset loaded")
	require.Contains(t, out, "a.zip")
	require.NotContains(t, out, "empty=")

	var verbose bytes.Buffer
	newLogger(&verbose, true).Debug("shown")
	require.Contains(t, verbose.String(), "shown")
}

func TestFormatRFC3339Millis(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 4, 5, 6, 7, 89_000_000, time.UTC)
	require.Equal(t, "2026-03-04T05:06:07.089Z", formatRFC3339Millis(ts))
}

// The tests below swap package-level seams and must not run in parallel.

type fakeBackend struct {
	closeErr error
	closed   atomic.Int64
	flushed  atomic.Int64
}

func (*fakeBackend) IncCounter(string, float64, metrics.Labels)       {}
func (*fakeBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeBackend) Flush() error                                   { b.flushed.Add(1); return nil }
func (b *fakeBackend) Close() error                                   { b.closed.Add(1); return b.closeErr }

func swapSeams(t *testing.T) {
	t.Helper()
	oldDD, oldPush, oldSet, oldEnv := newDatadogBackend, newPushBackend, setMetricsBackend, getenv
	t.Cleanup(func() {
		newDatadogBackend, newPushBackend, setMetricsBackend, getenv = oldDD, oldPush, oldSet, oldEnv
	})
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestInitMetrics_NoneDoesNotInstall(t *testing.T) {
	swapSeams(t)
	setMetricsBackend = func(metrics.Backend) { t.Fatalf("setMetricsBackend must not be called") }

	for _, name := range []string{"", "none", " None "} {
		cleanup, err := initMetrics(context.Background(), config.Metrics{Backend: name}, discard())
		require.NoError(t, err)
		require.NotNil(t, cleanup)
		cleanup()
	}
}

func TestInitMetrics_DatadogWiresAndCloses(t *testing.T) {
	swapSeams(t)
	b := &fakeBackend{}
	var gotOpts datadog.Options
	newDatadogBackend = func(_ context.Context, opts datadog.Options) (closingBackend, error) {
		gotOpts = opts
		return b, nil
	}
	var installed metrics.Backend
	setMetricsBackend = func(mb metrics.Backend) { installed = mb }
	getenv = func(k string) string {
		if k == "METRICS_TAGS" {
			return "env:prod, state:26"
		}
		return ""
	}

	cleanup, err := initMetrics(context.Background(), config.Metrics{
		Backend:    "datadog",
		Tags:       []string{"team:geo"},
		FlushEvery: config.Duration(15 * time.Second),
	}, discard())
	require.NoError(t, err)
	require.Same(t, b, installed)
	require.Equal(t, "tigeretl", gotOpts.JobName)
	require.Equal(t, []string{"team:geo", "env:prod", "state:26"}, gotOpts.Tags)
	require.Equal(t, 15*time.Second, gotOpts.FlushEvery)

	cleanup()
	require.EqualValues(t, 1, b.closed.Load())
}

func TestInitMetrics_DatadogCloseErrorIsLogged(t *testing.T) {
	swapSeams(t)
	b := &fakeBackend{closeErr: errors.New("flush failed")}
	newDatadogBackend = func(context.Context, datadog.Options) (closingBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}

	var logged bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logged, nil))
	cleanup, err := initMetrics(context.Background(), config.Metrics{Backend: "datadog"}, log)
	require.NoError(t, err)
	cleanup()
	require.Contains(t, logged.String(), "metrics: datadog close error")
}

func TestInitMetrics_PushgatewayDefaultsURLAndFlushes(t *testing.T) {
	swapSeams(t)
	b := &fakeBackend{}
	var gotOpts prompush.Options
	newPushBackend = func(_ context.Context, opts prompush.Options) (metrics.Backend, error) {
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(metrics.Backend) {}

	cleanup, err := initMetrics(context.Background(), config.Metrics{Backend: "pushgateway", Job: "nightly"}, discard())
	require.NoError(t, err)
	require.Equal(t, prompush.Options{URL: defaultPushgatewayURL, Job: "nightly"}, gotOpts)
	cleanup()
	require.EqualValues(t, 1, b.flushed.Load())
}

func TestInitMetrics_Errors(t *testing.T) {
	swapSeams(t)
	newPushBackend = func(context.Context, prompush.Options) (metrics.Backend, error) {
		return nil, errors.New("bad url")
	}
	setMetricsBackend = func(metrics.Backend) { t.Fatalf("setMetricsBackend must not be called") }

	_, err := initMetrics(context.Background(), config.Metrics{Backend: "pushgateway"}, discard())
	require.ErrorContains(t, err, "bad url")

	_, err = initMetrics(context.Background(), config.Metrics{Backend: "statsd"}, discard())
	require.ErrorContains(t, err, `unknown metrics backend "statsd"`)
}

func TestRunPipeline_SQLiteWithoutExtract(t *testing.T) {
	cfg := validConfig(t)
	cfg.DB.Database = filepath.Join(t.TempDir(), "tiger.db")

	rep, err := runPipeline(context.Background(), cfg, runOptions{NoExtract: true}, discard())
	require.NoError(t, err)
	require.True(t, rep.OK())
	require.Zero(t, rep.Loaded)
}

func TestRunPipeline_BadCatalogIsFatal(t *testing.T) {
	cfg := validConfig(t)
	require.NoError(t, os.WriteFile(cfg.Catalog.Geographies, []byte("name\nx\n"), 0o644))

	_, err := runPipeline(context.Background(), cfg, runOptions{NoExtract: true, NoTransformLoad: true}, discard())
	require.Error(t, err)
	require.True(t, strings.HasPrefix(err.Error(), "geography catalog:"), err.Error())
}

func TestShippedCatalogsAndReferences(t *testing.T) {
	t.Parallel()
	root := filepath.Join("..", "..")
	geos, rels, err := loadCatalogs(config.Catalog{
		Geographies:   filepath.Join(root, "conf", "tiger_mi_sources.csv"),
		Relationships: filepath.Join(root, "conf", "tiger_mi_relationships.csv"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, geos)
	require.NotEmpty(t, rels)

	refs := fieldref.NewStore(filepath.Join(root, "conf", "field_references"))
	for _, d := range geos {
		_, err := refs.Geography(d.FieldReference)
		require.NoError(t, err, d.Filename)
	}
	for _, d := range rels {
		_, err := refs.Relationship(d.FieldReference)
		require.NoError(t, err, d.Filename)
	}
}
