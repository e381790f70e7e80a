// Package pipeline runs the two phases of a harvest: extract (download every
// catalog file) and transform+load (read, normalize and write each dataset
// in catalog order). Either phase can be skipped. Per-dataset failures are
// logged and collected in the Report; they never stop the remaining
// datasets.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"time"

	"tigeretl/internal/catalog"
	"tigeretl/internal/download"
	"tigeretl/internal/fieldref"
	"tigeretl/internal/frame"
	"tigeretl/internal/metrics"
	"tigeretl/internal/normalize"
	"tigeretl/internal/reader"
	"tigeretl/internal/storage"
)

// Fetcher downloads a batch of datasets into destDir.
// *download.Downloader satisfies it.
type Fetcher interface {
	Run(ctx context.Context, destDir string, datasets []catalog.Dataset) ([]download.Result, error)
}

// ReadFn loads one local file. reader.Read is the production implementation.
type ReadFn func(ctx context.Context, path string, opt reader.Options) (*frame.Frame, error)

// Steps selects which phases run.
type Steps struct {
	Extract       bool
	TransformLoad bool
}

// Pipeline wires the components of a run. Geographies and Relationships
// are processed in that order; an empty list is skipped.
type Pipeline struct {
	DestinationDir string
	Geographies    []catalog.Dataset
	Relationships  []catalog.Dataset

	Fetcher Fetcher
	Refs    *fieldref.Store
	Sink    storage.Sink
	Read    ReadFn

	GeographiesTable   string
	RelationshipsTable string
	ReplaceOn          ReplacePolicy
	Normalize          normalize.Options

	Logger *slog.Logger
}

// Run executes the selected phases. The returned error is reserved for
// run-level problems (missing destination directory, cancellation);
// per-dataset failures are reported in Report.Failures.
func (p *Pipeline) Run(ctx context.Context, steps Steps) (Report, error) {
	var rep Report
	log := p.logger()

	if steps.Extract {
		start := time.Now()
		err := p.extract(ctx, &rep)
		recordStep("extract", err, start)
		if err != nil {
			return rep, fmt.Errorf("extract: %w", err)
		}
		log.Info("extract finished", "stage", "extract",
			"downloaded", rep.Downloaded, "skipped", rep.Skipped, "failed", rep.DownloadFailed,
			"duration", since(start))
	}

	if steps.TransformLoad {
		if p.Sink == nil || p.Refs == nil {
			return rep, errors.New("transform_load: sink and field references are required")
		}
		start := time.Now()
		err := p.transformLoad(ctx, &rep)
		recordStep("transform_load", err, start)
		if err != nil {
			return rep, fmt.Errorf("transform_load: %w", err)
		}
		log.Info("transform_load finished", "stage", "transform_load",
			"loaded", rep.Loaded, "failed", rep.LoadFailed, "rows", rep.RowsWritten,
			"duration", since(start))
	}
	return rep, nil
}

func (p *Pipeline) extract(ctx context.Context, rep *Report) error {
	if p.Fetcher == nil {
		return errors.New("no fetcher configured")
	}
	all := make([]catalog.Dataset, 0, len(p.Geographies)+len(p.Relationships))
	all = append(all, p.Geographies...)
	all = append(all, p.Relationships...)

	results, err := p.Fetcher.Run(ctx, p.DestinationDir, all)
	if err != nil {
		return err
	}
	for _, r := range results {
		switch {
		case r.Err != nil:
			rep.fail(PhaseExtract, r.Filename, r.Err)
		case r.Skipped:
			rep.Skipped++
		default:
			rep.Downloaded++
		}
	}
	return nil
}

func (p *Pipeline) transformLoad(ctx context.Context, rep *Report) error {
	if len(p.Geographies) > 0 {
		spec := TableSpec(p.GeographiesTable, normalize.GeographySchema)
		tr := NewWriteModeTracker(p.ReplaceOn)
		for _, d := range p.Geographies {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.loadOne(ctx, rep, tr, spec, d, p.geography)
		}
	}
	if len(p.Relationships) > 0 {
		spec := TableSpec(p.RelationshipsTable, normalize.RelationshipSchema)
		tr := NewWriteModeTracker(p.ReplaceOn)
		for _, d := range p.Relationships {
			if err := ctx.Err(); err != nil {
				return err
			}
			p.loadOne(ctx, rep, tr, spec, d, p.relationship)
		}
	}
	return nil
}

// normalizeFn turns one dataset's local file into rows of the target schema.
type normalizeFn func(ctx context.Context, d catalog.Dataset) (*frame.Frame, error)

func (p *Pipeline) loadOne(ctx context.Context, rep *Report, tr *WriteModeTracker, spec storage.TableSpec, d catalog.Dataset, build normalizeFn) {
	log := p.logger().With("dataset", d.Key(), "table", spec.Name)
	start := time.Now()

	mode := tr.Mode()
	n, err := func() (int64, error) {
		out, err := build(ctx, d)
		if err != nil {
			return 0, err
		}
		metrics.RecordRecords("rows_normalized", int64(out.Len()))
		return p.Sink.WriteTable(ctx, spec, mode, out.Rows)
	}()
	tr.Done(err == nil)
	recordStep("dataset", err, start)

	if err != nil {
		var ve *normalize.ValidationError
		switch {
		case errors.Is(err, reader.ErrUnreadable):
			log.Error("error reading dataset", "stage", "read", "err", err)
		case errors.As(err, &ve):
			log.Error("dataset failed validation", "stage", "validate", "issues", ve.Total, "err", err)
		default:
			log.Error("dataset failed", "stage", "load", "err", err)
		}
		rep.fail(PhaseLoad, d.Key(), err)
		return
	}

	metrics.RecordRowsWritten(spec.Name, mode.String(), n)
	rep.Loaded++
	rep.RowsWritten += n
	log.Info("dataset loaded", "stage", "load", "mode", mode.String(), "rows", n, "duration", since(start))
}

func (p *Pipeline) geography(ctx context.Context, d catalog.Dataset) (*frame.Frame, error) {
	ref, err := p.Refs.Geography(d.FieldReference)
	if err != nil {
		return nil, err
	}
	enc := d.Encoding
	if enc == "" {
		enc = ref.Encoding
	}
	raw, err := p.read(ctx, d, reader.Options{Encoding: enc})
	if err != nil {
		return nil, err
	}
	return normalize.Geographies(d.Key(), raw, ref, d.Source, p.Normalize)
}

func (p *Pipeline) relationship(ctx context.Context, d catalog.Dataset) (*frame.Frame, error) {
	ref, err := p.Refs.Relationship(d.FieldReference)
	if err != nil {
		return nil, err
	}
	// A bad recipe is a configuration error; fail before reading the file.
	if _, err := normalize.ResolveWeightRecipe(ref, d.Weights); err != nil {
		return nil, err
	}
	opt := reader.Options{Delimiter: ref.Delimiter, Encoding: ref.Encoding}
	if d.Delimiter != 0 {
		opt.Delimiter = d.Delimiter
	}
	if d.Encoding != "" {
		opt.Encoding = d.Encoding
	}
	if len(ref.DTypes)+len(d.DTypes) > 0 {
		opt.Types = make(map[string]frame.Kind, len(ref.DTypes)+len(d.DTypes))
		maps.Copy(opt.Types, ref.DTypes)
		maps.Copy(opt.Types, d.DTypes)
	}
	raw, err := p.read(ctx, d, opt)
	if err != nil {
		return nil, err
	}
	return normalize.Relationships(raw, normalize.RelationshipInput{
		Dataset: d.Key(),
		Ref:     ref,
		Source:  d.Source,
		Sink:    d.Sink,
		Recipe:  d.Weights,
	})
}

func (p *Pipeline) read(ctx context.Context, d catalog.Dataset, opt reader.Options) (*frame.Frame, error) {
	read := p.Read
	if read == nil {
		read = reader.Read
	}
	f, err := read(ctx, filepath.Join(p.DestinationDir, d.Filename), opt)
	if err != nil {
		return nil, err
	}
	metrics.RecordRecords("rows_read", int64(f.Len()))
	return f, nil
}

// TableSpec maps a normalization schema onto the DDL shape of table.
func TableSpec(table string, s normalize.Schema) storage.TableSpec {
	cols := make([]storage.ColumnSpec, len(s.Columns))
	for i, c := range s.Columns {
		cols[i] = storage.ColumnSpec{Name: c.Name, Kind: c.Kind, Nullable: c.Nullable}
	}
	return storage.TableSpec{Name: table, Columns: cols}
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.Logger
}

func recordStep(step string, err error, start time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordStep(step, status, time.Since(start))
}

func since(t time.Time) time.Duration { return time.Since(t).Truncate(time.Millisecond) }
