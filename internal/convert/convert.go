// Package convert runs one BLF file through the whole pipeline: scan the
// frames, aggregate them per (identifier, bus), decode the signals against
// the catalog, encode the measurement and store it.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/canarc/internal/blf"
	"github.com/basekick-labs/canarc/internal/catalog"
	"github.com/basekick-labs/canarc/internal/diagnostics"
	"github.com/basekick-labs/canarc/internal/measurement"
	"github.com/basekick-labs/canarc/internal/storage"
	"github.com/basekick-labs/canarc/internal/writer"
)

// ErrOutputExists is returned when the output object exists and overwriting
// is disabled.
var ErrOutputExists = errors.New("output already exists")

// Options configures a Converter.
type Options struct {
	// TimeResolution truncates frame timestamps, in nanoseconds.
	TimeResolution int64
	Overwrite      bool
	Writer         writer.Options
}

// Converter converts BLF files with a fixed catalog and destination.
// A Converter holds no per-run state; every Run builds its own buffers.
type Converter struct {
	catalog *catalog.Catalog
	backend storage.Backend
	opts    Options
	logger  zerolog.Logger
}

// Result describes one finished (or aborted) run.
type Result struct {
	RunID       string               `json:"run_id"`
	Input       string               `json:"input"`
	Output      string               `json:"output"`
	Format      string               `json:"format"`
	Header      blf.FileHeader       `json:"-"`
	Stats       blf.Stats            `json:"stats"`
	Diagnostics diagnostics.Snapshot `json:"diagnostics"`
	Series      int                  `json:"series"`
	Decoded     int                  `json:"decoded_series"`
	Signals     int                  `json:"signals"`
	Bytes       int64                `json:"bytes"`
	Duration    time.Duration        `json:"duration_ns"`
}

// New creates a converter.
func New(cat *catalog.Catalog, backend storage.Backend, opts Options, logger zerolog.Logger) *Converter {
	opts.Writer.Logger = logger
	return &Converter{
		catalog: cat,
		backend: backend,
		opts:    opts,
		logger:  logger.With().Str("component", "converter").Logger(),
	}
}

// Run converts the BLF file at input and stores the result under output on
// the backend. The output format follows the output file extension.
//
// ctx is checked between frames; a cancelled run returns ctx.Err() and stores
// nothing. The returned Result is non-nil whenever the input was opened, so
// callers can report partial statistics for failed runs.
func (c *Converter) Run(ctx context.Context, input, output string) (*Result, error) {
	start := time.Now()
	res := &Result{
		RunID:  uuid.NewString(),
		Input:  input,
		Output: c.backend.URI(output),
	}
	log := c.logger.With().Str("run_id", res.RunID).Logger()

	w, err := writer.ForPath(output, c.opts.Writer)
	if err != nil {
		return nil, err
	}
	res.Format = w.Format()

	if !c.opts.Overwrite {
		exists, err := c.backend.Exists(ctx, output)
		if err != nil {
			return nil, fmt.Errorf("failed to check output: %w", err)
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrOutputExists, res.Output)
		}
	}

	sc, err := blf.Open(input, &blf.ScannerConfig{
		TimeResolution: c.opts.TimeResolution,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	defer sc.Close()
	res.Header = sc.Header()

	log.Info().
		Str("input", input).
		Str("output", res.Output).
		Str("format", res.Format).
		Uint32("objects", res.Header.ObjectCount).
		Msg("Converting BLF file")

	counters := diagnostics.New(log)
	agg := measurement.NewAggregator(counters)

	finish := func() {
		res.Stats = sc.Stats()
		res.Series = agg.Len()
		res.Diagnostics = counters.Snapshot()
		res.Duration = time.Since(start)
	}

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			finish()
			log.Warn().Int64("frames", res.Diagnostics.FramesIngested).Msg("Conversion cancelled")
			return res, err
		}
		f := sc.Frame()
		agg.Ingest(&f)
	}
	if err := sc.Err(); err != nil {
		finish()
		return res, fmt.Errorf("failed to read %s: %w", input, err)
	}
	counters.ObjectsSkipped(sc.Stats().ObjectsSkipped)

	m := measurement.Decode(agg, c.catalog, counters, log)
	res.Decoded = len(m.Series)
	res.Signals = m.SignalCount()
	finish()
	counters.Report(log)

	if m.Empty() {
		return res, fmt.Errorf("%s: %w", input, writer.ErrEmptyMeasurement)
	}

	var buf bytes.Buffer
	if err := w.Write(ctx, m, &buf); err != nil {
		return res, fmt.Errorf("failed to encode %s: %w", res.Format, err)
	}
	res.Bytes = int64(buf.Len())

	if err := c.backend.WriteReader(ctx, output, bytes.NewReader(buf.Bytes()), res.Bytes); err != nil {
		return res, fmt.Errorf("failed to store %s: %w", res.Output, err)
	}
	res.Duration = time.Since(start)

	log.Info().
		Str("output", res.Output).
		Int("series", res.Decoded).
		Int("signals", res.Signals).
		Int64("bytes", res.Bytes).
		Dur("duration", res.Duration).
		Msg("Conversion complete")

	return res, nil
}
