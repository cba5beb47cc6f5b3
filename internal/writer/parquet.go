package writer

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/canarc/internal/measurement"
)

const defaultRowGroupRows = 1 << 20

// Column order of the long-format table.
const (
	colDatabase = iota
	colMessage
	colBus
	colID
	colExtended
	colSignal
	colUnit
	colTime
	colValue
)

// ParquetSchema is the long-format layout: one row per signal sample.
// Samples that could not be decoded are null.
var ParquetSchema = arrow.NewSchema([]arrow.Field{
	{Name: "database", Type: arrow.BinaryTypes.String},
	{Name: "message", Type: arrow.BinaryTypes.String},
	{Name: "bus", Type: arrow.PrimitiveTypes.Uint16},
	{Name: "id", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "extended", Type: arrow.FixedWidthTypes.Boolean},
	{Name: "signal", Type: arrow.BinaryTypes.String},
	{Name: "unit", Type: arrow.BinaryTypes.String},
	{Name: "time", Type: arrow.PrimitiveTypes.Float64},
	{Name: "value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

// ParquetWriter writes a measurement as a single long-format Parquet file.
type ParquetWriter struct {
	compression     compress.Compression
	useDictionary   bool
	writeStatistics bool
	dataPageVersion string
	rowGroupRows    int

	logger zerolog.Logger
}

// NewParquetWriter creates a Parquet writer.
func NewParquetWriter(opts Options) *ParquetWriter {
	rows := opts.RowGroupRows
	if rows <= 0 {
		rows = defaultRowGroupRows
	}
	return &ParquetWriter{
		compression:     parseCompression(opts.Compression),
		useDictionary:   opts.UseDictionary,
		writeStatistics: opts.WriteStatistics,
		dataPageVersion: opts.DataPageVersion,
		rowGroupRows:    rows,
		logger:          opts.Logger.With().Str("component", "parquet-writer").Logger(),
	}
}

func parseCompression(name string) compress.Compression {
	switch name {
	case "gzip":
		return compress.Codecs.Gzip
	case "zstd":
		return compress.Codecs.Zstd
	case "none", "uncompressed":
		return compress.Codecs.Uncompressed
	default:
		return compress.Codecs.Snappy
	}
}

func (w *ParquetWriter) Format() string { return "parquet" }

// Write encodes m to out. Rows are flushed in row groups of at most
// RowGroupRows rows.
func (w *ParquetWriter) Write(ctx context.Context, m *measurement.Measurement, out io.Writer) error {
	if m.Empty() {
		return ErrEmptyMeasurement
	}

	writerOpts := []parquet.WriterProperty{
		parquet.WithCompression(w.compression),
		parquet.WithDictionaryDefault(w.useDictionary),
		parquet.WithStats(w.writeStatistics),
		parquet.WithMaxRowGroupLength(int64(w.rowGroupRows)),
	}
	if w.dataPageVersion == "2.0" {
		writerOpts = append(writerOpts, parquet.WithDataPageVersion(parquet.DataPageV2))
	}
	writerProps := parquet.NewWriterProperties(writerOpts...)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	fw, err := pqarrow.NewFileWriter(ParquetSchema, out, writerProps, arrowProps)
	if err != nil {
		return fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	b := array.NewRecordBuilder(memory.NewGoAllocator(), ParquetSchema)
	defer b.Release()

	pending, total := 0, 0
	flush := func() error {
		if pending == 0 {
			return nil
		}
		rec := b.NewRecord()
		defer rec.Release()
		if err := fw.Write(rec); err != nil {
			return fmt.Errorf("failed to write record batch: %w", err)
		}
		total += pending
		pending = 0
		return nil
	}

	for _, s := range m.Series {
		if err := ctx.Err(); err != nil {
			fw.Close()
			return err
		}
		for _, name := range s.SignalOrder {
			appendSignal(b, s, s.Signals[name])
			pending += s.Len()
			if pending >= w.rowGroupRows {
				if err := flush(); err != nil {
					fw.Close()
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		fw.Close()
		return err
	}

	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to close Parquet writer: %w", err)
	}

	w.logger.Debug().
		Int("series", len(m.Series)).
		Int("signals", m.SignalCount()).
		Int("rows", total).
		Msg("Wrote Parquet file")
	return nil
}

func appendSignal(b *array.RecordBuilder, s *measurement.FrameSeries, sig *measurement.DecodedSeries) {
	n := len(sig.Values)

	appendRepeatedString(b.Field(colDatabase).(*array.StringBuilder), s.Database, n)
	appendRepeatedString(b.Field(colMessage).(*array.StringBuilder), s.Message, n)
	appendRepeatedString(b.Field(colSignal).(*array.StringBuilder), sig.Name, n)
	appendRepeatedString(b.Field(colUnit).(*array.StringBuilder), sig.Unit, n)

	bus := b.Field(colBus).(*array.Uint16Builder)
	id := b.Field(colID).(*array.Uint32Builder)
	ext := b.Field(colExtended).(*array.BooleanBuilder)
	bus.Reserve(n)
	id.Reserve(n)
	ext.Reserve(n)
	for i := 0; i < n; i++ {
		bus.UnsafeAppend(s.Key.Bus)
		id.UnsafeAppend(s.Key.ID)
		ext.UnsafeAppend(s.Key.Extended)
	}

	b.Field(colTime).(*array.Float64Builder).AppendValues(sig.Time(), nil)
	b.Field(colValue).(*array.Float64Builder).AppendValues(sig.Values, validity(sig.Values))
}

func appendRepeatedString(b *array.StringBuilder, v string, n int) {
	b.Reserve(n)
	for i := 0; i < n; i++ {
		b.Append(v)
	}
}

// validity marks NaN samples as null. It returns nil when every sample is valid.
func validity(values []float64) []bool {
	var valid []bool
	for i, v := range values {
		if !math.IsNaN(v) {
			continue
		}
		if valid == nil {
			valid = make([]bool, len(values))
			for j := range valid {
				valid[j] = true
			}
		}
		valid[i] = false
	}
	return valid
}
