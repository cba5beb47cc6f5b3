// Package writer encodes a decoded measurement into an output file format.
// The format is chosen from the output file name.
package writer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/canarc/internal/measurement"
)

var (
	// ErrEmptyMeasurement is returned when there is nothing to write.
	ErrEmptyMeasurement = errors.New("measurement is empty, nothing to write")

	// ErrUnknownFormat is returned when no writer handles the output file name.
	ErrUnknownFormat = errors.New("no writer for output file extension")
)

// Writer encodes a measurement to w.
type Writer interface {
	Write(ctx context.Context, m *measurement.Measurement, w io.Writer) error
	// Format names the encoding, e.g. "parquet".
	Format() string
}

// Options configures the writers.
type Options struct {
	// Parquet
	Compression     string // snappy, gzip, zstd, none
	UseDictionary   bool
	WriteStatistics bool
	DataPageVersion string // "1.0" or "2.0"
	RowGroupRows    int

	Logger zerolog.Logger
}

type format struct {
	ext string
	new func(Options) Writer
}

// Longer extensions come first so ".msgpack.zst" is not taken for ".zst".
var formats = []format{
	{ext: ".msgpack.zst", new: func(o Options) Writer { return newMsgpackWriter(o, compressZstd) }},
	{ext: ".msgpack.gz", new: func(o Options) Writer { return newMsgpackWriter(o, compressGzip) }},
	{ext: ".msgpack", new: func(o Options) Writer { return newMsgpackWriter(o, compressNone) }},
	{ext: ".parquet", new: func(o Options) Writer { return NewParquetWriter(o) }},
}

// ForPath returns the writer for the output file name, matched on its suffix.
func ForPath(path string, opts Options) (Writer, error) {
	lower := strings.ToLower(path)
	for _, f := range formats {
		if strings.HasSuffix(lower, f.ext) {
			return f.new(opts), nil
		}
	}
	return nil, fmt.Errorf("%w: %s (supported: %s)", ErrUnknownFormat, path, strings.Join(Extensions(), ", "))
}

// Extensions lists the supported output file extensions.
func Extensions() []string {
	out := make([]string, len(formats))
	for i, f := range formats {
		out[i] = f.ext
	}
	return out
}
