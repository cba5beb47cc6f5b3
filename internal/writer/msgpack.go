package writer

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/basekick-labs/canarc/internal/measurement"
)

type compression int

const (
	compressNone compression = iota
	compressZstd
	compressGzip
)

// DocumentVersion is written into every MessagePack document.
const DocumentVersion = 1

// Document is the hierarchical output layout: databases hold messages, and
// each message holds its timestamps and one value array per signal.
type Document struct {
	Version   int                            `msgpack:"version"`
	Databases map[string]map[string]*Message `msgpack:"databases"`
}

// Message is one decoded frame series. Its key within the database is the
// message name, suffixed with "@bus" when the message was seen on several buses.
type Message struct {
	Name     string             `msgpack:"name"`
	Bus      uint16             `msgpack:"bus"`
	ID       uint32             `msgpack:"id"`
	Extended bool               `msgpack:"extended"`
	Time     []float64          `msgpack:"__time"`
	Signals  map[string]*Signal `msgpack:"signals"`
}

// Signal holds the physical values of one signal. Undecodable samples are NaN.
type Signal struct {
	Unit   string    `msgpack:"unit,omitempty"`
	Values []float64 `msgpack:"values"`
}

// NewDocument builds the hierarchical document for m.
func NewDocument(m *measurement.Measurement) *Document {
	buses := make(map[[2]string]int)
	for _, s := range m.Series {
		buses[[2]string{s.Database, s.Message}]++
	}

	doc := &Document{
		Version:   DocumentVersion,
		Databases: make(map[string]map[string]*Message),
	}
	for _, s := range m.Series {
		db, ok := doc.Databases[s.Database]
		if !ok {
			db = make(map[string]*Message)
			doc.Databases[s.Database] = db
		}
		key := s.Message
		if buses[[2]string{s.Database, s.Message}] > 1 {
			key += "@" + strconv.Itoa(int(s.Key.Bus))
		}

		msg := &Message{
			Name:     s.Message,
			Bus:      s.Key.Bus,
			ID:       s.Key.ID,
			Extended: s.Key.Extended,
			Time:     s.Times(),
			Signals:  make(map[string]*Signal, len(s.SignalOrder)),
		}
		for _, name := range s.SignalOrder {
			sig := s.Signals[name]
			msg.Signals[name] = &Signal{Unit: sig.Unit, Values: sig.Values}
		}
		db[key] = msg
	}
	return doc
}

type msgpackWriter struct {
	compression compression
	level       zstd.EncoderLevel
	logger      zerolog.Logger
}

func newMsgpackWriter(opts Options, c compression) *msgpackWriter {
	return &msgpackWriter{
		compression: c,
		level:       zstd.SpeedDefault,
		logger:      opts.Logger.With().Str("component", "msgpack-writer").Logger(),
	}
}

func (w *msgpackWriter) Format() string {
	switch w.compression {
	case compressZstd:
		return "msgpack+zstd"
	case compressGzip:
		return "msgpack+gzip"
	default:
		return "msgpack"
	}
}

// Write encodes m as a MessagePack document with sorted map keys, so equal
// measurements produce identical bytes.
func (w *msgpackWriter) Write(ctx context.Context, m *measurement.Measurement, out io.Writer) error {
	if m.Empty() {
		return ErrEmptyMeasurement
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var (
		dst    = out
		closer io.Closer
	)
	switch w.compression {
	case compressZstd:
		zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(w.level))
		if err != nil {
			return fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		dst, closer = zw, zw
	case compressGzip:
		gw := gzip.NewWriter(out)
		dst, closer = gw, gw
	}

	enc := msgpack.NewEncoder(dst)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(NewDocument(m)); err != nil {
		if closer != nil {
			closer.Close()
		}
		return fmt.Errorf("failed to encode msgpack document: %w", err)
	}
	if closer != nil {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("failed to finish %s stream: %w", w.Format(), err)
		}
	}

	w.logger.Debug().
		Int("series", len(m.Series)).
		Int("signals", m.SignalCount()).
		Str("format", w.Format()).
		Msg("Wrote MessagePack document")
	return nil
}
