package measurement

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/canarc/internal/catalog"
	"github.com/basekick-labs/canarc/internal/decoder"
	"github.com/basekick-labs/canarc/internal/diagnostics"
)

// Measurement is the decoded content of one log file: every series that
// resolved to a message and produced at least one signal, in first-seen order.
type Measurement struct {
	Series []*FrameSeries
}

// Empty reports whether the measurement holds no decoded signals.
func (m *Measurement) Empty() bool {
	return len(m.Series) == 0
}

// SignalCount returns the number of decoded signal series.
func (m *Measurement) SignalCount() int {
	n := 0
	for _, s := range m.Series {
		n += len(s.SignalOrder)
	}
	return n
}

// Decode resolves every aggregated series against cat and decodes its signals.
// Unresolved series are counted and left out of the result.
func Decode(agg *Aggregator, cat *catalog.Catalog, counters *diagnostics.Counters, logger zerolog.Logger) *Measurement {
	m := &Measurement{}
	for _, s := range agg.Series() {
		msg, db, ok := cat.Resolve(s.Key.ID, s.Key.Extended, s.Key.Bus)
		if !ok {
			counters.Note(diagnostics.UnresolvedIdentifier).
				Uint32("id", s.Key.ID).
				Bool("extended", s.Key.Extended).
				Uint16("bus", s.Key.Bus).
				Int("frames", s.Len()).
				Msg("No database defines identifier")
			continue
		}
		s.Message = msg.Name
		s.Database = db

		decodeSignals(s, msg, counters)
		if len(s.SignalOrder) > 0 {
			m.Series = append(m.Series, s)
		}
		logger.Debug().
			Str("series", s.Key.String()).
			Str("message", msg.Name).
			Str("database", db).
			Int("frames", s.Len()).
			Int("signals", len(s.SignalOrder)).
			Msg("Decoded series")
	}
	return m
}

func decodeSignals(s *FrameSeries, msg *catalog.MessageSpec, counters *diagnostics.Counters) {
	frames := decoder.Series{Payload: s.Payload(), DLC: s.DLC, N: s.Len()}
	present := multiplexPresence(msg, frames)

	s.Signals = make(map[string]*DecodedSeries, len(msg.Signals))
	for i := range msg.Signals {
		spec := &msg.Signals[i]
		if _, dup := s.Signals[spec.Name]; dup {
			counters.Note(diagnostics.DuplicateSignalName).
				Str("message", msg.Name).
				Str("signal", spec.Name).
				Msg("Signal name repeats within message, keeping the first")
			continue
		}

		var mask func(int) bool
		if spec.IsMultiplexed && present != nil {
			mask = present(spec.MultiplexValue)
		}

		values, err := decoder.DecodeSeries(spec, frames, mask)
		if err != nil {
			noteSignalError(counters, err, msg, spec, s.DLC)
			continue
		}

		s.Signals[spec.Name] = &DecodedSeries{
			Name:   spec.Name,
			Unit:   spec.Unit,
			Values: values,
			owner:  s,
		}
		s.SignalOrder = append(s.SignalOrder, spec.Name)
	}
}

// noteSignalError counts a signal that could not be decoded at all. Errors
// other than an unsupported width are counted as out of range.
func noteSignalError(counters *diagnostics.Counters, err error, msg *catalog.MessageSpec, spec *catalog.SignalSpec, dlc int) {
	kind := diagnostics.SignalOutOfRange
	if errors.Is(err, decoder.ErrUnsupportedSignalWidth) {
		kind = diagnostics.UnsupportedSignalWidth
	}
	counters.Note(kind).
		Err(err).
		Str("message", msg.Name).
		Str("signal", spec.Name).
		Int("start_bit", spec.StartBit).
		Int("length", spec.Length).
		Int("dlc", dlc).
		Msg("Skipping signal")
}

// multiplexPresence returns a constructor of per-frame masks selecting the
// frames whose multiplexer switch equals a given value, or nil when the
// message is not multiplexed.
func multiplexPresence(msg *catalog.MessageSpec, frames decoder.Series) func(value uint64) func(int) bool {
	mux, ok := msg.Multiplexer()
	if !ok {
		return nil
	}
	n := frames.Len()
	switches := make([]uint64, n)
	valid := make([]bool, n)
	for i := 0; i < n; i++ {
		switches[i], valid[i] = decoder.ExtractRaw(mux, frames.At(i))
	}
	return func(value uint64) func(int) bool {
		return func(i int) bool {
			return valid[i] && switches[i] == value
		}
	}
}
