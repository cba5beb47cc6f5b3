package measurement

import (
	"github.com/basekick-labs/canarc/internal/blf"
	"github.com/basekick-labs/canarc/internal/diagnostics"
)

// Aggregator groups frames into series keyed by identifier, frame format and
// bus. Series
// are kept in the order their key was first seen.
type Aggregator struct {
	series   map[FrameKey]*FrameSeries
	order    []*FrameSeries
	counters *diagnostics.Counters
}

// NewAggregator returns an empty aggregator reporting to counters.
func NewAggregator(counters *diagnostics.Counters) *Aggregator {
	return &Aggregator{
		series:   make(map[FrameKey]*FrameSeries),
		counters: counters,
	}
}

// Ingest appends f to its series. The first frame of a key fixes the DLC of
// the series; a later frame with a different DLC is counted and dropped, and
// Ingest returns false.
func (a *Aggregator) Ingest(f *blf.RawFrame) bool {
	key := FrameKey{ID: f.ID, Extended: f.IsExtended, Bus: f.Bus}
	s, ok := a.series[key]
	if !ok {
		s = newFrameSeries(key, int(f.Length))
		a.series[key] = s
		a.order = append(a.order, s)
	}

	if int(f.Length) != s.DLC {
		a.counters.Note(diagnostics.DLCMismatch).
			Uint32("id", key.ID).
			Uint16("bus", key.Bus).
			Int("series_dlc", s.DLC).
			Uint8("frame_dlc", f.Length).
			Msg("Frame length differs from earlier frames of the same identifier, dropping frame")
		return false
	}

	s.append(f)
	a.counters.FrameIngested()
	return true
}

// Len returns the number of distinct keys.
func (a *Aggregator) Len() int {
	return len(a.order)
}

// Series returns all series in first-seen order.
func (a *Aggregator) Series() []*FrameSeries {
	return a.order
}

// Lookup returns the series for key.
func (a *Aggregator) Lookup(key FrameKey) (*FrameSeries, bool) {
	s, ok := a.series[key]
	return s, ok
}
