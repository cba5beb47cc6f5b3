// Package diagnostics counts the per-frame and per-signal conditions of one
// conversion run. A Counters value belongs to a single run and is passed to
// every stage that can report a condition.
package diagnostics

import (
	"github.com/rs/zerolog"
)

// Kind identifies a counted condition.
type Kind int

const (
	DLCMismatch Kind = iota
	UnresolvedIdentifier
	UnsupportedSignalWidth
	DuplicateSignalName
	SignalOutOfRange

	numKinds
)

var kindNames = [numKinds]string{
	DLCMismatch:            "dlc_mismatch",
	UnresolvedIdentifier:   "unresolved_identifier",
	UnsupportedSignalWidth: "unsupported_signal_width",
	DuplicateSignalName:    "duplicate_signal_name",
	SignalOutOfRange:       "signal_out_of_range",
}

func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// Counters accumulates condition counts and logs the first occurrence of each
// kind as a warning. Later occurrences are logged at debug level. Unresolved
// identifiers are common in partial databases and are always debug.
type Counters struct {
	framesIngested int64
	skippedObjects int64
	counts         [numKinds]int64
	warned         [numKinds]bool
	logger         zerolog.Logger
}

// New returns zeroed counters that log through logger.
func New(logger zerolog.Logger) *Counters {
	return &Counters{
		logger: logger.With().Str("component", "diagnostics").Logger(),
	}
}

// FrameIngested counts one frame accepted by the aggregator.
func (c *Counters) FrameIngested() {
	c.framesIngested++
}

// ObjectsSkipped adds n skipped BLF objects.
func (c *Counters) ObjectsSkipped(n int64) {
	c.skippedObjects += n
}

// Note counts one occurrence of k and returns a log event for its details.
// The caller must finish the event with Msg. The event may be nil when the
// level is disabled, which zerolog treats as a no-op.
func (c *Counters) Note(k Kind) *zerolog.Event {
	c.counts[k]++
	var e *zerolog.Event
	if k != UnresolvedIdentifier && !c.warned[k] {
		c.warned[k] = true
		e = c.logger.Warn()
	} else {
		e = c.logger.Debug()
	}
	return e.Str("condition", k.String())
}

// Count returns the occurrences of k so far.
func (c *Counters) Count(k Kind) int64 {
	return c.counts[k]
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesIngested        int64 `json:"frames_ingested"`
	SkippedObjects        int64 `json:"skipped_objects"`
	DLCMismatches         int64 `json:"dlc_mismatches"`
	UnresolvedIdentifiers int64 `json:"unresolved_identifiers"`
	UnsupportedWidths     int64 `json:"unsupported_widths"`
	DuplicateSignalNames  int64 `json:"duplicate_signal_names"`
	SignalsOutOfRange     int64 `json:"signals_out_of_range"`
}

// Issues returns the total of all condition counts.
func (s Snapshot) Issues() int64 {
	return s.DLCMismatches + s.UnresolvedIdentifiers + s.UnsupportedWidths +
		s.DuplicateSignalNames + s.SignalsOutOfRange
}

// Snapshot copies the current counts.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		FramesIngested:        c.framesIngested,
		SkippedObjects:        c.skippedObjects,
		DLCMismatches:         c.counts[DLCMismatch],
		UnresolvedIdentifiers: c.counts[UnresolvedIdentifier],
		UnsupportedWidths:     c.counts[UnsupportedSignalWidth],
		DuplicateSignalNames:  c.counts[DuplicateSignalName],
		SignalsOutOfRange:     c.counts[SignalOutOfRange],
	}
}

// Report logs a summary of the run. It logs at warn level when any condition
// was counted.
func (c *Counters) Report(logger zerolog.Logger) {
	s := c.Snapshot()
	e := logger.Info()
	if s.Issues() > 0 {
		e = logger.Warn()
	}
	e.Int64("frames_ingested", s.FramesIngested).
		Int64("skipped_objects", s.SkippedObjects).
		Int64("dlc_mismatches", s.DLCMismatches).
		Int64("unresolved_identifiers", s.UnresolvedIdentifiers).
		Int64("unsupported_widths", s.UnsupportedWidths).
		Int64("duplicate_signal_names", s.DuplicateSignalNames).
		Int64("signals_out_of_range", s.SignalsOutOfRange).
		Msg("Conversion diagnostics")
}
