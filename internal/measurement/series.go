// Package measurement groups raw CAN frames by identifier and bus and decodes
// the grouped payloads into signal time series.
package measurement

import (
	"fmt"

	"github.com/basekick-labs/canarc/internal/blf"
)

// growFrames is the number of frames a series grows by when full.
const growFrames = 1024

// FrameKey identifies a frame series. ID has the extended-frame marker
// stripped; Extended keeps 11-bit and 29-bit frames with the same number apart.
type FrameKey struct {
	ID       uint32
	Extended bool
	Bus      uint16
}

func (k FrameKey) String() string {
	if k.Extended {
		return fmt.Sprintf("0x%Xx@%d", k.ID, k.Bus)
	}
	return fmt.Sprintf("0x%X@%d", k.ID, k.Bus)
}

// FrameSeries holds every frame of one key. Payloads are stored back to back,
// DLC bytes per frame, with a parallel slice of timestamps in seconds.
type FrameSeries struct {
	Key FrameKey
	DLC int

	n       int
	payload []byte
	times   []float64

	// Set by Decode when a database defines the identifier.
	Message  string
	Database string
	Signals  map[string]*DecodedSeries
	// SignalOrder lists decoded signal names in database order.
	SignalOrder []string
}

func newFrameSeries(key FrameKey, dlc int) *FrameSeries {
	return &FrameSeries{Key: key, DLC: dlc}
}

// Len returns the number of frames.
func (s *FrameSeries) Len() int {
	return s.n
}

// Cap returns the number of frames the series holds before growing.
func (s *FrameSeries) Cap() int {
	return len(s.times)
}

// Times returns the frame timestamps in seconds.
func (s *FrameSeries) Times() []float64 {
	return s.times[:s.n]
}

// Payload returns the stored payload bytes, Len()*DLC of them.
func (s *FrameSeries) Payload() []byte {
	return s.payload[:s.n*s.DLC]
}

// Resolved reports whether Decode matched the series to a message definition.
func (s *FrameSeries) Resolved() bool {
	return s.Message != ""
}

func (s *FrameSeries) append(f *blf.RawFrame) {
	if s.n == len(s.times) {
		s.grow()
	}
	copy(s.payload[s.n*s.DLC:], f.Payload())
	s.times[s.n] = f.Seconds()
	s.n++
}

func (s *FrameSeries) grow() {
	frames := len(s.times) + growFrames
	payload := make([]byte, frames*s.DLC)
	times := make([]float64, frames)
	copy(payload, s.payload[:s.n*s.DLC])
	copy(times, s.times[:s.n])
	s.payload = payload
	s.times = times
}

// DecodedSeries is the physical value of one signal for every frame of its
// owning series. Frames where the signal could not be decoded hold NaN.
type DecodedSeries struct {
	Name   string
	Unit   string
	Values []float64
	owner  *FrameSeries
}

// Time returns the timestamps of the owning frame series.
func (d *DecodedSeries) Time() []float64 {
	return d.owner.Times()
}
