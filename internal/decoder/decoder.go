// Package decoder extracts bit fields from CAN payloads and converts them to
// physical values.
package decoder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/basekick-labs/canarc/internal/catalog"
)

var (
	// ErrUnsupportedSignalWidth is returned for signals wider than 64 bits.
	ErrUnsupportedSignalWidth = errors.New("signal wider than 64 bits")

	// ErrSignalOutOfRange is returned when no sample of a series could be decoded
	// because the signal does not fit the payload.
	ErrSignalOutOfRange = errors.New("signal out of payload range")
)

// MaxSignalWidth is the widest signal the decoder handles.
const MaxSignalWidth = 64

// ExtractRaw returns the raw bits of s from payload, right-aligned. It reports
// false when the signal does not lie inside the 64-bit window.
func ExtractRaw(s *catalog.SignalSpec, payload []byte) (uint64, bool) {
	if s.Length <= 0 || s.Length > MaxSignalWidth {
		return 0, false
	}
	dlc := min(len(payload), 8)

	var scratch [8]byte
	start := s.StartBit
	if s.ByteOrder == catalog.BigEndian {
		for i := 0; i < dlc; i++ {
			scratch[i] = payload[dlc-1-i]
		}
		// StartBit names the most significant bit. After reversing the bytes,
		// find where the least significant bit landed.
		start = 8*(dlc-1-start/8) + start%8 - (s.Length - 1)
	} else {
		copy(scratch[:], payload[:dlc])
	}

	if start < 0 || start+s.Length > MaxSignalWidth {
		return 0, false
	}

	raw := binary.LittleEndian.Uint64(scratch[:]) >> uint(start)
	if s.Length < 64 {
		raw &= 1<<uint(s.Length) - 1
	}
	return raw, true
}

// ToPhysical converts a raw value to its physical value using the signal's
// value kind, signedness, scale and offset.
func ToPhysical(raw uint64, s *catalog.SignalSpec) float64 {
	var v float64
	switch s.Kind {
	case catalog.Float32:
		v = float64(math.Float32frombits(uint32(raw)))
	case catalog.Float64:
		v = math.Float64frombits(raw)
	default:
		if s.Signed {
			v = float64(SignExtend(raw, s.Length))
		} else {
			v = float64(raw)
		}
	}
	return v*s.Scale + s.Offset
}

// SignExtend interprets the low width bits of raw as a two's complement number.
func SignExtend(raw uint64, width int) int64 {
	if width <= 0 || width >= 64 {
		return int64(raw)
	}
	shift := uint(64 - width)
	return int64(raw<<shift) >> shift
}

// Series is a run of N frames of one identifier, DLC payload bytes each,
// stored contiguously. N is explicit because zero-length frames carry no
// payload bytes to count.
type Series struct {
	Payload []byte
	DLC     int
	N       int
}

// Len returns the number of frames.
func (s Series) Len() int {
	return s.N
}

// At returns the payload of frame i. Frames with DLC 0 have an empty payload.
func (s Series) At(i int) []byte {
	if s.DLC <= 0 {
		return nil
	}
	return s.Payload[i*s.DLC : (i+1)*s.DLC]
}

// DecodeSeries decodes spec for every frame of series. Frames for which
// present returns false are left NaN; a nil present decodes every frame. Frames
// where the signal falls outside the payload window are also NaN.
// ErrSignalOutOfRange is returned only when frames were attempted and none
// could be decoded.
func DecodeSeries(spec *catalog.SignalSpec, series Series, present func(i int) bool) ([]float64, error) {
	if spec.Length > MaxSignalWidth {
		return nil, fmt.Errorf("%w: %s is %d bits", ErrUnsupportedSignalWidth, spec.Name, spec.Length)
	}

	n := series.Len()
	values := make([]float64, n)
	attempted, decoded := 0, 0
	for i := 0; i < n; i++ {
		if present != nil && !present(i) {
			values[i] = math.NaN()
			continue
		}
		attempted++
		raw, ok := ExtractRaw(spec, series.At(i))
		if !ok {
			values[i] = math.NaN()
			continue
		}
		values[i] = ToPhysical(raw, spec)
		decoded++
	}

	if attempted > 0 && decoded == 0 {
		return nil, fmt.Errorf("%w: %s start bit %d length %d, dlc %d",
			ErrSignalOutOfRange, spec.Name, spec.StartBit, spec.Length, series.DLC)
	}
	return values, nil
}
