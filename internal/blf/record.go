package blf

import (
	"encoding/binary"
	"fmt"

	"go.einride.tech/can"
)

// Object header flags selecting the timestamp unit.
const (
	timeTenMicros = 0x00000001
	timeOneNanos  = 0x00000002
)

const (
	canFlagRemote   = 0x80
	canIDExtended   = 0x80000000
	canIDMask       = 0x1FFFFFFF
	canPayloadSize  = 16 // channel, flags, dlc, id, data[8]
	canMaxDLC       = 8
	canObjectBuffer = 64 // v2 object header (40) + CAN_MESSAGE2 payload (24)
)

// RawFrame is one CAN data frame with its bus and a timestamp normalized to
// seconds and nanoseconds since measurement start.
type RawFrame struct {
	Sec  int64
	Nsec int64
	Bus  uint16
	can.Frame
}

// Seconds returns the timestamp as floating-point seconds. Precision below a
// nanosecond is lost once Sec exceeds 2^52.
func (f RawFrame) Seconds() float64 {
	return float64(f.Sec) + float64(f.Nsec)*1e-9
}

// Payload returns the first DLC bytes of the frame data.
func (f *RawFrame) Payload() []byte {
	return f.Data[:f.Length]
}

// objectTimestamp returns the object timestamp in nanoseconds.
func objectTimestamp(h ObjectHeaderBase, obj []byte) (int64, error) {
	switch h.HeaderVersion {
	case 1, 2:
		// v1: flags, client index, object version, timestamp.
		// v2: flags, timestamp status, reserved, object version, timestamp, original timestamp.
		// Both place flags at 16 and the timestamp at 24.
	default:
		return 0, fmt.Errorf("%w: object header version %d", ErrCorruptContainer, h.HeaderVersion)
	}
	flags := binary.LittleEndian.Uint32(obj[16:20])
	ts := int64(binary.LittleEndian.Uint64(obj[24:32]))
	if flags&timeOneNanos != 0 {
		return ts, nil
	}
	return ts * 10_000, nil
}

// decodeCANObject turns a CAN_MESSAGE or CAN_MESSAGE2 object into a RawFrame.
func decodeCANObject(h ObjectHeaderBase, obj []byte) (RawFrame, int64, error) {
	ns, err := objectTimestamp(h, obj)
	if err != nil {
		return RawFrame{}, 0, err
	}

	off := int(h.HeaderSize)
	if off < ObjectHeaderBaseSize || off+canPayloadSize > len(obj) || off+canPayloadSize > int(h.ObjectSize) {
		return RawFrame{}, 0, fmt.Errorf("%w: CAN object header size %d, object size %d",
			ErrCorruptContainer, h.HeaderSize, h.ObjectSize)
	}
	p := obj[off : off+canPayloadSize]

	dlc := p[3]
	if dlc > canMaxDLC {
		dlc = canMaxDLC
	}
	id := binary.LittleEndian.Uint32(p[4:8])

	f := RawFrame{
		Sec:  ns / 1_000_000_000,
		Nsec: ns % 1_000_000_000,
		Bus:  binary.LittleEndian.Uint16(p[0:2]),
		Frame: can.Frame{
			ID:         id & canIDMask,
			Length:     dlc,
			IsRemote:   p[2]&canFlagRemote != 0,
			IsExtended: id&canIDExtended != 0,
		},
	}
	copy(f.Data[:], p[8:16])
	return f, ns, nil
}
