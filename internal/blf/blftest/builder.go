// Package blftest builds small synthetic BLF files for tests.
package blftest

import (
	"bytes"
	"encoding/binary"

	"github.com/klauspost/compress/zlib"
)

const (
	objectTypeCANMessage   = 1
	objectTypeLogContainer = 10
	objectTypeCANMessage2  = 86
	objectTypeAppText      = 65

	compressionNone = 0
	compressionZlib = 2
)

// Frame describes one CAN object to encode.
type Frame struct {
	Channel  uint16
	ID       uint32 // bit 31 marks an extended identifier
	DLC      uint8
	Data     [8]byte
	Remote   bool
	TimeNS   uint64
	Version2 bool // use CAN_MESSAGE2 with a v2 object header
}

// Builder accumulates objects into containers and renders a complete file.
type Builder struct {
	pending bytes.Buffer // object stream of the container being built
	body    bytes.Buffer // finished containers
	objects uint32
}

// New returns an empty builder.
func New() *Builder {
	return &Builder{}
}

// AddFrame appends a CAN object to the current container.
func (b *Builder) AddFrame(f Frame) *Builder {
	b.pending.Write(EncodeFrame(f))
	b.objects++
	return b
}

// AddText appends a non-CAN object that readers are expected to skip.
func (b *Builder) AddText(text string) *Builder {
	payload := make([]byte, 16+len(text))
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(text)))
	copy(payload[16:], text)
	b.pending.Write(encodeObject(objectTypeAppText, 1, 0x02, 0, payload))
	b.objects++
	return b
}

// AddRaw appends arbitrary bytes to the current container's object stream.
func (b *Builder) AddRaw(p []byte) *Builder {
	b.pending.Write(p)
	return b
}

// Stored closes the current container without compression.
func (b *Builder) Stored() *Builder {
	b.body.Write(Container(compressionNone, b.pending.Bytes(), b.pending.Len()))
	b.pending.Reset()
	return b
}

// Zlib closes the current container with zlib compression.
func (b *Builder) Zlib() *Builder {
	b.body.Write(Container(compressionZlib, Deflate(b.pending.Bytes()), b.pending.Len()))
	b.pending.Reset()
	return b
}

// Bytes renders the file header followed by all finished containers.
func (b *Builder) Bytes() []byte {
	out := FileHeader(b.objects)
	return append(out, b.body.Bytes()...)
}

// FileHeader returns a 144-byte LOGG header.
func FileHeader(objects uint32) []byte {
	h := make([]byte, 144)
	copy(h[0:4], "LOGG")
	binary.LittleEndian.PutUint32(h[4:8], 144)
	h[8] = 5 // application id
	h[9], h[10], h[11] = 1, 2, 3
	h[12], h[13], h[14], h[15] = 4, 1, 2, 0
	binary.LittleEndian.PutUint32(h[32:36], objects)
	binary.LittleEndian.PutUint16(h[40:42], 2024)
	binary.LittleEndian.PutUint16(h[42:44], 3)
	binary.LittleEndian.PutUint16(h[46:48], 14)
	binary.LittleEndian.PutUint16(h[48:50], 9)
	return h
}

// Container wraps a payload in a LOG_CONTAINER object including padding.
func Container(compression uint16, payload []byte, uncompressed int) []byte {
	size := 32 + len(payload)
	out := make([]byte, 32, size+size%4)
	copy(out[0:4], "LOBJ")
	binary.LittleEndian.PutUint16(out[4:6], 16)
	binary.LittleEndian.PutUint16(out[6:8], 1)
	binary.LittleEndian.PutUint32(out[8:12], uint32(size))
	binary.LittleEndian.PutUint32(out[12:16], objectTypeLogContainer)
	binary.LittleEndian.PutUint16(out[16:18], compression)
	binary.LittleEndian.PutUint32(out[24:28], uint32(uncompressed))
	out = append(out, payload...)
	return append(out, make([]byte, size%4)...)
}

// Deflate zlib-compresses p.
func Deflate(p []byte) []byte {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, _ = zw.Write(p)
	_ = zw.Close()
	return buf.Bytes()
}

// EncodeFrame encodes a CAN_MESSAGE or CAN_MESSAGE2 object including padding.
func EncodeFrame(f Frame) []byte {
	payloadSize := 16
	objType := uint32(objectTypeCANMessage)
	headerVersion := uint16(1)
	if f.Version2 {
		payloadSize = 24
		objType = objectTypeCANMessage2
		headerVersion = 2
	}
	payload := make([]byte, payloadSize)
	binary.LittleEndian.PutUint16(payload[0:2], f.Channel)
	if f.Remote {
		payload[2] = 0x80
	}
	payload[3] = f.DLC
	binary.LittleEndian.PutUint32(payload[4:8], f.ID)
	copy(payload[8:16], f.Data[:])
	return encodeObject(objType, headerVersion, 0x02, f.TimeNS, payload)
}

func encodeObject(objType uint32, headerVersion uint16, flags uint32, ts uint64, payload []byte) []byte {
	headerSize := 32
	if headerVersion == 2 {
		headerSize = 40
	}
	size := headerSize + len(payload)
	out := make([]byte, headerSize, size+size%4)
	copy(out[0:4], "LOBJ")
	binary.LittleEndian.PutUint16(out[4:6], uint16(headerSize))
	binary.LittleEndian.PutUint16(out[6:8], headerVersion)
	binary.LittleEndian.PutUint32(out[8:12], uint32(size))
	binary.LittleEndian.PutUint32(out[12:16], objType)
	binary.LittleEndian.PutUint32(out[16:20], flags)
	binary.LittleEndian.PutUint64(out[24:32], ts)
	out = append(out, payload...)
	return append(out, make([]byte, size%4)...)
}
