package blf

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ObjectType identifies the payload of a BLF object.
type ObjectType uint32

// Object types handled by this package. All others are skipped.
const (
	ObjectTypeCANMessage   ObjectType = 1
	ObjectTypeLogContainer ObjectType = 10
	ObjectTypeCANMessage2  ObjectType = 86
)

// ObjectHeaderBase is the 16-byte header common to every BLF object.
type ObjectHeaderBase struct {
	Signature     uint32
	HeaderSize    uint16
	HeaderVersion uint16
	ObjectSize    uint32
	ObjectType    ObjectType
}

func parseObjectHeaderBase(b []byte) ObjectHeaderBase {
	return ObjectHeaderBase{
		Signature:     binary.LittleEndian.Uint32(b[0:4]),
		HeaderSize:    binary.LittleEndian.Uint16(b[4:6]),
		HeaderVersion: binary.LittleEndian.Uint16(b[6:8]),
		ObjectSize:    binary.LittleEndian.Uint32(b[8:12]),
		ObjectType:    ObjectType(binary.LittleEndian.Uint32(b[12:16])),
	}
}

// Stats are running counters for one object stream.
type Stats struct {
	Containers     int64
	ObjectsRead    int64
	ObjectsSkipped int64
	// LastObjectTime is the timestamp of the last CAN object, in nanoseconds
	// since measurement start.
	LastObjectTime int64
}

// ObjectStream reads whole BLF objects out of a ContainerBuffer.
type ObjectStream struct {
	buf   *ContainerBuffer
	stats Stats
}

// NewObjectStream wraps a container buffer.
func NewObjectStream(buf *ContainerBuffer) *ObjectStream {
	return &ObjectStream{buf: buf}
}

// Stats returns a copy of the running counters.
func (s *ObjectStream) Stats() Stats {
	st := s.stats
	st.Containers = s.buf.Containers()
	return st
}

// Peek returns the header of the next object without consuming it.
func (s *ObjectStream) Peek() (ObjectHeaderBase, error) {
	raw, err := s.buf.Peek(ObjectHeaderBaseSize)
	if err != nil {
		if errors.Is(err, ErrEndOfStream) && s.buf.Buffered() > 0 {
			return ObjectHeaderBase{}, fmt.Errorf("%w: %d trailing bytes", ErrTruncatedRecord, s.buf.Buffered())
		}
		return ObjectHeaderBase{}, err
	}

	h := parseObjectHeaderBase(raw)
	if h.Signature != objectSignature {
		return h, fmt.Errorf("%w: object signature 0x%08X", ErrCorruptContainer, h.Signature)
	}
	if h.ObjectSize < ObjectHeaderBaseSize {
		return h, fmt.Errorf("%w: object size %d", ErrCorruptContainer, h.ObjectSize)
	}
	return h, nil
}

// Read consumes the next object into dst. When the object is shorter than dst
// the remainder of dst is zeroed, so older record versions read as if their
// newer fields were zero. When it is longer, only len(dst) bytes are copied.
func (s *ObjectStream) Read(dst []byte) (ObjectHeaderBase, error) {
	h, err := s.Peek()
	if err != nil {
		return h, err
	}

	size := int(h.ObjectSize)
	data, err := s.buf.Peek(size)
	if err != nil {
		return h, s.truncated(h, err)
	}

	n := copy(dst, data)
	clear(dst[n:])

	if err := s.buf.Skip(size); err != nil {
		return h, s.truncated(h, err)
	}
	s.stats.ObjectsRead++
	return h, nil
}

// Skip consumes the next object without copying it.
func (s *ObjectStream) Skip() (ObjectHeaderBase, error) {
	h, err := s.Peek()
	if err != nil {
		return h, err
	}
	if err := s.buf.Skip(int(h.ObjectSize)); err != nil {
		return h, s.truncated(h, err)
	}
	s.stats.ObjectsSkipped++
	return h, nil
}

// Close releases the underlying buffer and source.
func (s *ObjectStream) Close() error {
	return s.buf.Close()
}

func (s *ObjectStream) noteTimestamp(ns int64) {
	s.stats.LastObjectTime = ns
}

func (s *ObjectStream) truncated(h ObjectHeaderBase, err error) error {
	if errors.Is(err, ErrEndOfStream) {
		return fmt.Errorf("%w: object type %d declares %d bytes, %d available",
			ErrTruncatedRecord, h.ObjectType, h.ObjectSize, s.buf.Buffered())
	}
	return err
}
