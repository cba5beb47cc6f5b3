package blf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Container compression methods.
const (
	CompressionNone = 0
	CompressionZlib = 2
)

const initialBufferSize = 1024

// Size limits applied to container headers before anything is allocated.
// Writers emit containers of about 128 KiB; deflate expands at most 1032:1.
const (
	maxContainerBytes = 64 << 20
	maxInflateRatio   = 1032
)

// ContainerBuffer is a growable byte window over the decompressed contents of
// consecutive LOG_CONTAINER objects. Bytes are pulled from the source one
// container at a time, only when a Peek/Read/Skip needs more than is buffered.
//
// A ContainerBuffer is not safe for concurrent use.
type ContainerBuffer struct {
	src io.Reader

	buf  []byte // backing storage, len(buf) is the capacity
	pos  int    // offset of the first unread byte
	size int    // number of unread bytes

	zbuf []byte        // compressed payload scratch, reused across refills
	zr   io.ReadCloser // zlib reader, reset per container

	containers int64
	eof        bool
}

// NewContainerBuffer creates a buffer reading containers from src. src must be
// positioned at the first object after the file header.
func NewContainerBuffer(src io.Reader) *ContainerBuffer {
	return &ContainerBuffer{
		src: src,
		buf: make([]byte, initialBufferSize),
	}
}

// Buffered returns the number of decompressed bytes not yet consumed.
func (b *ContainerBuffer) Buffered() int {
	return b.size
}

// Containers returns how many containers have been loaded so far.
func (b *ContainerBuffer) Containers() int64 {
	return b.containers
}

// Peek returns the next n bytes without consuming them. The returned slice
// aliases the internal buffer and is only valid until the next call.
func (b *ContainerBuffer) Peek(n int) ([]byte, error) {
	if err := b.fill(n); err != nil {
		return nil, err
	}
	return b.buf[b.pos : b.pos+n], nil
}

// Read copies the next len(dst) bytes into dst and consumes them, including
// the record's alignment padding.
func (b *ContainerBuffer) Read(dst []byte) error {
	data, err := b.Peek(len(dst))
	if err != nil {
		return err
	}
	copy(dst, data)
	return b.Skip(len(dst))
}

// Skip consumes n bytes plus the record's alignment padding without copying.
func (b *ContainerBuffer) Skip(n int) error {
	if err := b.fill(n); err != nil {
		return err
	}
	b.consume(n)

	// The last record of a file may omit its padding.
	pad := alignPadding(n)
	if pad == 0 {
		return nil
	}
	if err := b.fill(pad); err != nil {
		if errors.Is(err, ErrEndOfStream) {
			b.consume(b.size)
			return nil
		}
		return err
	}
	b.consume(pad)
	return nil
}

// Close releases the buffers and closes the source if it is an io.Closer.
func (b *ContainerBuffer) Close() error {
	b.buf = nil
	b.zbuf = nil
	b.pos, b.size = 0, 0
	if b.zr != nil {
		_ = b.zr.Close()
		b.zr = nil
	}
	if c, ok := b.src.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *ContainerBuffer) consume(n int) {
	b.pos += n
	b.size -= n
	if b.size == 0 {
		b.pos = 0
	}
}

// fill refills until at least n bytes are buffered.
func (b *ContainerBuffer) fill(n int) error {
	for b.size < n {
		if err := b.refill(); err != nil {
			return err
		}
	}
	return nil
}

// refill loads the next container from the source and appends its payload.
func (b *ContainerBuffer) refill() error {
	if b.eof {
		return ErrEndOfStream
	}

	var hdr [ContainerHeaderSize]byte
	n, err := io.ReadFull(b.src, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) {
			b.eof = true
			return ErrEndOfStream
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: container header has %d of %d bytes", ErrTruncatedRecord, n, ContainerHeaderSize)
		}
		return fmt.Errorf("read container header: %w", err)
	}

	if sig := binary.LittleEndian.Uint32(hdr[0:4]); sig != objectSignature {
		return fmt.Errorf("%w: signature 0x%08X", ErrCorruptContainer, sig)
	}
	objType := ObjectType(binary.LittleEndian.Uint32(hdr[12:16]))
	if objType != ObjectTypeLogContainer {
		return fmt.Errorf("%w: expected log container, found object type %d", ErrCorruptContainer, objType)
	}

	objectSize := int(binary.LittleEndian.Uint32(hdr[8:12]))
	if objectSize < ContainerHeaderSize {
		return fmt.Errorf("%w: container size %d smaller than its header", ErrCorruptContainer, objectSize)
	}
	compression := binary.LittleEndian.Uint16(hdr[16:18])
	payloadSize := objectSize - ContainerHeaderSize
	declared := int(binary.LittleEndian.Uint32(hdr[24:28]))
	if payloadSize > maxContainerBytes {
		return fmt.Errorf("%w: container payload of %d bytes exceeds %d", ErrCorruptContainer, payloadSize, maxContainerBytes)
	}

	switch compression {
	case CompressionNone:
		b.reserve(payloadSize)
		tail := b.buf[b.pos+b.size : b.pos+b.size+payloadSize]
		if _, err := io.ReadFull(b.src, tail); err != nil {
			return fmt.Errorf("%w: stored container payload: %v", ErrTruncatedRecord, err)
		}
		b.size += payloadSize

	case CompressionZlib:
		if declared > maxContainerBytes || declared > payloadSize*maxInflateRatio {
			return fmt.Errorf("%w: %d compressed bytes cannot inflate to declared %d", ErrCorruptContainer, payloadSize, declared)
		}
		if cap(b.zbuf) < payloadSize {
			b.zbuf = make([]byte, payloadSize)
		}
		zdata := b.zbuf[:payloadSize]
		if _, err := io.ReadFull(b.src, zdata); err != nil {
			return fmt.Errorf("%w: compressed container payload: %v", ErrTruncatedRecord, err)
		}
		b.reserve(declared)
		if err := b.inflate(zdata, declared); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedCompression, compression)
	}

	b.containers++

	if pad := alignPadding(objectSize); pad > 0 {
		if _, err := io.CopyN(io.Discard, b.src, int64(pad)); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("skip container padding: %w", err)
		}
	}
	return nil
}

// reserve makes room for n incoming bytes at the tail: compact first, then
// grow the backing allocation to exactly fit.
func (b *ContainerBuffer) reserve(n int) {
	if n <= len(b.buf)-(b.pos+b.size) {
		return
	}
	if b.pos > 0 {
		copy(b.buf, b.buf[b.pos:b.pos+b.size])
		b.pos = 0
		if n <= len(b.buf)-b.size {
			return
		}
	}
	grown := make([]byte, b.size+n)
	copy(grown, b.buf[:b.size])
	b.buf = grown
}

// inflate decompresses zdata into the buffer tail and checks the result
// against the size the container declared.
func (b *ContainerBuffer) inflate(zdata []byte, declared int) error {
	src := bytes.NewReader(zdata)
	if b.zr == nil {
		zr, err := zlib.NewReader(src)
		if err != nil {
			return fmt.Errorf("%w: zlib header: %v", ErrCorruptContainer, err)
		}
		b.zr = zr
	} else if err := b.zr.(zlib.Resetter).Reset(src, nil); err != nil {
		return fmt.Errorf("%w: zlib header: %v", ErrCorruptContainer, err)
	}

	tail := b.buf[b.pos+b.size : b.pos+b.size+declared]
	n, err := io.ReadFull(b.zr, tail)
	if err != nil {
		return fmt.Errorf("%w: inflated %d of %d declared bytes: %v", ErrCorruptContainer, n, declared, err)
	}

	// The stream must end exactly at the declared size.
	var probe [1]byte
	extra, err := b.zr.Read(probe[:])
	if extra > 0 {
		return fmt.Errorf("%w: inflated data exceeds declared %d bytes", ErrCorruptContainer, declared)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrCorruptContainer, err)
	}

	b.size += declared
	return nil
}
