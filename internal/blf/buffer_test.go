package blf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/basekick-labs/canarc/internal/blf/blftest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(from, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(from + i)
	}
	return out
}

func stored(p []byte) []byte {
	return blftest.Container(CompressionNone, p, len(p))
}

func deflated(p []byte) []byte {
	return blftest.Container(CompressionZlib, blftest.Deflate(p), len(p))
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestContainerBuffer_PeekAcrossContainerBoundary(t *testing.T) {
	src := concat(stored(seq(0, 4)), deflated(seq(4, 8)))
	b := NewContainerBuffer(bytes.NewReader(src))

	first, err := b.Peek(4)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), first)
	assert.Equal(t, int64(1), b.Containers())

	got, err := b.Peek(10)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 10), got)
	assert.Equal(t, int64(2), b.Containers())

	// Peek does not consume.
	again, err := b.Peek(10)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 10), again)
}

func TestContainerBuffer_ReadAndSkipApplyPadding(t *testing.T) {
	b := NewContainerBuffer(bytes.NewReader(stored(seq(0, 16))))

	dst := make([]byte, 2)
	require.NoError(t, b.Read(dst))
	assert.Equal(t, []byte{0, 1}, dst)
	assert.Equal(t, 12, b.Buffered(), "2 bytes read plus 2 bytes padding")

	require.NoError(t, b.Skip(1)) // 1 byte plus 1 byte padding
	next, err := b.Peek(1)
	require.NoError(t, err)
	assert.Equal(t, byte(6), next[0])
}

func TestContainerBuffer_SkipTolerantOfMissingFinalPadding(t *testing.T) {
	b := NewContainerBuffer(bytes.NewReader(stored(seq(0, 3))))
	require.NoError(t, b.Skip(3))
	assert.Equal(t, 0, b.Buffered())

	_, err := b.Peek(1)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestContainerBuffer_EndOfStream(t *testing.T) {
	b := NewContainerBuffer(bytes.NewReader(stored(seq(0, 4))))

	_, err := b.Peek(8)
	assert.ErrorIs(t, err, ErrEndOfStream)

	// Buffered data is still available after a failed peek.
	got, err := b.Peek(4)
	require.NoError(t, err)
	assert.Equal(t, seq(0, 4), got)
}

func TestContainerBuffer_EmptySource(t *testing.T) {
	b := NewContainerBuffer(bytes.NewReader(nil))
	_, err := b.Peek(1)
	assert.ErrorIs(t, err, ErrEndOfStream)
}

func TestContainerBuffer_Errors(t *testing.T) {
	wrongType := stored(seq(0, 8))
	binary.LittleEndian.PutUint32(wrongType[12:16], uint32(ObjectTypeCANMessage))

	badSignature := stored(seq(0, 8))
	copy(badSignature[0:4], "XOBJ")

	unsupported := blftest.Container(1, seq(0, 8), 8)

	shortInflate := blftest.Container(CompressionZlib, blftest.Deflate(seq(0, 8)), 12)
	longInflate := blftest.Container(CompressionZlib, blftest.Deflate(seq(0, 8)), 4)
	notZlib := blftest.Container(CompressionZlib, seq(0, 8), 8)
	hugeDeclared := blftest.Container(CompressionZlib, blftest.Deflate(seq(0, 8)), 1<<30)
	overRatio := blftest.Container(CompressionZlib, blftest.Deflate(seq(0, 8)), 1<<20)

	hugeStored := stored(seq(0, 8))
	binary.LittleEndian.PutUint32(hugeStored[8:12], 1<<31)

	truncatedPayload := stored(seq(0, 40))[:50]
	truncatedHeader := stored(seq(0, 8))[:20]

	tests := []struct {
		name string
		src  []byte
		want error
	}{
		{"wrong object type", wrongType, ErrCorruptContainer},
		{"bad signature", badSignature, ErrCorruptContainer},
		{"unsupported compression", unsupported, ErrUnsupportedCompression},
		{"inflates short of declared size", shortInflate, ErrCorruptContainer},
		{"inflates beyond declared size", longInflate, ErrCorruptContainer},
		{"payload is not zlib", notZlib, ErrCorruptContainer},
		{"declared size beyond limit", hugeDeclared, ErrCorruptContainer},
		{"declared size beyond deflate ratio", overRatio, ErrCorruptContainer},
		{"stored payload beyond limit", hugeStored, ErrCorruptContainer},
		{"truncated payload", truncatedPayload, ErrTruncatedRecord},
		{"truncated header", truncatedHeader, ErrTruncatedRecord},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewContainerBuffer(bytes.NewReader(tt.src))
			_, err := b.Peek(1)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsStreamError(err))
			assert.Less(t, len(b.buf), 1<<20, "rejected before allocating")
		})
	}
}

func TestContainerBuffer_GrowthPreservesUnreadBytes(t *testing.T) {
	var parts [][]byte
	var want []byte
	for i := 0; i < 12; i++ {
		chunk := seq(i*200, 400)
		want = append(want, chunk...)
		if i%2 == 0 {
			parts = append(parts, deflated(chunk))
		} else {
			parts = append(parts, stored(chunk))
		}
	}
	b := NewContainerBuffer(bytes.NewReader(concat(parts...)))

	// Consume in 4-byte records so padding never applies, with a large
	// peek in between to force growth past the initial capacity.
	var got []byte
	big, err := b.Peek(2000)
	require.NoError(t, err)
	assert.Equal(t, want[:2000], big)

	dst := make([]byte, 4)
	for {
		err := b.Read(dst)
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		require.NoError(t, err)
		got = append(got, dst...)
	}
	assert.Equal(t, want, got)
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestContainerBuffer_CloseClosesSource(t *testing.T) {
	src := &closeRecorder{Reader: bytes.NewReader(stored(seq(0, 4)))}
	b := NewContainerBuffer(src)
	require.NoError(t, b.Close())
	assert.True(t, src.closed)
}
