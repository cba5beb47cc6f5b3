package blf

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// BLF layout constants. All multi-byte fields are little-endian.
const (
	FileHeaderSize       = 144
	ObjectHeaderBaseSize = 16
	ContainerHeaderSize  = 32

	fileSignature   = 0x47474F4C // "LOGG"
	objectSignature = 0x4A424F4C // "LOBJ"
)

// SystemTime mirrors the Windows SYSTEMTIME structure stored in the file header.
type SystemTime struct {
	Year         uint16
	Month        uint16
	DayOfWeek    uint16
	Day          uint16
	Hour         uint16
	Minute       uint16
	Second       uint16
	Milliseconds uint16
}

// Time converts the SYSTEMTIME to a UTC time.Time. A zero SYSTEMTIME yields the zero time.
func (s SystemTime) Time() time.Time {
	if s.Year == 0 {
		return time.Time{}
	}
	return time.Date(int(s.Year), time.Month(s.Month), int(s.Day),
		int(s.Hour), int(s.Minute), int(s.Second), int(s.Milliseconds)*int(time.Millisecond), time.UTC)
}

func parseSystemTime(b []byte) SystemTime {
	return SystemTime{
		Year:         binary.LittleEndian.Uint16(b[0:2]),
		Month:        binary.LittleEndian.Uint16(b[2:4]),
		DayOfWeek:    binary.LittleEndian.Uint16(b[4:6]),
		Day:          binary.LittleEndian.Uint16(b[6:8]),
		Hour:         binary.LittleEndian.Uint16(b[8:10]),
		Minute:       binary.LittleEndian.Uint16(b[10:12]),
		Second:       binary.LittleEndian.Uint16(b[12:14]),
		Milliseconds: binary.LittleEndian.Uint16(b[14:16]),
	}
}

// FileHeader is the LOGG statistics block at the start of every BLF file.
// Only its statistics are used; the rest of the file is read through containers.
type FileHeader struct {
	HeaderSize       uint32
	ApplicationID    uint8
	ApplicationMajor uint8
	ApplicationMinor uint8
	ApplicationBuild uint8
	BinLogMajor      uint8
	BinLogMinor      uint8
	BinLogBuild      uint8
	BinLogPatch      uint8
	FileSize         uint64
	UncompressedSize uint64
	ObjectCount      uint32
	ObjectsRead      uint32
	MeasurementStart SystemTime
	LastObjectTime   SystemTime
}

// ReadFileHeader reads and validates the LOGG header, discarding any bytes a newer
// writer placed beyond the known 144-byte layout.
func ReadFileHeader(r io.Reader) (FileHeader, error) {
	var raw [FileHeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return FileHeader{}, fmt.Errorf("%w: %v", ErrInvalidFileHeader, err)
	}
	if sig := binary.LittleEndian.Uint32(raw[0:4]); sig != fileSignature {
		return FileHeader{}, fmt.Errorf("%w: signature 0x%08X", ErrInvalidFileHeader, sig)
	}

	h := FileHeader{
		HeaderSize:       binary.LittleEndian.Uint32(raw[4:8]),
		ApplicationID:    raw[8],
		ApplicationMajor: raw[9],
		ApplicationMinor: raw[10],
		ApplicationBuild: raw[11],
		BinLogMajor:      raw[12],
		BinLogMinor:      raw[13],
		BinLogBuild:      raw[14],
		BinLogPatch:      raw[15],
		FileSize:         binary.LittleEndian.Uint64(raw[16:24]),
		UncompressedSize: binary.LittleEndian.Uint64(raw[24:32]),
		ObjectCount:      binary.LittleEndian.Uint32(raw[32:36]),
		ObjectsRead:      binary.LittleEndian.Uint32(raw[36:40]),
		MeasurementStart: parseSystemTime(raw[40:56]),
		LastObjectTime:   parseSystemTime(raw[56:72]),
	}

	if h.HeaderSize > FileHeaderSize {
		extra := int64(h.HeaderSize - FileHeaderSize)
		if _, err := io.CopyN(io.Discard, r, extra); err != nil {
			return FileHeader{}, fmt.Errorf("%w: extended header: %v", ErrInvalidFileHeader, err)
		}
	}
	return h, nil
}

// alignPadding returns the number of filler bytes a BLF writer places after a
// record of n bytes. Writers pad by n mod 4, which is what real files contain.
func alignPadding(n int) int {
	return n % 4
}
