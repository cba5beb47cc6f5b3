package blf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// ScannerConfig holds options for a Scanner.
type ScannerConfig struct {
	// TimeResolution truncates frame timestamps to a multiple of this many
	// nanoseconds. Zero keeps full resolution.
	TimeResolution int64
	Logger         zerolog.Logger
}

// Scanner yields the CAN data frames of one BLF file as a finite, single-pass
// sequence:
//
//	for sc.Scan() {
//		f := sc.Frame()
//		...
//	}
//	if err := sc.Err(); err != nil { ... }
//
// Non-CAN objects and remote frames are skipped and counted.
type Scanner struct {
	header  FileHeader
	objects *ObjectStream
	cfg     ScannerConfig
	logger  zerolog.Logger

	frame   RawFrame
	scratch [canObjectBuffer]byte
	remote  int64
	err     error
	done    bool
}

// Open opens a BLF file and reads its header. The caller must Close the scanner.
func Open(path string, cfg *ScannerConfig) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blf file: %w", err)
	}
	sc, err := NewScanner(readCloser{bufio.NewReaderSize(f, 64*1024), f}, cfg)
	if err != nil {
		f.Close()
		return nil, err
	}
	return sc, nil
}

// NewScanner reads the file header from r and prepares to scan frames. If r
// is an io.Closer it is closed by Close.
func NewScanner(r io.Reader, cfg *ScannerConfig) (*Scanner, error) {
	if cfg == nil {
		cfg = &ScannerConfig{Logger: zerolog.Nop()}
	}
	if cfg.TimeResolution < 0 {
		return nil, fmt.Errorf("time resolution must not be negative, got %d", cfg.TimeResolution)
	}

	header, err := ReadFileHeader(r)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "blf-scanner").Logger()
	logger.Debug().
		Uint32("object_count", header.ObjectCount).
		Uint64("file_size", header.FileSize).
		Uint64("uncompressed_size", header.UncompressedSize).
		Time("measurement_start", header.MeasurementStart.Time()).
		Msg("Read BLF file header")

	return &Scanner{
		header:  header,
		objects: NewObjectStream(NewContainerBuffer(r)),
		cfg:     *cfg,
		logger:  logger,
	}, nil
}

// Header returns the file header statistics.
func (s *Scanner) Header() FileHeader {
	return s.header
}

// Stats returns the running object counters. Skipped remote frames are
// included in ObjectsSkipped.
func (s *Scanner) Stats() Stats {
	st := s.objects.Stats()
	st.ObjectsSkipped += s.remote
	return st
}

// Scan advances to the next CAN data frame. It returns false at the end of
// the file or on the first stream error, which Err then reports.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	for {
		h, err := s.objects.Peek()
		if err != nil {
			return s.stop(err)
		}

		switch h.ObjectType {
		case ObjectTypeCANMessage, ObjectTypeCANMessage2:
			if _, err := s.objects.Read(s.scratch[:]); err != nil {
				return s.stop(err)
			}
			frame, ns, err := decodeCANObject(h, s.scratch[:])
			if err != nil {
				return s.stop(err)
			}
			s.objects.noteTimestamp(ns)
			if frame.IsRemote {
				s.remote++
				continue
			}
			if res := s.cfg.TimeResolution; res > 0 {
				frame.Nsec -= frame.Nsec % res
			}
			s.frame = frame
			return true

		default:
			if _, err := s.objects.Skip(); err != nil {
				return s.stop(err)
			}
		}
	}
}

// Frame returns the frame read by the last successful Scan.
func (s *Scanner) Frame() RawFrame {
	return s.frame
}

// Err returns the stream error that ended scanning, or nil at a clean end of file.
func (s *Scanner) Err() error {
	return s.err
}

// Close releases the buffers and the underlying file.
func (s *Scanner) Close() error {
	s.done = true
	return s.objects.Close()
}

func (s *Scanner) stop(err error) bool {
	s.done = true
	if !errors.Is(err, ErrEndOfStream) {
		s.err = err
		s.logger.Debug().Err(err).Msg("BLF stream aborted")
	}
	return false
}

type readCloser struct {
	io.Reader
	io.Closer
}
