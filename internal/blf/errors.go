package blf

import "errors"

var (
	// ErrEndOfStream is returned once the source holds no further containers.
	// It marks the normal end of a log file and is not logged as an error.
	ErrEndOfStream = errors.New("blf: end of stream")

	// ErrTruncatedRecord indicates an object declares more bytes than the file holds.
	ErrTruncatedRecord = errors.New("blf: truncated record")

	// ErrCorruptContainer indicates a malformed log container or object header.
	ErrCorruptContainer = errors.New("blf: corrupt container")

	// ErrUnsupportedCompression indicates a container compression method other than stored or zlib.
	ErrUnsupportedCompression = errors.New("blf: unsupported compression method")

	// ErrInvalidFileHeader indicates the file does not start with a LOGG statistics header.
	ErrInvalidFileHeader = errors.New("blf: invalid file header")
)

// IsStreamError reports whether err aborts decoding of the current file.
func IsStreamError(err error) bool {
	return errors.Is(err, ErrTruncatedRecord) ||
		errors.Is(err, ErrCorruptContainer) ||
		errors.Is(err, ErrUnsupportedCompression) ||
		errors.Is(err, ErrInvalidFileHeader)
}
