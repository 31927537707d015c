package tile

import (
	"fmt"
	"image"

	"github.com/pkg/errors"
)

// Format errors. Any of these returned from open means no container was created.
var (
	ErrNotThisFormat           = errors.New("not a supported raster container")
	ErrMalformedHeader         = errors.New("malformed header")
	ErrUnsupportedSampleFormat = errors.New("unsupported sample format")
	ErrUnsupportedCompression  = errors.New("unsupported compression")
	ErrNoUsableEntries         = errors.New("no usable entries")
)

// Decode errors, always wrapped with the block they occurred in.
var (
	ErrTruncatedBlock          = errors.New("truncated block")
	ErrMissingLUT              = errors.New("missing lookup table")
	ErrMissingCompressionTable = errors.New("missing compression table")
	ErrUnsupportedBandCount    = errors.New("unsupported band count")
	ErrDecoder                 = errors.New("decoder error")
)

// Access errors.
var (
	ErrInvalidLevel             = errors.New("invalid decimation level")
	ErrInvalidEntry             = errors.New("invalid entry")
	ErrOutOfBounds              = errors.New("position out of bounds")
	ErrInvalidBandList          = errors.New("invalid band list")
	ErrBandSelectionUnsupported = errors.New("band selection not supported for this entry")
	ErrClosed                   = errors.New("container is closed")
	ErrUnknownProperty          = errors.New("unknown property")
	ErrReadOnlyProperty         = errors.New("read-only property")
)

// PartialReadError reports the block whose read or decode failed while
// assembling a tile. The output tile is left blank-filled where that block
// would have contributed.
type PartialReadError struct {
	Entry  int
	Level  int
	Block  image.Point // column, row in the block grid
	Offset int64       // byte offset of the failed read, -1 if unknown
	Err    error
}

func (e *PartialReadError) Error() string {
	return fmt.Sprintf("entry %d level %d block (%d,%d) at offset %d: %v",
		e.Entry, e.Level, e.Block.X, e.Block.Y, e.Offset, e.Err)
}

func (e *PartialReadError) Unwrap() error {
	return e.Err
}

// OpenError is returned when a container parses but none of its entries can
// be served. It matches ErrNoUsableEntries and every per-entry cause.
type OpenError struct {
	Path        string
	Diagnostics []Diagnostic
}

func (e *OpenError) Error() string {
	msg := fmt.Sprintf("open %s: %v", e.Path, ErrNoUsableEntries)
	if len(e.Diagnostics) > 0 {
		msg += fmt.Sprintf(" (%d skipped, first: %s)", len(e.Diagnostics), e.Diagnostics[0])
	}
	return msg
}

func (e *OpenError) Unwrap() []error {
	errs := []error{ErrNoUsableEntries}
	for _, d := range e.Diagnostics {
		if d.Err != nil {
			errs = append(errs, d.Err)
		}
	}
	return errs
}
