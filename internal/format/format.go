package format

import (
	"io"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/source"
	"github.com/kiesman99/rastile/pkg/tile"
)

// Kind names a container family.
type Kind string

const (
	KindTIFF Kind = "TIFF"
	KindNITF Kind = "NITF"
)

// Entry is one independently addressable image with its decimation levels.
type Entry struct {
	ID     int
	Levels []*tile.LayoutDescriptor
}

// Result is the outcome of inspecting a container.
type Result struct {
	Kind    Kind
	Entries []Entry
	Skipped []tile.Diagnostic
}

// Options tune how descriptors are built.
type Options struct {
	Logger log.Interface
	// ApplyPalette expands TIFF color maps to three output bands.
	ApplyPalette bool
}

func (o *Options) logger() log.Interface {
	if o.Logger == nil {
		return log.Log
	}
	return o.Logger
}

// skip records and logs a dropped entry or level.
func (o *Options) skip(res *Result, entry, level int, err error) {
	d := tile.Diagnostic{Entry: entry, Level: level, Reason: err.Error(), Err: err}
	res.Skipped = append(res.Skipped, d)
	o.logger().WithFields(log.Fields{
		"entry": entry,
		"level": level,
		"kind":  res.Kind,
	}).Warnf("skipping: %v", err)
}

// Inspect sniffs the container magic and parses it. It fails with
// tile.ErrNotThisFormat when neither parser recognizes the data, and with a
// *tile.OpenError when the container parses but has no usable entries.
func Inspect(r io.ReaderAt, size int64, opts Options) (*Result, error) {
	magic := make([]byte, 9)
	n, _ := r.ReadAt(magic, 0)
	magic = magic[:n]

	var (
		res *Result
		err error
	)
	switch {
	case isTIFF(magic):
		res, err = parseTIFF(r, size, &opts)
	case isNITF(magic):
		res, err = parseNITF(r, size, &opts)
	default:
		return nil, tile.ErrNotThisFormat
	}
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, &tile.OpenError{Path: nameOf(r), Diagnostics: res.Skipped}
	}
	return res, nil
}

func nameOf(r io.ReaderAt) string {
	if s, ok := r.(*source.Source); ok {
		return s.Name()
	}
	return "container"
}

// scalarFor applies the sample type precedence table. bits is the stored
// width, actual the significant width (0 if unknown), maxSample the declared
// maximum (0 if unknown).
func scalarFor(bits, actual int, f tile.SampleFormat, maxSample float64) (tile.ScalarType, error) {
	switch {
	case bits <= 0:
	case bits < 8:
		return tile.Uint8, nil
	case bits == 8:
		if f == tile.SampleSigned {
			return tile.Int8, nil
		}
		return tile.Uint8, nil
	case bits == 11:
		return tile.Uint11, nil
	case bits == 12:
		return tile.Uint12, nil
	case bits < 16:
		return tile.Uint16, nil
	case bits == 16:
		switch {
		case f == tile.SampleFloat:
		case f == tile.SampleSigned:
			return tile.Int16, nil
		case actual == 11 || (actual == 0 && maxSample > 0 && maxSample <= 2047):
			return tile.Uint11, nil
		case actual == 12:
			return tile.Uint12, nil
		default:
			return tile.Uint16, nil
		}
	case bits == 32:
		switch f {
		case tile.SampleFloat:
			return tile.Float32, nil
		case tile.SampleSigned:
			return tile.Int32, nil
		}
		return tile.Uint32, nil
	case bits == 64:
		if f == tile.SampleFloat {
			return tile.Float64, nil
		}
	}
	return tile.ScalarUnknown, errors.Wrapf(tile.ErrUnsupportedSampleFormat, "%d bits per sample", bits)
}

// grid returns the number of blocks of size block needed to cover n.
func grid(n, block int) int {
	if block <= 0 {
		return 0
	}
	return (n + block - 1) / block
}
