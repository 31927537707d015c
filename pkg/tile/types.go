package tile

import (
	"fmt"
	"math"
)

// ScalarType is the in-memory type of one decoded sample.
type ScalarType int

const (
	ScalarUnknown ScalarType = iota
	Uint8
	Int8
	Uint11 // 11 significant bits stored in 16
	Uint12 // 12 significant bits stored in 16
	Uint16
	Int16
	Uint32
	Int32
	Float32
	Float64
)

var scalarNames = map[ScalarType]string{
	ScalarUnknown: "unknown",
	Uint8:         "uint8",
	Int8:          "int8",
	Uint11:        "uint11",
	Uint12:        "uint12",
	Uint16:        "uint16",
	Int16:         "int16",
	Uint32:        "uint32",
	Int32:         "int32",
	Float32:       "float32",
	Float64:       "float64",
}

func (s ScalarType) String() string {
	if n, ok := scalarNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ScalarType(%d)", int(s))
}

// Size returns the number of bytes one sample occupies in memory.
func (s ScalarType) Size() int {
	switch s {
	case Uint8, Int8:
		return 1
	case Uint11, Uint12, Uint16, Int16:
		return 2
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// IsFloat reports whether samples are IEEE floating point.
func (s ScalarType) IsFloat() bool {
	return s == Float32 || s == Float64
}

// DefaultNull returns the conventional null sample for the type.
func (s ScalarType) DefaultNull() float64 {
	switch s {
	case Int8:
		return math.MinInt8
	case Int16:
		return math.MinInt16
	case Int32:
		return math.MinInt32
	case Float32:
		return -math.MaxFloat32
	case Float64:
		return -math.MaxFloat64
	}
	return 0
}

// DefaultMin returns the smallest valid (non-null) sample for the type.
func (s ScalarType) DefaultMin() float64 {
	switch s {
	case Int8:
		return math.MinInt8 + 1
	case Int16:
		return math.MinInt16 + 1
	case Int32:
		return math.MinInt32 + 1
	case Float32:
		return -math.MaxFloat32 + 1
	case Float64:
		return -math.MaxFloat64 + 1
	case ScalarUnknown:
		return 0
	}
	return 1
}

// DefaultMax returns the largest valid sample for the type.
func (s ScalarType) DefaultMax() float64 {
	switch s {
	case Uint8:
		return math.MaxUint8
	case Int8:
		return math.MaxInt8
	case Uint11:
		return 2047
	case Uint12:
		return 4095
	case Uint16:
		return math.MaxUint16
	case Int16:
		return math.MaxInt16
	case Uint32:
		return math.MaxUint32
	case Int32:
		return math.MaxInt32
	case Float32:
		return math.MaxFloat32
	case Float64:
		return math.MaxFloat64
	}
	return 0
}

// SampleFormat is the numeric interpretation declared by the container.
type SampleFormat int

const (
	SampleUnsigned SampleFormat = iota
	SampleSigned
	SampleFloat
	SampleBilevel
)

// Interleave describes how bands are arranged in stored (and decoded) blocks.
type Interleave int

const (
	// BandInterleavedByPixel stores all bands of a pixel together.
	BandInterleavedByPixel Interleave = iota
	// BandInterleavedByLine stores one row of each band in turn.
	BandInterleavedByLine
	// BandInterleavedByBlock stores each band of a block contiguously, block after block.
	BandInterleavedByBlock
	// BandSequential stores every block of band 0, then every block of band 1, and so on.
	BandSequential
)

func (i Interleave) String() string {
	switch i {
	case BandInterleavedByPixel:
		return "BIP"
	case BandInterleavedByLine:
		return "BIL"
	case BandInterleavedByBlock:
		return "BIB"
	case BandSequential:
		return "BSQ"
	}
	return fmt.Sprintf("Interleave(%d)", int(i))
}

// BandSeparate reports whether each band of a block is stored (and read) on its own.
func (i Interleave) BandSeparate() bool {
	return i == BandInterleavedByBlock || i == BandSequential
}

// CompressionKind is the closed set of block codings the decoder understands.
type CompressionKind int

const (
	Raw CompressionKind = iota
	PackedBits
	LookupTable
	VectorQuantized
	EntropyCoded
	Deflate
	LZW
	PackBitsRLE
	Zstd
)

var compressionNames = [...]string{
	Raw:             "raw",
	PackedBits:      "packed-bits",
	LookupTable:     "lookup-table",
	VectorQuantized: "vector-quantized",
	EntropyCoded:    "jpeg",
	Deflate:         "deflate",
	LZW:             "lzw",
	PackBitsRLE:     "packbits",
	Zstd:            "zstd",
}

func (c CompressionKind) String() string {
	if c >= 0 && int(c) < len(compressionNames) {
		return compressionNames[c]
	}
	return fmt.Sprintf("CompressionKind(%d)", int(c))
}

// Status classifies how much of an output tile holds real data.
type Status int

const (
	StatusUnknown Status = iota
	StatusEmpty
	StatusPartial
	StatusFull
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusPartial:
		return "partial"
	case StatusFull:
		return "full"
	}
	return "unknown"
}

// LUT maps a stored index to one value per output band.
type LUT struct {
	// Values holds one table per output band; all tables have the same length.
	Values [][]uint16
	// Scalar is the type of the looked-up values.
	Scalar ScalarType
}

// Bands returns the number of output bands the table produces.
func (l *LUT) Bands() int {
	if l == nil {
		return 0
	}
	return len(l.Values)
}

// Entries returns the number of indices the table covers.
func (l *LUT) Entries() int {
	if l == nil || len(l.Values) == 0 {
		return 0
	}
	return len(l.Values[0])
}

// Lookup returns the value for index idx on band. Indices past the end map to 0.
func (l *LUT) Lookup(band, idx int) uint16 {
	v := l.Values[band]
	if idx < 0 || idx >= len(v) {
		return 0
	}
	return v[idx]
}

// Diagnostic records why an entry or level was left out of a container.
type Diagnostic struct {
	Entry  int
	Level  int
	Reason string
	Err    error
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("entry %d level %d: %s", d.Entry, d.Level, d.Reason)
}
