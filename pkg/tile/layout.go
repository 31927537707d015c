package tile

import (
	"encoding/binary"
	"image"

	"github.com/pkg/errors"
)

// AbsentBlock marks a block or pad-pixel mask record with no stored data.
const AbsentBlock = 0xFFFFFFFF

// MaxBlockBytes bounds the decoded size of a single block.
const MaxBlockBytes = 1 << 30

// VQTable is the codebook of a vector-quantized entry. Each code word
// expands to a Rows x Cols kernel; row r of a kernel is read from Tables[r].
type VQTable struct {
	CodeBits int
	Rows     int
	Cols     int
	// Tables[r][code*Cols+c] is the stored index for kernel row r, column c.
	Tables [][]byte
}

// Entries returns the number of code words the codebook can expand.
func (t *VQTable) Entries() int {
	if t == nil || len(t.Tables) == 0 || t.Cols == 0 {
		return 0
	}
	return len(t.Tables[0]) / t.Cols
}

// LayoutDescriptor is the immutable description of one (entry, level) pair.
// Format parsers build it once; everything downstream only reads it.
type LayoutDescriptor struct {
	Entry int
	Level int

	Width  int
	Height int
	// Bands is the number of stored bands, OutputBands the number after
	// table expansion (lookup table, vector quantization, palette).
	Bands       int
	OutputBands int

	// BitsPerSample is the stored width; ActualBits the significant width.
	BitsPerSample int
	ActualBits    int
	SampleFormat  SampleFormat
	Scalar        ScalarType
	Compression   CompressionKind
	Interleave    Interleave

	BlockWidth   int
	BlockHeight  int
	BlocksPerRow int
	BlocksPerCol int
	SingleBlock  bool

	SubImageOffset image.Point
	ByteOrder      binary.ByteOrder

	NullValue float64
	MinValue  float64
	MaxValue  float64

	HasTransparent  bool
	TransparentCode uint32

	// LUT expands single-band indices (LookupTable and VectorQuantized kinds).
	LUT *LUT
	// ColorMap is a TIFF palette applied by the post processor.
	ColorMap *LUT

	// BlockMask holds one offset record per block (per block and band for
	// band-sequential data) relative to DataOffset. Nil when unmasked.
	BlockMask []uint32
	// PadPixelMask marks blocks that contain transparent pad pixels.
	PadPixelMask []uint32

	DataOffset int64
	// BlockOffsets and BlockByteCounts address blocks explicitly (one per
	// block, per band plane for band-separate data). Nil when computed.
	BlockOffsets    []int64
	BlockByteCounts []int64

	// EdgeBlocksPadded is set when trailing blocks are stored at full size.
	EdgeBlocksPadded bool
	// RowAligned is set when packed rows start on a byte boundary.
	RowAligned bool

	Predictor       int
	JPEGTables      []byte
	CompressionRate string
	VQ              *VQTable
	// TransparentKernels enables the masked VQ rule mapping code 4095 with
	// an all-216 kernel to the null value.
	TransparentKernels bool
}

// Bounds returns the image rectangle in level coordinates.
func (d *LayoutDescriptor) Bounds() image.Rectangle {
	return image.Rect(0, 0, d.Width, d.Height)
}

// PaletteApplied reports whether decoded indices are expanded through ColorMap.
func (d *LayoutDescriptor) PaletteApplied() bool {
	return d.ColorMap != nil && d.Bands == 1 && d.OutputBands == d.ColorMap.Bands()
}

// OutputScalar returns the sample type of assembled tiles.
func (d *LayoutDescriptor) OutputScalar() ScalarType {
	if d.PaletteApplied() {
		return d.ColorMap.Scalar
	}
	return d.Scalar
}

// NumBlocks returns the number of blocks in one band plane of the grid.
func (d *LayoutDescriptor) NumBlocks() int {
	return d.BlocksPerRow * d.BlocksPerCol
}

// TableAddressed reports whether block positions come from explicit tables.
func (d *LayoutDescriptor) TableAddressed() bool {
	return d.BlockOffsets != nil
}

// Packed reports whether stored samples are narrower than their memory type
// and need bit unpacking after any byte-level decompression.
func (d *LayoutDescriptor) Packed() bool {
	switch d.Compression {
	case LookupTable, VectorQuantized, EntropyCoded:
		return false
	}
	return d.BitsPerSample != d.Scalar.Size()*8
}

// ReadBands is the number of bands carried by one physical read.
func (d *LayoutDescriptor) ReadBands() int {
	if d.Interleave.BandSeparate() {
		return 1
	}
	return d.Bands
}

// ReadBytes returns the nominal stored size of one physical read of rows
// block rows: a whole block for interleaved data, one band plane otherwise.
func (d *LayoutDescriptor) ReadBytes(rows int) int64 {
	if d.VQ != nil {
		codesPerRow := d.BlockWidth / d.VQ.Cols
		codeRows := (rows + d.VQ.Rows - 1) / d.VQ.Rows
		return int64((codesPerRow*codeRows*d.VQ.CodeBits + 7) / 8)
	}
	bitsPerPixel := d.BitsPerSample * d.ReadBands()
	if d.RowAligned {
		return int64((d.BlockWidth*bitsPerPixel+7)/8) * int64(rows)
	}
	return (int64(d.BlockWidth)*int64(rows)*int64(bitsPerPixel) + 7) / 8
}

// DecodedBlockBytes returns the size of one fully decoded block, or -1 when
// it exceeds MaxBlockBytes.
func (d *LayoutDescriptor) DecodedBlockBytes() int64 {
	bands, size := d.Bands, d.Scalar.Size()
	if d.OutputBands > bands {
		bands = d.OutputBands
	}
	if d.LUT != nil && d.LUT.Scalar.Size() > size {
		size = d.LUT.Scalar.Size()
	}
	if d.BlockWidth > MaxBlockBytes || d.BlockHeight > MaxBlockBytes {
		return -1
	}
	n := int64(d.BlockWidth) * int64(d.BlockHeight)
	for _, f := range []int{bands, size} {
		if n > MaxBlockBytes || f > MaxBlockBytes {
			return -1
		}
		n *= int64(f)
	}
	if n > MaxBlockBytes {
		return -1
	}
	return n
}

// Validate checks the structural invariants every descriptor must hold.
func (d *LayoutDescriptor) Validate() error {
	switch {
	case d.Width <= 0 || d.Height <= 0:
		return errors.Wrapf(ErrMalformedHeader, "image size %dx%d", d.Width, d.Height)
	case d.BlockWidth <= 0 || d.BlockHeight <= 0:
		return errors.Wrapf(ErrMalformedHeader, "block size %dx%d", d.BlockWidth, d.BlockHeight)
	case d.Bands <= 0 || d.OutputBands <= 0:
		return errors.Wrapf(ErrMalformedHeader, "band count %d/%d", d.Bands, d.OutputBands)
	case d.BlocksPerRow*d.BlockWidth < d.Width || d.BlocksPerCol*d.BlockHeight < d.Height:
		return errors.Wrapf(ErrMalformedHeader, "block grid %dx%d does not cover image",
			d.BlocksPerRow, d.BlocksPerCol)
	case d.Scalar.Size() == 0:
		return errors.Wrapf(ErrUnsupportedSampleFormat, "scalar %s", d.Scalar)
	case d.BitsPerSample <= 0:
		return errors.Wrapf(ErrUnsupportedSampleFormat, "%d bits per sample", d.BitsPerSample)
	case d.DecodedBlockBytes() < 0:
		return errors.Wrapf(ErrMalformedHeader, "block %dx%d with %d bands exceeds %d bytes",
			d.BlockWidth, d.BlockHeight, d.Bands, MaxBlockBytes)
	case d.Packed() && d.BitsPerSample > d.Scalar.Size()*8:
		return errors.Wrapf(ErrUnsupportedSampleFormat, "%d packed bits into %s", d.BitsPerSample, d.Scalar)
	case d.Compression == Raw && d.Packed():
		return errors.Wrapf(ErrUnsupportedSampleFormat, "%d bits stored raw as %s", d.BitsPerSample, d.Scalar)
	}
	if d.ByteOrder == nil {
		return errors.Wrap(ErrMalformedHeader, "byte order not set")
	}
	if d.BlockOffsets != nil {
		want := d.NumBlocks()
		if d.Interleave.BandSeparate() {
			want *= d.Bands
		}
		if len(d.BlockOffsets) < want || len(d.BlockByteCounts) < len(d.BlockOffsets) {
			return errors.Wrapf(ErrMalformedHeader, "%d block offsets, want %d", len(d.BlockOffsets), want)
		}
	}
	return nil
}
