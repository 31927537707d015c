package address

import (
	"encoding/binary"
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/rastile/pkg/tile"
)

// grid returns an 8-bit 100x70 descriptor with 32x32 blocks.
func grid(bands int, il tile.Interleave) *tile.LayoutDescriptor {
	return &tile.LayoutDescriptor{
		Width: 100, Height: 70,
		Bands: bands, OutputBands: bands,
		BitsPerSample: 8,
		Scalar:        tile.Uint8,
		Interleave:    il,
		BlockWidth:    32, BlockHeight: 32,
		BlocksPerRow: 4, BlocksPerCol: 3,
		ByteOrder:  binary.BigEndian,
		DataOffset: 1000,
	}
}

func TestLocateDeterministic(t *testing.T) {
	d := grid(1, tile.BandSequential)
	a, err := Locate(d, 99, 69, 0, Options{})
	require.NoError(t, err)
	b, err := Locate(d, 99, 69, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	assert.Equal(t, 11, a.Index)
	assert.Equal(t, 3, a.Column)
	assert.Equal(t, 2, a.Row)
	assert.Equal(t, image.Pt(96, 64), a.Origin)
}

func TestLocateOutOfBounds(t *testing.T) {
	d := grid(1, tile.BandSequential)
	for _, p := range []image.Point{{-1, 0}, {0, -1}, {100, 0}, {0, 70}} {
		_, err := Locate(d, p.X, p.Y, 0, Options{})
		assert.True(t, errors.Is(err, tile.ErrOutOfBounds), "%v", p)
	}
	_, err := Locate(d, 0, 0, 1, Options{})
	assert.True(t, errors.Is(err, tile.ErrOutOfBounds))
	_, err = LocateBlock(d, 4, 0, 0, Options{})
	assert.True(t, errors.Is(err, tile.ErrOutOfBounds))
}

func TestLocateComputedOffsets(t *testing.T) {
	const block = 32 * 32

	d := grid(3, tile.BandSequential)
	loc, err := LocateBlock(d, 1, 1, 2, Options{})
	require.NoError(t, err)
	// Band 2 starts after two planes of twelve blocks; block 5 within it.
	assert.Equal(t, int64(1000+2*12*block+5*block), loc.ByteOffset)

	d = grid(3, tile.BandInterleavedByBlock)
	loc, err = LocateBlock(d, 1, 1, 2, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000+5*3*block+2*block), loc.ByteOffset)

	d = grid(3, tile.BandInterleavedByPixel)
	loc, err = LocateBlock(d, 1, 1, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000+5*3*block), loc.ByteOffset)
	assert.Equal(t, int64(3*block), loc.ByteLength)
	assert.True(t, loc.Present)
}

func TestLocateEdgeClip(t *testing.T) {
	d := grid(1, tile.BandSequential)
	loc, err := LocateBlock(d, 0, 2, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, 6, loc.ValidRows)
	assert.Equal(t, int64(6*32), loc.ByteLength)

	d.EdgeBlocksPadded = true
	loc, err = LocateBlock(d, 0, 2, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, 32, loc.ValidRows)

	// Offset sub-images read whole blocks unless clipping is requested.
	d.EdgeBlocksPadded = false
	d.SubImageOffset = image.Pt(0, 500)
	loc, err = LocateBlock(d, 0, 2, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, 32, loc.ValidRows)
	loc, err = LocateBlock(d, 0, 2, 0, Options{EdgeClipWithOffset: true})
	require.NoError(t, err)
	assert.Equal(t, 6, loc.ValidRows)
}

func TestLocateBlockMask(t *testing.T) {
	const block = 32 * 32
	d := grid(2, tile.BandSequential)
	d.BlockMask = make([]uint32, 24)
	for i := range d.BlockMask {
		d.BlockMask[i] = uint32(i * block)
	}
	d.BlockMask[3] = tile.AbsentBlock

	loc, err := LocateBlock(d, 3, 0, 0, Options{})
	require.NoError(t, err)
	assert.False(t, loc.Present)

	loc, err = LocateBlock(d, 3, 0, 1, Options{})
	require.NoError(t, err)
	assert.True(t, loc.Present)
	assert.Equal(t, int64(1000+15*block), loc.ByteOffset)

	d = grid(2, tile.BandInterleavedByBlock)
	d.BlockMask = []uint32{0, 2 * block, tile.AbsentBlock, 4 * block, 6 * block, 8 * block, 10 * block, 12 * block, 14 * block, 16 * block, 18 * block, 20 * block}
	loc, err = LocateBlock(d, 1, 0, 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000+3*block), loc.ByteOffset)
	loc, err = LocateBlock(d, 2, 0, 1, Options{})
	require.NoError(t, err)
	assert.False(t, loc.Present)
}

func TestLocateTableAddressed(t *testing.T) {
	d := grid(1, tile.BandInterleavedByPixel)
	d.BlocksPerRow, d.BlocksPerCol = 1, 1
	d.Width, d.Height = 32, 32
	d.BlockOffsets = []int64{8}
	d.BlockByteCounts = []int64{5000}

	loc, err := LocateBlock(d, 0, 0, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(8), loc.ByteOffset)
	// Uncompressed reads never exceed the nominal block size.
	assert.Equal(t, int64(1024), loc.ByteLength)

	d.Compression = tile.Deflate
	loc, err = LocateBlock(d, 0, 0, 0, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), loc.ByteLength)

	d.BlockByteCounts = []int64{0}
	loc, err = LocateBlock(d, 0, 0, 0, Options{})
	require.NoError(t, err)
	assert.False(t, loc.Present)

	planar := grid(2, tile.BandSequential)
	planar.BlockOffsets = make([]int64, 24)
	planar.BlockByteCounts = make([]int64, 24)
	for i := range planar.BlockOffsets {
		planar.BlockOffsets[i] = int64(100 * i)
		planar.BlockByteCounts[i] = 10
	}
	loc, err = LocateBlock(planar, 2, 1, 1, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(100*(12+6)), loc.ByteOffset)
}

func TestCalculator(t *testing.T) {
	c := New([]*tile.LayoutDescriptor{grid(1, tile.BandSequential), grid(1, tile.BandSequential)}, Options{})
	assert.Equal(t, 2, c.Levels())

	_, err := c.Descriptor(2)
	assert.True(t, errors.Is(err, tile.ErrInvalidLevel))
	_, err = c.Locate(-1, 0, 0, 0)
	assert.True(t, errors.Is(err, tile.ErrInvalidLevel))

	loc, err := c.Locate(1, 40, 40, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, loc.Index)
}
