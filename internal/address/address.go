// Package address maps pixel positions to stored block locations. It does
// no I/O and holds no state besides the descriptors it was given.
package address

import (
	"image"

	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/pkg/tile"
)

// Location is where one physical read of a block lives in the container.
type Location struct {
	// Index is the block number within a band plane, row-major.
	Index  int
	Column int
	Row    int
	Band   int
	Origin image.Point

	ByteOffset int64
	ByteLength int64
	// ValidRows is the number of block rows stored for this block.
	ValidRows int
	Present   bool
}

// Options adjust how trailing edge blocks are measured.
type Options struct {
	// EdgeClipWithOffset keeps clipping trailing blocks to the image when the
	// entry declares a non-zero sub-image offset. When false such entries
	// read full nominal blocks.
	EdgeClipWithOffset bool
}

// Locate returns the location of the block holding pixel (x, y) on band.
// band is a stored band index; for interleaved layouts every band maps to
// the same read.
func Locate(d *tile.LayoutDescriptor, x, y, band int, opts Options) (Location, error) {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return Location{}, errors.Wrapf(tile.ErrOutOfBounds, "pixel (%d,%d) outside %dx%d", x, y, d.Width, d.Height)
	}
	return LocateBlock(d, x/d.BlockWidth, y/d.BlockHeight, band, opts)
}

// LocateBlock returns the location of block (col, row) on band.
func LocateBlock(d *tile.LayoutDescriptor, col, row, band int, opts Options) (Location, error) {
	if col < 0 || row < 0 || col >= d.BlocksPerRow || row >= d.BlocksPerCol {
		return Location{}, errors.Wrapf(tile.ErrOutOfBounds, "block (%d,%d) outside %dx%d grid",
			col, row, d.BlocksPerRow, d.BlocksPerCol)
	}
	if band < 0 || band >= d.Bands {
		return Location{}, errors.Wrapf(tile.ErrOutOfBounds, "band %d of %d", band, d.Bands)
	}

	loc := Location{
		Index:     row*d.BlocksPerRow + col,
		Column:    col,
		Row:       row,
		Band:      band,
		Origin:    image.Pt(col*d.BlockWidth, row*d.BlockHeight),
		ValidRows: d.BlockHeight,
		Present:   true,
	}
	if !d.EdgeBlocksPadded && (d.SubImageOffset == (image.Point{}) || opts.EdgeClipWithOffset) {
		if rest := d.Height - loc.Origin.Y; rest < loc.ValidRows {
			loc.ValidRows = rest
		}
	}
	nominal := d.ReadBytes(loc.ValidRows)

	if d.TableAddressed() {
		i := loc.Index
		if d.Interleave.BandSeparate() {
			i += band * d.NumBlocks()
		}
		loc.ByteOffset = d.BlockOffsets[i]
		loc.ByteLength = d.BlockByteCounts[i]
		if loc.ByteLength == 0 {
			loc.Present = false
		}
		if (d.Compression == tile.Raw || d.Compression == tile.PackedBits) && loc.ByteLength > nominal {
			loc.ByteLength = nominal
		}
		return loc, nil
	}

	loc.ByteLength = nominal
	blockBytes := d.ReadBytes(d.BlockHeight)
	n := int64(d.NumBlocks())
	idx := int64(loc.Index)

	if d.BlockMask != nil {
		rec, ok := maskRecord(d, loc.Index, band)
		if !ok || rec == tile.AbsentBlock {
			loc.Present = false
			loc.ByteOffset = -1
			return loc, nil
		}
		loc.ByteOffset = d.DataOffset + int64(rec)
		if d.Interleave == tile.BandInterleavedByBlock {
			loc.ByteOffset += int64(band) * blockBytes
		}
		return loc, nil
	}

	switch d.Interleave {
	case tile.BandSequential:
		loc.ByteOffset = d.DataOffset + int64(band)*n*blockBytes + idx*blockBytes
	case tile.BandInterleavedByBlock:
		loc.ByteOffset = d.DataOffset + idx*blockBytes*int64(d.Bands) + int64(band)*blockBytes
	default:
		loc.ByteOffset = d.DataOffset + idx*blockBytes
	}
	return loc, nil
}

// maskRecord returns the block mask record for a block and band. Band
// sequential data carries one record per block per band.
func maskRecord(d *tile.LayoutDescriptor, index, band int) (uint32, bool) {
	i := index
	if d.Interleave == tile.BandSequential && len(d.BlockMask) == d.NumBlocks()*d.Bands {
		i = band*d.NumBlocks() + index
	}
	if i >= len(d.BlockMask) {
		return 0, false
	}
	return d.BlockMask[i], true
}

// Calculator locates blocks across the levels of one entry.
type Calculator struct {
	levels []*tile.LayoutDescriptor
	opts   Options
}

// New creates a calculator over the level descriptors of an entry.
func New(levels []*tile.LayoutDescriptor, opts Options) *Calculator {
	return &Calculator{levels: levels, opts: opts}
}

// Levels returns the number of decimation levels.
func (c *Calculator) Levels() int {
	return len(c.levels)
}

// Descriptor returns the descriptor of level.
func (c *Calculator) Descriptor(level int) (*tile.LayoutDescriptor, error) {
	if level < 0 || level >= len(c.levels) {
		return nil, errors.Wrapf(tile.ErrInvalidLevel, "level %d of %d", level, len(c.levels))
	}
	return c.levels[level], nil
}

// Locate returns the location of the block holding (x, y) on band at level.
func (c *Calculator) Locate(level, x, y, band int) (Location, error) {
	d, err := c.Descriptor(level)
	if err != nil {
		return Location{}, err
	}
	return Locate(d, x, y, band, c.opts)
}

// LocateBlock returns the location of block (col, row) on band at level.
func (c *Calculator) LocateBlock(level, col, row, band int) (Location, error) {
	d, err := c.Descriptor(level)
	if err != nil {
		return Location{}, err
	}
	return LocateBlock(d, col, row, band, c.opts)
}
