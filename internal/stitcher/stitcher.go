// Package stitcher assembles caller tiles from decoded blocks.
package stitcher

import (
	"context"
	"image"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/pkg/tile"
)

// BlockSource hands out layout descriptors and decoded blocks of one entry.
type BlockSource interface {
	Descriptor(level int) (*tile.LayoutDescriptor, error)
	Block(ctx context.Context, level int, origin image.Point) (*tile.BlockBuffer, error)
}

// Stitcher copies the blocks overlapping a tile into it.
type Stitcher struct {
	src    BlockSource
	entry  int
	logger log.Interface
}

// New creates a new stitcher instance
func New(src BlockSource, entry int, logger log.Interface) *Stitcher {
	if logger == nil {
		logger = log.Log
	}
	return &Stitcher{src: src, entry: entry, logger: logger}
}

// Stitch fills out from level. bands lists, per output band, the decoded
// band it is taken from. out is blanked first, so pixels outside the image
// or in absent blocks keep their null values. Blocks that fail are logged
// and skipped; the first failure is returned as a *tile.PartialReadError
// after the remaining blocks have been copied and out validated.
func (s *Stitcher) Stitch(ctx context.Context, out *tile.OutputTile, level int, bands []int) error {
	d, err := s.src.Descriptor(level)
	if err != nil {
		return err
	}
	if len(bands) != out.Bands {
		return errors.Wrapf(tile.ErrInvalidBandList, "%d bands selected for a %d band tile", len(bands), out.Bands)
	}
	for _, b := range bands {
		if b < 0 || b >= d.OutputBands {
			return errors.Wrapf(tile.ErrInvalidBandList, "band %d of %d", b, d.OutputBands)
		}
	}

	out.MakeBlank()
	clip := out.Rect.Intersect(d.Bounds())
	if clip.Empty() {
		return nil
	}

	var first error
	y0 := clip.Min.Y / d.BlockHeight * d.BlockHeight
	x0 := clip.Min.X / d.BlockWidth * d.BlockWidth
	for by := y0; by < clip.Max.Y; by += d.BlockHeight {
		for bx := x0; bx < clip.Max.X; bx += d.BlockWidth {
			if err := ctx.Err(); err != nil {
				return err
			}
			origin := image.Pt(bx, by)
			buf, err := s.src.Block(ctx, level, origin)
			if err == nil {
				err = copyBlock(out, buf, clip, bands)
			}
			if err != nil {
				perr := s.partial(level, d, origin, err)
				s.logger.WithFields(log.Fields{
					"entry": s.entry,
					"level": level,
					"block": origin.String(),
				}).WithError(err).Warn("block read failed")
				if first == nil {
					first = perr
				}
			}
		}
	}

	out.Validate()
	return first
}

// partial wraps err as a block read failure unless it already is one.
func (s *Stitcher) partial(level int, d *tile.LayoutDescriptor, origin image.Point, err error) error {
	var perr *tile.PartialReadError
	if errors.As(err, &perr) {
		return perr
	}
	return &tile.PartialReadError{
		Entry:  s.entry,
		Level:  level,
		Block:  image.Pt(origin.X/d.BlockWidth, origin.Y/d.BlockHeight),
		Offset: -1,
		Err:    err,
	}
}

// copyBlock copies the part of buf inside clip into out.
func copyBlock(out *tile.OutputTile, buf *tile.BlockBuffer, clip image.Rectangle, bands []int) error {
	r := buf.Rect().Intersect(clip)
	if r.Empty() {
		return nil
	}
	for _, b := range bands {
		if b < 0 || b >= buf.Bands {
			return errors.Wrapf(tile.ErrInvalidBandList, "band %d of %d", b, buf.Bands)
		}
	}

	size := out.Scalar.Size()
	rowBytes := r.Dx() * size
	direct := buf.Scalar == out.Scalar && buf.Interleave == tile.BandSequential
	for ob, sb := range bands {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			ly := y - buf.Origin.Y
			if direct {
				src := buf.Index(sb, r.Min.X-buf.Origin.X, ly) * size
				dst := ((y-out.Rect.Min.Y)*out.Rect.Dx() + r.Min.X - out.Rect.Min.X) * size
				copy(out.Planes[ob][dst:dst+rowBytes], buf.Data[src:src+rowBytes])
				continue
			}
			for x := r.Min.X; x < r.Max.X; x++ {
				out.SetSample(ob, x, y, buf.Sample(sb, x-buf.Origin.X, ly))
			}
		}
	}
	return nil
}
