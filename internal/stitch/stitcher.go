package stitch

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/rastile/pkg/raster"
	"github.com/kiesman99/rastile/pkg/tile"
)

// Output formats
const (
	FormatPNG = "png"
	FormatRaw = "raw"
)

// MaxPixels bounds the size of one exported mosaic.
const MaxPixels = 10000 * 10000

// Options controls an export.
type Options struct {
	Entry  int
	Level  int
	Region image.Rectangle // empty for the whole level
	// ChunkSize is the edge of the square tiles requested concurrently.
	ChunkSize int
	Workers   int
	Format    string
	Output    string // file name, stdout when empty
	Stretch   tile.Stretch
}

// Stitcher exports whole levels, or regions of them, by requesting tiles
// concurrently and compositing them into one mosaic.
type Stitcher struct {
	container *raster.Container
	options   *Options
	logger    log.Interface
}

// NewStitcher creates a new stitcher instance
func NewStitcher(c *raster.Container, opts *Options, logger log.Interface) *Stitcher {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 512
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Format == "" {
		opts.Format = FormatPNG
	}
	if logger == nil {
		logger = log.Log
	}
	return &Stitcher{container: c, options: opts, logger: logger}
}

// Mosaic assembles the configured region into one tile.
func (s *Stitcher) Mosaic(ctx context.Context) (*tile.OutputTile, error) {
	o := s.options
	d, err := s.container.EntryDescriptor(o.Entry, o.Level)
	if err != nil {
		return nil, err
	}
	region := o.Region
	if region.Empty() {
		region = d.Bounds()
	}
	if int64(region.Dx())*int64(region.Dy()) > MaxPixels {
		return nil, fmt.Errorf("requested mosaic too large: %dx%d", region.Dx(), region.Dy())
	}

	s.logger.WithFields(log.Fields{
		"entry":  o.Entry,
		"level":  o.Level,
		"region": region.String(),
		"size": humanize.IBytes(uint64(region.Dx()) * uint64(region.Dy()) *
			uint64(d.OutputBands*d.OutputScalar().Size())),
	}).Info("exporting")

	var chunks []image.Rectangle
	for y := region.Min.Y; y < region.Max.Y; y += o.ChunkSize {
		for x := region.Min.X; x < region.Max.X; x += o.ChunkSize {
			chunks = append(chunks, image.Rect(x, y, x+o.ChunkSize, y+o.ChunkSize).Intersect(region))
		}
	}

	var out *tile.OutputTile
	tiles := make([]*tile.OutputTile, len(chunks))
	var done atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Workers)
	for i, r := range chunks {
		i, r := i, r
		g.Go(func() error {
			t, err := s.container.GetTileContext(ctx, r, o.Level, o.Entry)
			if err != nil {
				return errors.Wrapf(err, "tile %s", r)
			}
			tiles[i] = t
			n := done.Add(1)
			s.logger.Debugf("%.2f%%: %s", float64(n)/float64(len(chunks))*100, r)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	first := tiles[0]
	out = tile.NewOutputTile(region, first.Bands, first.Scalar, first.Nulls)
	size := first.Scalar.Size()
	for _, t := range tiles {
		w := t.Rect.Dx() * size
		for b := 0; b < t.Bands; b++ {
			for y := t.Rect.Min.Y; y < t.Rect.Max.Y; y++ {
				src := (y - t.Rect.Min.Y) * w
				dst := ((y-region.Min.Y)*region.Dx() + t.Rect.Min.X - region.Min.X) * size
				copy(out.Planes[b][dst:dst+w], t.Planes[b][src:src+w])
			}
		}
	}
	out.Validate()
	return out, nil
}

// Export writes the mosaic in the configured format.
func (s *Stitcher) Export(ctx context.Context) error {
	o := s.options
	if o.Format != FormatPNG && o.Format != FormatRaw {
		return fmt.Errorf("unknown format: %s", o.Format)
	}
	if o.Output == "" {
		if stat, _ := os.Stdout.Stat(); (stat.Mode() & os.ModeCharDevice) != 0 {
			return fmt.Errorf("didn't specify output file and standard output is a terminal")
		}
	}

	out, err := s.Mosaic(ctx)
	if err != nil {
		return err
	}

	switch o.Format {
	case FormatPNG:
		if err := tile.WritePNG(o.Output, tile.ToImage(out, o.Stretch)); err != nil {
			return errors.Wrap(err, "failed to write PNG")
		}
	case FormatRaw:
		if err := writeRaw(o.Output, out); err != nil {
			return errors.Wrap(err, "failed to write raw")
		}
	}

	s.logger.WithFields(log.Fields{
		"status": out.Status,
		"output": o.Output,
	}).Info("export finished")
	return nil
}

func writeRaw(filename string, t *tile.OutputTile) error {
	var output io.Writer = os.Stdout
	if filename != "" {
		file, err := os.Create(filename)
		if err != nil {
			return err
		}
		defer file.Close()
		output = file
	}
	return tile.WriteRaw(output, t)
}
