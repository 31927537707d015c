// Package raster reads tiles out of tiled raster containers.
//
// A Container is opened from a TIFF/BigTIFF or NITF/NSIF file and exposes
// its images as entries, each with one or more decimation levels. Tiles are
// requested in level pixel coordinates and assembled from the stored blocks
// through a per-entry cache of decoded blocks.
package raster

import (
	"context"
	"image"
	"io"
	"math"
	"sync"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/address"
	"github.com/kiesman99/rastile/internal/cache"
	"github.com/kiesman99/rastile/internal/decode"
	"github.com/kiesman99/rastile/internal/format"
	"github.com/kiesman99/rastile/internal/source"
	"github.com/kiesman99/rastile/internal/stitcher"
	"github.com/kiesman99/rastile/pkg/tile"
)

// Container is an open raster file. It is safe for concurrent use.
type Container struct {
	mu      sync.RWMutex
	opts    options
	src     *source.Source
	engine  *decode.Engine
	kind    format.Kind
	skipped []tile.Diagnostic
	entries []*entry
	current int
	bands   []int
	closed  bool
}

// entry is one image of the container with its own block cache.
type entry struct {
	id    int
	calc  *address.Calculator
	cache *cache.BlockCache
	c     *Container
}

// Open opens the raster container at path.
func Open(path string, opts ...Option) (*Container, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	src, err := source.Open(path, o.mmap)
	if err != nil {
		return nil, err
	}
	c, err := newContainer(src, o)
	if err != nil {
		src.Close()
		return nil, err
	}
	return c, nil
}

// OpenReaderAt opens a container held by r. Closing the container does not
// close r.
func OpenReaderAt(r io.ReaderAt, size int64, opts ...Option) (*Container, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newContainer(source.New(r, size, "reader"), o)
}

func newContainer(src *source.Source, o options) (*Container, error) {
	c := &Container{
		opts:   o,
		src:    src,
		engine: decode.New(),
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	o.logger.WithFields(log.Fields{
		"file":    src.Name(),
		"format":  c.kind,
		"entries": len(c.entries),
		"skipped": len(c.skipped),
	}).Debug("opened container")
	return c, nil
}

// load inspects the source and rebuilds the entries. The current entry is
// kept when it is still usable.
func (c *Container) load() error {
	res, err := format.Inspect(c.src, c.src.Size(), format.Options{
		Logger:       c.opts.logger,
		ApplyPalette: c.opts.applyPalette,
	})
	if err != nil {
		return errors.Wrapf(err, "inspect %s", c.src.Name())
	}

	entries := make([]*entry, 0, len(res.Entries))
	for _, fe := range res.Entries {
		e, err := c.newEntry(fe)
		if err != nil {
			return err
		}
		entries = append(entries, e)
	}

	current := 0
	if c.entries != nil {
		prev := c.entries[c.current].id
		for i, e := range entries {
			if e.id == prev {
				current = i
			}
		}
	}
	c.kind = res.Kind
	c.skipped = res.Skipped
	c.entries = entries
	c.current = current
	c.bands = identity(c.descriptor().OutputBands)
	return nil
}

func (c *Container) newEntry(fe format.Entry) (*entry, error) {
	d := fe.Levels[0]
	blockBytes := int64(d.BlockWidth * d.BlockHeight * d.OutputBands * d.OutputScalar().Size())
	total := 0
	for _, l := range fe.Levels {
		total += l.NumBlocks()
	}
	bc, err := cache.New(cache.Capacity(c.opts.cacheBudget, blockBytes, total))
	if err != nil {
		return nil, errors.Wrapf(err, "entry %d", fe.ID)
	}
	enabled := !d.SingleBlock
	if c.opts.cacheEnabled != nil {
		enabled = *c.opts.cacheEnabled
	}
	bc.SetEnabled(enabled)
	return &entry{
		id:    fe.ID,
		calc:  address.New(fe.Levels, address.Options{EdgeClipWithOffset: c.opts.edgeClipWithOffset}),
		cache: bc,
		c:     c,
	}, nil
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// descriptor returns level 0 of the current entry.
func (c *Container) descriptor() *tile.LayoutDescriptor {
	d, _ := c.entries[c.current].calc.Descriptor(0)
	return d
}

// Close releases the file. Further calls fail with tile.ErrClosed.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, e := range c.entries {
		e.cache.Invalidate()
	}
	return c.src.Close()
}

// Name returns the path or label the container was opened from.
func (c *Container) Name() string {
	return c.src.Name()
}

// Size returns the container size in bytes.
func (c *Container) Size() int64 {
	return c.src.Size()
}

// Format returns the container family.
func (c *Container) Format() format.Kind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kind
}

// Skipped returns the diagnostics of entries and levels dropped at open.
func (c *Container) Skipped() []tile.Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]tile.Diagnostic(nil), c.skipped...)
}

// Descriptor returns the layout of level of the current entry.
func (c *Container) Descriptor(level int) (*tile.LayoutDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, tile.ErrClosed
	}
	return c.entries[c.current].calc.Descriptor(level)
}

// EntryDescriptor returns the layout of level of any usable entry.
func (c *Container) EntryDescriptor(entryID, level int) (*tile.LayoutDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, tile.ErrClosed
	}
	i, err := c.indexOf(entryID)
	if err != nil {
		return nil, err
	}
	return c.entries[i].calc.Descriptor(level)
}

// EntryLevels returns the number of decimation levels of entryID, or 0 for
// an unknown entry.
func (c *Container) EntryLevels(entryID int) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i, err := c.indexOf(entryID)
	if err != nil {
		return 0
	}
	return c.entries[i].calc.Levels()
}

// NumberOfDecimationLevels returns the level count of the current entry.
func (c *Container) NumberOfDecimationLevels() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[c.current].calc.Levels()
}

// NumberOfLines returns the height of level, or 0 for an unknown level.
func (c *Container) NumberOfLines(level int) int {
	d, err := c.Descriptor(level)
	if err != nil {
		return 0
	}
	return d.Height
}

// NumberOfSamples returns the width of level, or 0 for an unknown level.
func (c *Container) NumberOfSamples(level int) int {
	d, err := c.Descriptor(level)
	if err != nil {
		return 0
	}
	return d.Width
}

// AvailableEntries returns the ids of the usable entries in file order.
func (c *Container) AvailableEntries() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]int, len(c.entries))
	for i, e := range c.entries {
		ids[i] = e.id
	}
	return ids
}

// CurrentEntry returns the id of the current entry.
func (c *Container) CurrentEntry() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[c.current].id
}

// SetCurrentEntry makes id the current entry and resets the output band
// list.
func (c *Container) SetCurrentEntry(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return tile.ErrClosed
	}
	i, err := c.indexOf(id)
	if err != nil {
		return err
	}
	if i != c.current {
		c.current = i
		c.bands = identity(c.descriptor().OutputBands)
	}
	return nil
}

func (c *Container) indexOf(id int) (int, error) {
	for i, e := range c.entries {
		if e.id == id {
			return i, nil
		}
	}
	return 0, errors.Wrapf(tile.ErrInvalidEntry, "entry %d", id)
}

// SetCacheEnabled turns block caching of the current entry on or off.
func (c *Container) SetCacheEnabled(on bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.entries[c.current].cache.SetEnabled(on)
}

// CacheEnabled reports whether the current entry caches blocks.
func (c *Container) CacheEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[c.current].cache.Enabled()
}

// CacheStats returns the block cache counters of the current entry.
func (c *Container) CacheStats() cache.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[c.current].cache.Stats()
}

// MinPixelValue returns the minimum valid value of output band. Every band
// of an entry shares one value range; a band outside the current output
// bands yields NaN.
func (c *Container) MinPixelValue(band int) float64 {
	return c.bandValue(band, func(d *tile.LayoutDescriptor) float64 { return d.MinValue })
}

// MaxPixelValue returns the maximum valid value of output band, or NaN
// for a band outside the current output bands.
func (c *Container) MaxPixelValue(band int) float64 {
	return c.bandValue(band, func(d *tile.LayoutDescriptor) float64 { return d.MaxValue })
}

// NullPixelValue returns the null value of output band, or NaN for a band
// outside the current output bands.
func (c *Container) NullPixelValue(band int) float64 {
	return c.bandValue(band, func(d *tile.LayoutDescriptor) float64 { return d.NullValue })
}

func (c *Container) bandValue(band int, get func(*tile.LayoutDescriptor) float64) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if band < 0 || band >= len(c.bands) {
		return math.NaN()
	}
	return get(c.descriptor())
}

// OutputBandList returns the decoded bands tiles are built from, in order.
func (c *Container) OutputBandList() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]int(nil), c.bands...)
}

// SetOutputBandList selects and orders the bands of returned tiles. Any
// list other than the identity needs an entry whose bands are stored and
// decoded independently.
func (c *Container) SetOutputBandList(bands []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return tile.ErrClosed
	}
	d := c.descriptor()
	if len(bands) == 0 {
		return errors.Wrap(tile.ErrInvalidBandList, "empty band list")
	}
	for _, b := range bands {
		if b < 0 || b >= d.OutputBands {
			return errors.Wrapf(tile.ErrInvalidBandList, "band %d of %d", b, d.OutputBands)
		}
	}
	if !isIdentity(bands, d.OutputBands) && !bandSelectable(d) {
		return errors.Wrapf(tile.ErrBandSelectionUnsupported, "%s %s entry", d.Interleave, d.Compression)
	}
	c.bands = append([]int(nil), bands...)
	return nil
}

func isIdentity(bands []int, n int) bool {
	if len(bands) != n {
		return false
	}
	for i, b := range bands {
		if b != i {
			return false
		}
	}
	return true
}

func bandSelectable(d *tile.LayoutDescriptor) bool {
	if d.PaletteApplied() {
		return false
	}
	switch d.Compression {
	case tile.LookupTable, tile.VectorQuantized, tile.EntropyCoded:
		return false
	}
	return d.Interleave.BandSeparate()
}

// GetTile returns the tile covering rect at level of the current entry. A
// rect outside the image yields a blank tile. It panics if rect has a
// negative size.
func (c *Container) GetTile(rect image.Rectangle, level int) (*tile.OutputTile, error) {
	return c.GetTileContext(context.Background(), rect, level, c.CurrentEntry())
}

// GetEntryTile is GetTile for an explicit entry.
func (c *Container) GetEntryTile(rect image.Rectangle, level, entry int) (*tile.OutputTile, error) {
	return c.GetTileContext(context.Background(), rect, level, entry)
}

// GetTileContext is GetEntryTile with a context checked between blocks.
func (c *Container) GetTileContext(ctx context.Context, rect image.Rectangle, level, entryID int) (*tile.OutputTile, error) {
	if rect.Dx() < 0 || rect.Dy() < 0 || rect.Max.X < rect.Min.X || rect.Max.Y < rect.Min.Y {
		panic("raster: negative tile rectangle size")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, tile.ErrClosed
	}
	i, err := c.indexOf(entryID)
	if err != nil {
		return nil, err
	}
	e := c.entries[i]
	d, err := e.calc.Descriptor(level)
	if err != nil {
		return nil, err
	}
	bands := c.bands
	if i != c.current {
		bands = identity(d.OutputBands)
	}
	out := tile.NewOutputTile(rect, len(bands), d.OutputScalar(), nulls(d, len(bands)))
	if err := c.stitch(ctx, e, out, level, bands); err != nil {
		return nil, err
	}
	return out, nil
}

// FillTile fills a caller allocated tile from level of the current entry.
// out must have one band per entry of the output band list and the output
// scalar type of the level. On a block failure out holds every block that
// could be read.
func (c *Container) FillTile(out *tile.OutputTile, level int) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return tile.ErrClosed
	}
	e := c.entries[c.current]
	d, err := e.calc.Descriptor(level)
	if err != nil {
		return err
	}
	if out.Scalar != d.OutputScalar() {
		return errors.Wrapf(tile.ErrInvalidBandList, "tile scalar %s, level scalar %s", out.Scalar, d.OutputScalar())
	}
	return c.stitch(context.Background(), e, out, level, c.bands)
}

func nulls(d *tile.LayoutDescriptor, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = d.NullValue
	}
	return out
}

func (c *Container) stitch(ctx context.Context, e *entry, out *tile.OutputTile, level int, bands []int) error {
	return stitcher.New(e, e.id, c.opts.logger).Stitch(ctx, out, level, bands)
}

// Descriptor implements stitcher.BlockSource.
func (e *entry) Descriptor(level int) (*tile.LayoutDescriptor, error) {
	return e.calc.Descriptor(level)
}

// Block implements stitcher.BlockSource. Blocks are decoded at most once
// while cached.
func (e *entry) Block(ctx context.Context, level int, origin image.Point) (*tile.BlockBuffer, error) {
	d, err := e.calc.Descriptor(level)
	if err != nil {
		return nil, err
	}
	return e.cache.GetOrDecode(cache.Key{Level: level, Origin: origin}, func() (*tile.BlockBuffer, error) {
		return e.decode(d, level, origin)
	})
}

// decode reads every stored part of one block and decodes it.
func (e *entry) decode(d *tile.LayoutDescriptor, level int, origin image.Point) (*tile.BlockBuffer, error) {
	col, row := origin.X/d.BlockWidth, origin.Y/d.BlockHeight
	fail := func(offset int64, err error) error {
		return &tile.PartialReadError{
			Entry:  e.id,
			Level:  level,
			Block:  image.Pt(col, row),
			Offset: offset,
			Err:    err,
		}
	}

	parts := 1
	if d.Interleave.BandSeparate() {
		parts = d.Bands
	}
	reads := make([]decode.Read, 0, parts)
	offset := int64(-1)
	for band := 0; band < parts; band++ {
		loc, err := e.calc.LocateBlock(level, col, row, band)
		if err != nil {
			return nil, fail(offset, err)
		}
		if offset < 0 {
			offset = loc.ByteOffset
		}
		rd := decode.Read{Loc: loc}
		if loc.Present {
			rd.Data, err = e.c.src.ReadBlock(loc.ByteOffset, loc.ByteLength)
			if err != nil {
				return nil, fail(loc.ByteOffset, err)
			}
		}
		reads = append(reads, rd)
	}

	buf, err := e.c.engine.DecodeBlock(d, level, origin, reads)
	if err != nil {
		return nil, fail(offset, err)
	}
	return buf, nil
}
