package decode

import (
	"image"
	"sync"

	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/address"
	"github.com/kiesman99/rastile/internal/postproc"
	"github.com/kiesman99/rastile/pkg/tile"
)

// Read is the stored bytes of one physical read and where they came from.
type Read struct {
	Loc  address.Location
	Data []byte
}

// Engine decodes blocks. It is safe for concurrent use; scratch space is
// pooled and only grows when a larger block geometry shows up.
type Engine struct {
	scratch sync.Pool
}

// New creates a decoding engine.
func New() *Engine {
	return &Engine{
		scratch: sync.Pool{New: func() any { return new([]byte) }},
	}
}

// getScratch returns a pooled buffer of length n.
func (e *Engine) getScratch(n int) *[]byte {
	p := e.scratch.Get().(*[]byte)
	if cap(*p) < n {
		*p = make([]byte, n)
	}
	*p = (*p)[:n]
	return p
}

func (e *Engine) putScratch(p *[]byte) {
	e.scratch.Put(p)
}

// NewBlock allocates the null-filled buffer a block of d decodes into.
func NewBlock(d *tile.LayoutDescriptor, level int, origin image.Point) *tile.BlockBuffer {
	bands, scalar, il := d.Bands, d.Scalar, d.Interleave
	switch d.Compression {
	case tile.LookupTable, tile.VectorQuantized:
		bands, scalar, il = d.OutputBands, d.LUT.Scalar, tile.BandSequential
	case tile.EntropyCoded:
		il = tile.BandSequential
	}
	if il == tile.BandInterleavedByBlock {
		il = tile.BandSequential
	}
	buf := tile.NewBlockBuffer(level, origin, d.BlockWidth, d.BlockHeight, bands, scalar, il)
	for b := 0; b < bands; b++ {
		buf.FillBand(b, d.NullValue)
	}
	return buf
}

// DecodeBlock decodes every read of one block into a new buffer and applies
// the post-processing rules. Reads whose location is not present leave
// their samples null.
func (e *Engine) DecodeBlock(d *tile.LayoutDescriptor, level int, origin image.Point, reads []Read) (*tile.BlockBuffer, error) {
	dst := NewBlock(d, level, origin)
	index := -1
	for _, rd := range reads {
		index = rd.Loc.Index
		if !rd.Loc.Present {
			continue
		}
		if err := e.Decode(dst, rd.Data, d, rd.Loc); err != nil {
			return nil, err
		}
	}
	if index < 0 {
		return dst, nil
	}
	return postproc.Normalize(dst, d, index), nil
}

// Decode fills dst from the stored bytes of one read.
func (e *Engine) Decode(dst *tile.BlockBuffer, raw []byte, d *tile.LayoutDescriptor, loc address.Location) error {
	var err error
	switch d.Compression {
	case tile.Raw, tile.PackedBits:
		err = e.decodeSamples(dst, raw, d, loc)
	case tile.Deflate, tile.LZW, tile.PackBitsRLE, tile.Zstd:
		err = e.decodeCompressed(dst, raw, d, loc)
	case tile.LookupTable:
		err = decodeLUT(dst, raw, d, loc)
	case tile.VectorQuantized:
		err = decodeVQ(dst, raw, d)
	case tile.EntropyCoded:
		err = e.decodeJPEG(dst, raw, d, loc)
	default:
		err = errors.Wrapf(tile.ErrDecoder, "compression %s", d.Compression)
	}
	if err != nil {
		return errors.Wrapf(err, "%s block %d band %d", d.Compression, loc.Index, loc.Band)
	}
	return nil
}

// region returns the part of dst one read of loc fills: a band plane for
// band-separate buffers, the whole block otherwise, limited to rows.
func region(dst *tile.BlockBuffer, d *tile.LayoutDescriptor, band, rows int) *tile.BlockBuffer {
	size := dst.Scalar.Size()
	view := *dst
	view.Height = rows
	if dst.Interleave == tile.BandSequential && d.Interleave.BandSeparate() {
		view.Bands = 1
		view.Data = dst.Plane(band)[:rows*dst.Width*size]
		return &view
	}
	view.Data = dst.Data[:rows*dst.Width*dst.Bands*size]
	return &view
}

// decodeSamples copies or unpacks uncompressed stored samples.
func (e *Engine) decodeSamples(dst *tile.BlockBuffer, raw []byte, d *tile.LayoutDescriptor, loc address.Location) error {
	view := region(dst, d, loc.Band, loc.ValidRows)
	if d.Packed() {
		return unpack(view, raw, d)
	}
	need := len(view.Data)
	if len(raw) < need {
		return errors.Wrapf(tile.ErrTruncatedBlock, "have %d bytes, need %d", len(raw), need)
	}
	copy(view.Data, raw[:need])
	finish(view, d)
	return nil
}

// finish converts a freshly copied region to host order and undoes any
// horizontal predictor.
func finish(view *tile.BlockBuffer, d *tile.LayoutDescriptor) {
	if size := view.Scalar.Size(); size > 1 && postproc.NeedsSwap(d.ByteOrder) {
		postproc.SwapBytes(view.Data, size)
	}
	if d.Predictor == 2 {
		postproc.UndoPredictor(view)
	}
}
