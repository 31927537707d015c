package decode

import (
	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/pkg/tile"
)

// bitReader reads MSB-first fixed-width values from a byte slice.
type bitReader struct {
	data []byte
	pos  uint64 // bit position
}

// read returns the next n bits (n <= 32).
func (r *bitReader) read(n int) uint32 {
	var v uint32
	for n > 0 {
		byteIdx := r.pos >> 3
		bitOff := int(r.pos & 7)
		avail := 8 - bitOff
		take := avail
		if take > n {
			take = n
		}
		b := uint32(r.data[byteIdx]) >> uint(avail-take) & (1<<uint(take) - 1)
		v = v<<uint(take) | b
		n -= take
		r.pos += uint64(take)
	}
	return v
}

// align moves to the next byte boundary.
func (r *bitReader) align() {
	r.pos = (r.pos + 7) &^ 7
}

// unpack expands packed samples of d.BitsPerSample bits into view, which
// covers whole rows of one read. Rows restart on a byte boundary when the
// layout is row aligned.
func unpack(view *tile.BlockBuffer, raw []byte, d *tile.LayoutDescriptor) error {
	bits := d.BitsPerSample
	perRow := view.Width * view.Bands
	rows := view.Height

	var needBits uint64
	if d.RowAligned {
		needBits = uint64((perRow*bits+7)/8*8) * uint64(rows)
	} else {
		needBits = uint64(perRow) * uint64(rows) * uint64(bits)
	}
	if needBits > uint64(len(raw))*8 {
		return errors.Wrapf(tile.ErrTruncatedBlock, "have %d bits, need %d", len(raw)*8, needBits)
	}

	br := bitReader{data: raw}
	k := 0
	for y := 0; y < rows; y++ {
		for i := 0; i < perRow; i++ {
			tile.WriteSample(view.Data, k, view.Scalar, float64(br.read(bits)))
			k++
		}
		if d.RowAligned {
			br.align()
		}
	}
	return nil
}
