package decode

import (
	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/address"
	"github.com/kiesman99/rastile/pkg/tile"
)

const (
	vqTransparentCode  = 4095
	vqTransparentIndex = 216
)

// decodeLUT expands 8-bit indices through the entry's lookup table.
func decodeLUT(dst *tile.BlockBuffer, raw []byte, d *tile.LayoutDescriptor, loc address.Location) error {
	if d.LUT == nil {
		return tile.ErrMissingLUT
	}
	if d.LUT.Bands() != dst.Bands {
		return errors.Wrapf(tile.ErrUnsupportedBandCount, "%d table bands for %d output bands", d.LUT.Bands(), dst.Bands)
	}
	need := dst.Width * loc.ValidRows
	if len(raw) < need {
		return errors.Wrapf(tile.ErrTruncatedBlock, "have %d bytes, need %d", len(raw), need)
	}
	for y := 0; y < loc.ValidRows; y++ {
		for x := 0; x < dst.Width; x++ {
			idx := int(raw[y*dst.Width+x])
			for b := 0; b < dst.Bands; b++ {
				dst.SetSample(b, x, y, float64(d.LUT.Lookup(b, idx)))
			}
		}
	}
	return nil
}

// decodeVQ expands code words into kernels of table indices and maps every
// index through the lookup table. With transparent kernels enabled, code
// 4095 whose kernel is entirely index 216 produces null pixels.
func decodeVQ(dst *tile.BlockBuffer, raw []byte, d *tile.LayoutDescriptor) error {
	vq := d.VQ
	switch {
	case vq == nil || len(vq.Tables) == 0:
		return tile.ErrMissingCompressionTable
	case d.Bands != 1:
		return errors.Wrapf(tile.ErrUnsupportedBandCount, "%d stored bands", d.Bands)
	case d.LUT == nil:
		return tile.ErrMissingLUT
	case d.LUT.Bands() != dst.Bands || (dst.Bands != 1 && dst.Bands != 3):
		return errors.Wrapf(tile.ErrUnsupportedBandCount, "%d table bands for %d output bands", d.LUT.Bands(), dst.Bands)
	}

	codesPerRow := dst.Width / vq.Cols
	codeRows := dst.Height / vq.Rows
	need := uint64(codesPerRow) * uint64(codeRows) * uint64(vq.CodeBits)
	if need > uint64(len(raw))*8 {
		return errors.Wrapf(tile.ErrTruncatedBlock, "have %d bits, need %d", len(raw)*8, need)
	}
	entries := vq.Entries()

	br := bitReader{data: raw}
	for cy := 0; cy < codeRows; cy++ {
		for cx := 0; cx < codesPerRow; cx++ {
			code := int(br.read(vq.CodeBits))
			if code >= entries {
				return errors.Wrapf(tile.ErrDecoder, "code word %d outside %d-entry codebook", code, entries)
			}
			x0, y0 := cx*vq.Cols, cy*vq.Rows
			if d.TransparentKernels && code == vqTransparentCode && transparentKernel(vq, code) {
				for r := 0; r < vq.Rows; r++ {
					for c := 0; c < vq.Cols; c++ {
						for b := 0; b < dst.Bands; b++ {
							dst.SetSample(b, x0+c, y0+r, d.NullValue)
						}
					}
				}
				continue
			}
			for r := 0; r < vq.Rows; r++ {
				row := vq.Tables[r][code*vq.Cols:]
				for c := 0; c < vq.Cols; c++ {
					idx := int(row[c])
					for b := 0; b < dst.Bands; b++ {
						dst.SetSample(b, x0+c, y0+r, float64(d.LUT.Lookup(b, idx)))
					}
				}
			}
		}
	}
	return nil
}

func transparentKernel(vq *tile.VQTable, code int) bool {
	for r := 0; r < vq.Rows; r++ {
		for _, v := range vq.Tables[r][code*vq.Cols : (code+1)*vq.Cols] {
			if v != vqTransparentIndex {
				return false
			}
		}
	}
	return true
}
