package decode

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/address"
	"github.com/kiesman99/rastile/pkg/tile"
)

const (
	markerSOI = 0xD8
	markerSOS = 0xDA
	markerDQT = 0xDB
	markerDHT = 0xC4
)

// decodeJPEG decodes one baseline JPEG block. Blocks without their own
// tables get the entry's shared tables, or the defaults selected by the
// compression rate code.
func (e *Engine) decodeJPEG(dst *tile.BlockBuffer, raw []byte, d *tile.LayoutDescriptor, loc address.Location) error {
	if len(raw) < 4 || raw[0] != 0xFF || raw[1] != markerSOI {
		return errors.Wrap(tile.ErrDecoder, "block does not start with SOI")
	}
	stream, err := withTables(raw, d)
	if err != nil {
		return err
	}
	img, err := jpeg.Decode(bytes.NewReader(stream))
	if err != nil {
		return errors.Wrap(tile.ErrDecoder, err.Error())
	}
	band := -1
	if d.Interleave.BandSeparate() && dst.Bands > 1 {
		band = loc.Band
	}
	return copyImage(dst, img, loc.ValidRows, band)
}

// withTables returns raw with any missing quantization or Huffman tables
// inserted after SOI.
func withTables(raw []byte, d *tile.LayoutDescriptor) ([]byte, error) {
	hasDQT, hasDHT := scanTables(raw)
	if hasDQT && hasDHT {
		return raw, nil
	}

	var extra []byte
	if t := d.JPEGTables; len(t) > 4 && t[0] == 0xFF && t[1] == markerSOI {
		// Shared abbreviated table stream: drop its SOI and EOI.
		extra = append(extra, t[2:len(t)-2]...)
	} else {
		if !hasDQT {
			q, err := rateQualityOf(d.CompressionRate)
			if err != nil {
				return nil, err
			}
			extra = append(extra, dqtSegment(q)...)
		}
		if !hasDHT {
			extra = append(extra, dhtSegment()...)
		}
	}

	out := make([]byte, 0, len(raw)+len(extra))
	out = append(out, raw[:2]...)
	out = append(out, extra...)
	return append(out, raw[2:]...), nil
}

// rateQualityOf maps a "00.N" compression rate code to a table quality.
func rateQualityOf(rate string) (int, error) {
	if len(rate) == 4 && rate[:3] == "00." {
		if q, ok := rateQuality[rate[3]]; ok {
			return q, nil
		}
	}
	return 0, errors.Wrapf(tile.ErrMissingCompressionTable, "compression rate %q", rate)
}

// scanTables walks the marker segments before the first SOS and reports
// whether quantization and Huffman tables are present.
func scanTables(raw []byte) (dqt, dht bool) {
	i := 2
	for i+1 < len(raw) {
		if raw[i] != 0xFF {
			return
		}
		m := raw[i+1]
		switch {
		case m == 0xFF:
			i++
			continue
		case m == 0x01 || (m >= 0xD0 && m <= 0xD7):
			i += 2
			continue
		case m == markerSOS:
			return
		case m == markerDQT:
			dqt = true
		case m == markerDHT:
			dht = true
		}
		if i+3 >= len(raw) {
			return
		}
		i += 2 + (int(raw[i+2])<<8 | int(raw[i+3]))
	}
	return
}

// copyImage writes the decoded pixels into the band-sequential block,
// clipped to the block and to rows. A gray image goes to band only, or to
// every band when band is negative.
func copyImage(dst *tile.BlockBuffer, img image.Image, rows, band int) error {
	b := img.Bounds()
	w := min(b.Dx(), dst.Width)
	h := min(b.Dy(), dst.Height, rows)

	switch m := img.(type) {
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := float64(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
				if band >= 0 {
					dst.SetSample(band, x, y, v)
					continue
				}
				for i := 0; i < dst.Bands; i++ {
					dst.SetSample(i, x, y, v)
				}
			}
		}
	case *image.YCbCr:
		if dst.Bands != 1 && dst.Bands != 3 {
			return errors.Wrapf(tile.ErrUnsupportedBandCount, "%d bands for a 3 component block", dst.Bands)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				px, py := b.Min.X+x, b.Min.Y+y
				yi, ci := m.YOffset(px, py), m.COffset(px, py)
				if dst.Bands == 1 {
					dst.SetSample(0, x, y, float64(m.Y[yi]))
					continue
				}
				r, g, bl := color.YCbCrToRGB(m.Y[yi], m.Cb[ci], m.Cr[ci])
				dst.SetSample(0, x, y, float64(r))
				dst.SetSample(1, x, y, float64(g))
				dst.SetSample(2, x, y, float64(bl))
			}
		}
	case *image.CMYK:
		if dst.Bands != 4 {
			return errors.Wrapf(tile.ErrUnsupportedBandCount, "%d bands for a 4 component block", dst.Bands)
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				off := m.PixOffset(b.Min.X+x, b.Min.Y+y)
				for i := 0; i < 4; i++ {
					dst.SetSample(i, x, y, float64(m.Pix[off+i]))
				}
			}
		}
	default:
		return errors.Wrapf(tile.ErrUnsupportedBandCount, "decoded image type %T", img)
	}
	return nil
}
