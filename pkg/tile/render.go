package tile

import (
	"image"
	"image/png"
	"io"
	"os"

	"github.com/pkg/errors"
)

// Stretch maps each band linearly from [Min, Max] onto 0..255 for previews.
type Stretch struct {
	Min []float64
	Max []float64
}

// ToImage renders a tile as RGBA. One- and two-band tiles render band 0 as
// gray, wider tiles render their first three bands. Pixels null on every
// band become fully transparent.
func ToImage(t *OutputTile, st Stretch) *image.RGBA {
	w, h := t.Rect.Dx(), t.Rect.Dy()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if t.Bands == 0 {
		return img
	}

	channels := [3]int{0, 0, 0}
	if t.Bands >= 3 {
		channels = [3]int{0, 1, 2}
	}

	for i := 0; i < w*h; i++ {
		isNull := true
		for b := 0; b < t.Bands; b++ {
			if ReadSample(t.Planes[b], i, t.Scalar) != t.Nulls[b] {
				isNull = false
				break
			}
		}
		px := img.Pix[i*4 : i*4+4]
		if isNull {
			continue
		}
		for c, b := range channels {
			lo, hi := st.bounds(b, t.Scalar)
			px[c] = scale(ReadSample(t.Planes[b], i, t.Scalar), lo, hi)
		}
		px[3] = 0xff
	}
	return img
}

func (st Stretch) bounds(band int, s ScalarType) (float64, float64) {
	lo, hi := s.DefaultMin(), s.DefaultMax()
	if band < len(st.Min) {
		lo = st.Min[band]
	}
	if band < len(st.Max) {
		hi = st.Max[band]
	}
	return lo, hi
}

func scale(v, lo, hi float64) uint8 {
	if hi <= lo {
		return 0
	}
	switch {
	case v <= lo:
		return 0
	case v >= hi:
		return 255
	}
	return uint8((v - lo) / (hi - lo) * 255)
}

// EncodePNG writes img as PNG to w.
func EncodePNG(w io.Writer, img image.Image) error {
	return png.Encode(w, img)
}

// WritePNG writes img to filename, or to stdout when filename is empty.
func WritePNG(filename string, img image.Image) error {
	var output io.Writer

	if filename == "" {
		output = os.Stdout
	} else {
		file, err := os.Create(filename)
		if err != nil {
			return err
		}
		defer file.Close()
		output = file
	}

	return EncodePNG(output, img)
}

// WriteRaw writes the band planes of t back to back in host byte order.
func WriteRaw(w io.Writer, t *OutputTile) error {
	for b, p := range t.Planes {
		if _, err := w.Write(p); err != nil {
			return errors.Wrapf(err, "write band %d", b)
		}
	}
	return nil
}
