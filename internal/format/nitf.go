package format

import (
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/postproc"
	"github.com/kiesman99/rastile/internal/source"
	"github.com/kiesman99/rastile/pkg/tile"
)

// Security group field widths shared by the file and image subheaders.
var securityFields = []int{1, 2, 11, 2, 20, 2, 8, 4, 1, 8, 43, 1, 40, 1, 8, 15}

func isNITF(m []byte) bool {
	if len(m) < 4 {
		return false
	}
	s := string(m[:4])
	return s == "NITF" || s == "NSIF"
}

func skipSecurity(r *source.Reader) {
	for _, n := range securityFields {
		r.Skip(int64(n))
	}
}

// segment locates one image segment in the file.
type segment struct {
	header int64
	data   int64
	length int64
}

// imageHeader holds the image subheader fields the descriptor needs.
type imageHeader struct {
	rows, cols        int
	pvtype            string
	irep, icat        string
	abpp              int
	ic, comrat        string
	bands             []bandInfo
	imode             string
	nbpr, nbpc        int
	nppbh, nppbv      int
	nbpp              int
	iloc              string
	blockMaskOffsets  []uint32
	padMaskOffsets    []uint32
	hasTransparent    bool
	transparentCode   uint32
	blockedDataOffset int64
	vq                *vqHeader
	vqErr             error
}

type bandInfo struct {
	luts [][]byte
}

func parseNITF(ra io.ReaderAt, size int64, opts *Options) (*Result, error) {
	r := source.NewReader(ra, binary.BigEndian)
	fhdr := r.String(4)
	fver := r.String(5)
	if r.Err() != nil {
		return nil, errors.Wrap(tile.ErrMalformedHeader, "short NITF file header")
	}
	if !(fhdr == "NITF" && fver == "02.10") && !(fhdr == "NSIF" && fver == "01.00") {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "unsupported version %s%s", fhdr, fver)
	}
	// CLEVEL, STYPE, OSTAID, FDT, FTITLE
	r.Skip(2 + 4 + 10 + 14 + 80)
	skipSecurity(r)
	// FSCOP, FSCPYS, ENCRYP, FBKGC, ONAME, OPHONE, FL
	r.Skip(5 + 5 + 1 + 3 + 24 + 18 + 12)
	hl := r.Int(6)
	numi := r.Int(3)
	if r.Err() != nil {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "file header: %v", r.Err())
	}
	if numi <= 0 {
		return nil, errors.Wrap(tile.ErrMalformedHeader, "no image segments")
	}

	segs := make([]segment, numi)
	pos := int64(hl)
	for i := range segs {
		lish := r.Int(6)
		li := r.Int(10)
		if r.Err() != nil {
			return nil, errors.Wrapf(tile.ErrMalformedHeader, "image segment %d length: %v", i, r.Err())
		}
		segs[i] = segment{header: pos, data: pos + int64(lish), length: int64(li)}
		pos += int64(lish) + int64(li)
	}
	if pos > size {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "image segments end at %d past file size %d", pos, size)
	}

	res := &Result{Kind: KindNITF}
	for i, seg := range segs {
		hdr, err := readImageHeader(r.At(seg.header), seg)
		if err != nil {
			return nil, errors.Wrapf(err, "image segment %d", i)
		}
		d, err := buildNITFLevel(ra, hdr, seg, i)
		if err != nil {
			opts.skip(res, i, 0, err)
			continue
		}
		res.Entries = append(res.Entries, Entry{ID: i, Levels: []*tile.LayoutDescriptor{d}})
	}
	return res, nil
}

func readImageHeader(r *source.Reader, seg segment) (*imageHeader, error) {
	h := &imageHeader{}
	if im := r.String(2); im != "IM" {
		if r.Err() != nil {
			return nil, errors.Wrapf(tile.ErrMalformedHeader, "subheader: %v", r.Err())
		}
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "subheader tag %q", im)
	}
	// IID1, IDATIM, TGTID, IID2
	r.Skip(10 + 14 + 17 + 80)
	skipSecurity(r)
	// ENCRYP, ISORCE
	r.Skip(1 + 42)
	h.rows = r.Int(8)
	h.cols = r.Int(8)
	h.pvtype = r.String(3)
	h.irep = strings.ToUpper(r.String(8))
	h.icat = strings.ToUpper(r.String(8))
	h.abpp = r.Int(2)
	r.Skip(1) // PJUST
	if icords := r.Bytes(1); icords != nil && icords[0] != ' ' {
		r.Skip(60)
	}
	if nicom := r.Int(1); nicom > 0 {
		r.Skip(int64(nicom) * 80)
	}
	h.ic = strings.ToUpper(r.String(2))
	if h.ic != "NC" && h.ic != "NM" {
		h.comrat = r.String(4)
	}
	nbands := r.Int(1)
	if nbands == 0 {
		nbands = r.Int(5)
	}
	if r.Err() != nil {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "subheader: %v", r.Err())
	}
	if nbands <= 0 {
		return nil, errors.Wrap(tile.ErrMalformedHeader, "no bands")
	}
	h.bands = make([]bandInfo, nbands)
	for b := range h.bands {
		// IREPBAND, ISUBCAT, IFC, IMFLT
		r.Skip(2 + 6 + 1 + 3)
		nluts := r.Int(1)
		if nluts > 0 {
			nelut := r.Int(5)
			for l := 0; l < nluts && r.Err() == nil; l++ {
				h.bands[b].luts = append(h.bands[b].luts, r.Bytes(nelut))
			}
		}
	}
	r.Skip(1) // ISYNC
	h.imode = strings.ToUpper(r.String(1))
	h.nbpr = r.Int(4)
	h.nbpc = r.Int(4)
	h.nppbh = r.Int(4)
	h.nppbv = r.Int(4)
	h.nbpp = r.Int(2)
	// IDLVL, IALVL
	r.Skip(3 + 3)
	h.iloc = r.String(10)
	r.Skip(4) // IMAG
	if udidl := r.Int(5); udidl > 0 {
		r.Skip(int64(udidl))
	}
	if ixshdl := r.Int(5); ixshdl > 0 {
		r.Skip(int64(ixshdl))
	}
	if r.Err() != nil {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "subheader: %v", r.Err())
	}
	if h.rows <= 0 || h.cols <= 0 {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "image size %dx%d", h.cols, h.rows)
	}

	h.blockedDataOffset = seg.data
	switch h.ic {
	case "NM", "M1", "M3", "M4", "M5", "C4":
		mr := r.At(seg.data)
		readImageDataMask(mr, h)
		if mr.Err() != nil {
			return nil, errors.Wrapf(tile.ErrMalformedHeader, "image data mask: %v", mr.Err())
		}
	}
	return h, nil
}

// readImageDataMask parses the mask table that precedes masked image data.
func readImageDataMask(r *source.Reader, h *imageHeader) {
	start := r.Pos()
	imdatoff := r.Uint32()
	bmrlnth := r.Uint16()
	tmrlnth := r.Uint16()
	tpxcdlnth := r.Uint16()
	if tpxcdlnth > 0 {
		h.hasTransparent = true
		if tpxcdlnth < 9 {
			h.transparentCode = uint32(r.Uint8())
		} else {
			h.transparentCode = uint32(r.Uint16())
		}
	}

	records := h.nbpr * h.nbpc
	if h.imode == "S" {
		records *= len(h.bands)
	}
	if bmrlnth > 0 {
		h.blockMaskOffsets = make([]uint32, records)
		for i := range h.blockMaskOffsets {
			h.blockMaskOffsets[i] = r.Uint32()
		}
	}
	if tmrlnth > 0 || h.ic == "M3" {
		h.padMaskOffsets = make([]uint32, records)
		for i := range h.padMaskOffsets {
			h.padMaskOffsets[i] = r.Uint32()
		}
	}
	if h.ic == "C4" || h.ic == "M4" {
		h.vq, h.vqErr = readVQHeader(r)
	}
	h.blockedDataOffset = start + int64(imdatoff)
}

func pixelFormat(pvtype string) (tile.SampleFormat, error) {
	switch strings.ToUpper(pvtype) {
	case "INT":
		return tile.SampleUnsigned, nil
	case "SI":
		return tile.SampleSigned, nil
	case "R":
		return tile.SampleFloat, nil
	case "B":
		return tile.SampleBilevel, nil
	}
	return 0, errors.Wrapf(tile.ErrUnsupportedSampleFormat, "pixel value type %q", pvtype)
}

func interleaveFor(imode string) (tile.Interleave, error) {
	switch imode {
	case "B":
		return tile.BandInterleavedByBlock, nil
	case "S":
		return tile.BandSequential, nil
	case "P":
		return tile.BandInterleavedByPixel, nil
	case "R":
		return tile.BandInterleavedByLine, nil
	}
	return 0, errors.Wrapf(tile.ErrMalformedHeader, "image mode %q", imode)
}

// subImageOffset decodes ILOC (RRRRRCCCCC).
func subImageOffset(iloc string) (x, y int) {
	if len(iloc) != 10 {
		return 0, 0
	}
	y, _ = strconv.Atoi(strings.TrimSpace(iloc[:5]))
	x, _ = strconv.Atoi(strings.TrimSpace(iloc[5:]))
	return x, y
}

func buildNITFLevel(ra io.ReaderAt, h *imageHeader, seg segment, entry int) (*tile.LayoutDescriptor, error) {
	if h.irep == "NODISPLY" && h.icat != "DTEM" {
		return nil, errors.New("non-display representation")
	}
	sf, err := pixelFormat(h.pvtype)
	if err != nil {
		return nil, err
	}
	il, err := interleaveFor(h.imode)
	if err != nil {
		return nil, err
	}
	if h.nbpr <= 0 || h.nbpc <= 0 {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "block grid %dx%d", h.nbpr, h.nbpc)
	}

	d := &tile.LayoutDescriptor{
		Entry:            entry,
		Width:            h.cols,
		Height:           h.rows,
		Bands:            len(h.bands),
		OutputBands:      len(h.bands),
		BitsPerSample:    h.nbpp,
		ActualBits:       h.abpp,
		SampleFormat:     sf,
		Interleave:       il,
		BlockWidth:       h.nppbh,
		BlockHeight:      h.nppbv,
		BlocksPerRow:     h.nbpr,
		BlocksPerCol:     h.nbpc,
		ByteOrder:        binary.BigEndian,
		DataOffset:       h.blockedDataOffset,
		BlockMask:        h.blockMaskOffsets,
		PadPixelMask:     h.padMaskOffsets,
		HasTransparent:   h.hasTransparent,
		TransparentCode:  h.transparentCode,
		EdgeBlocksPadded: true,
		CompressionRate:  h.comrat,
	}
	if d.BlockWidth == 0 {
		d.BlockWidth = h.cols
	}
	if d.BlockHeight == 0 {
		d.BlockHeight = h.rows
	}
	d.SingleBlock = d.NumBlocks() == 1
	d.SubImageOffset.X, d.SubImageOffset.Y = subImageOffset(h.iloc)

	switch h.ic {
	case "NC", "NM":
		d.Scalar, err = scalarFor(h.nbpp, h.abpp, sf, 0)
		if err != nil {
			return nil, err
		}
		d.Compression = tile.Raw
		if h.nbpp != d.Scalar.Size()*8 {
			d.Compression = tile.PackedBits
		}
		if strings.Contains(h.irep, "LUT") && d.Bands == 1 {
			if err := useBandLUT(d, h, 3); err != nil {
				return nil, err
			}
			if h.nbpp != 8 {
				return nil, errors.Wrapf(tile.ErrUnsupportedSampleFormat, "%d-bit lookup table indices", h.nbpp)
			}
			d.Compression = tile.LookupTable
		}
	case "C3":
		if err := buildJPEG(ra, d, h, seg); err != nil {
			return nil, err
		}
	case "C4", "M4":
		if err := buildVQ(d, h); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Wrapf(tile.ErrUnsupportedCompression, "NITF compression %s", h.ic)
	}

	postproc.ApplyValueRange(d, postproc.Declared{})
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// useBandLUT attaches band 0's lookup tables and requires one of the
// allowed table counts.
func useBandLUT(d *tile.LayoutDescriptor, h *imageHeader, allowed ...int) error {
	luts := h.bands[0].luts
	if len(luts) == 0 {
		return errors.Wrap(tile.ErrMissingLUT, "band 0 has no lookup tables")
	}
	ok := false
	for _, n := range allowed {
		ok = ok || len(luts) == n
	}
	if !ok {
		return errors.Wrapf(tile.ErrUnsupportedBandCount, "%d lookup tables", len(luts))
	}
	lut := &tile.LUT{Values: make([][]uint16, len(luts)), Scalar: tile.Uint8}
	for b, table := range luts {
		if len(table) != len(luts[0]) {
			return errors.Wrap(tile.ErrMissingLUT, "lookup tables differ in length")
		}
		lut.Values[b] = make([]uint16, len(table))
		for i, v := range table {
			lut.Values[b][i] = uint16(v)
		}
	}
	d.LUT = lut
	d.OutputBands = lut.Bands()
	return nil
}

func buildVQ(d *tile.LayoutDescriptor, h *imageHeader) error {
	if h.vqErr != nil {
		return h.vqErr
	}
	if h.vq == nil {
		return errors.Wrap(tile.ErrMissingCompressionTable, "no VQ compression header")
	}
	if d.Bands != 1 {
		return errors.Wrapf(tile.ErrUnsupportedBandCount, "VQ data with %d bands", d.Bands)
	}
	if err := useBandLUT(d, h, 1, 3); err != nil {
		return err
	}
	vq := h.vq.table
	if vq.Cols*h.vq.codesPerRow != d.BlockWidth || vq.Rows*h.vq.codeRows != d.BlockHeight {
		return errors.Wrapf(tile.ErrMalformedHeader, "VQ kernels %dx%d x codes %dx%d do not fill %dx%d blocks",
			vq.Cols, vq.Rows, h.vq.codesPerRow, h.vq.codeRows, d.BlockWidth, d.BlockHeight)
	}
	d.VQ = vq
	d.Scalar = tile.Uint8
	d.Compression = tile.VectorQuantized
	d.TransparentKernels = h.ic == "M4"
	return nil
}

func buildJPEG(ra io.ReaderAt, d *tile.LayoutDescriptor, h *imageHeader, seg segment) error {
	if h.nbpp != 8 {
		return errors.Wrapf(tile.ErrUnsupportedCompression, "%d-bit JPEG", h.nbpp)
	}
	if h.imode != "B" && h.imode != "P" {
		return errors.Wrapf(tile.ErrUnsupportedCompression, "JPEG with image mode %s", h.imode)
	}
	d.Scalar = tile.Uint8
	d.Compression = tile.EntropyCoded
	d.Interleave = tile.BandInterleavedByPixel

	offsets, err := scanJPEGBlocks(ra, seg.data, seg.data+seg.length)
	if err != nil {
		return err
	}
	if len(offsets) < d.NumBlocks() {
		return errors.Wrapf(tile.ErrMalformedHeader, "found %d JPEG blocks, want %d", len(offsets), d.NumBlocks())
	}
	offsets = offsets[:d.NumBlocks()]
	d.BlockOffsets = offsets
	d.BlockByteCounts = make([]int64, len(offsets))
	for i, off := range offsets {
		end := seg.data + seg.length
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		d.BlockByteCounts[i] = end - off
	}
	return nil
}

// scanJPEGBlocks returns the offset of every start-of-image marker between
// start and end.
func scanJPEGBlocks(ra io.ReaderAt, start, end int64) ([]int64, error) {
	const chunk = 64 << 10
	var offsets []int64
	buf := make([]byte, chunk+1)
	for pos := start; pos < end; pos += chunk {
		n := int64(len(buf))
		if pos+n > end {
			n = end - pos
		}
		got, err := ra.ReadAt(buf[:n], pos)
		if int64(got) < n {
			return nil, errors.Wrapf(tile.ErrMalformedHeader, "scan JPEG blocks at %d: %v", pos, err)
		}
		limit := got - 1
		if limit > chunk {
			limit = chunk
		}
		for i := 0; i < limit; i++ {
			if buf[i] == 0xFF && buf[i+1] == 0xD8 {
				offsets = append(offsets, pos+int64(i))
			}
		}
	}
	return offsets, nil
}
