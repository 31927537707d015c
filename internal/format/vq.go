package format

import (
	"github.com/pkg/errors"

	"github.com/kiesman99/rastile/internal/source"
	"github.com/kiesman99/rastile/pkg/tile"
)

const maxVQTableBytes = 1 << 24

// vqHeader is the vector quantization compression header that follows the
// image data mask of C4 and M4 segments.
type vqHeader struct {
	codeRows    int
	codesPerRow int
	table       *tile.VQTable
}

// lookupRecord is one entry of the compression lookup offset table.
type lookupRecord struct {
	tableID        uint16
	records        uint32
	valuesPerEntry uint16
	valueBits      uint16
	offset         uint32
}

// readVQHeader reads the header and its lookup tables. Lookup offsets are
// relative to the start of the lookup subsection, the position of the
// offset table offset field.
func readVQHeader(r *source.Reader) (*vqHeader, error) {
	h := &vqHeader{
		codeRows:    int(r.Uint32()),
		codesPerRow: int(r.Uint32()),
	}
	codeBits := int(r.Uint8())
	algorithm := r.Uint16()
	numLookups := int(r.Uint16())
	r.Uint16() // parameter offset records
	lookupStart := r.Pos()
	tableOffset := r.Uint32()
	r.Uint16() // offset record length
	if r.Err() != nil {
		return nil, errors.Wrapf(tile.ErrMalformedHeader, "VQ header: %v", r.Err())
	}
	if algorithm != 1 {
		return nil, errors.Wrapf(tile.ErrMissingCompressionTable, "VQ algorithm %d", algorithm)
	}
	if numLookups <= 0 || codeBits <= 0 || codeBits > 32 || h.codeRows <= 0 || h.codesPerRow <= 0 {
		return nil, errors.Wrapf(tile.ErrMissingCompressionTable, "VQ header with %d tables, %d-bit codes", numLookups, codeBits)
	}

	tr := r.At(lookupStart + int64(tableOffset))
	recs := make([]lookupRecord, numLookups)
	for i := range recs {
		recs[i] = lookupRecord{
			tableID:        tr.Uint16(),
			records:        tr.Uint32(),
			valuesPerEntry: tr.Uint16(),
			valueBits:      tr.Uint16(),
			offset:         tr.Uint32(),
		}
	}
	if tr.Err() != nil {
		return nil, errors.Wrapf(tile.ErrMissingCompressionTable, "VQ offset table: %v", tr.Err())
	}

	vq := &tile.VQTable{CodeBits: codeBits, Rows: numLookups, Cols: int(recs[0].valuesPerEntry)}
	for _, rec := range recs {
		if int(rec.valuesPerEntry) != vq.Cols || rec.valueBits != 8 || rec.records != recs[0].records {
			return nil, errors.Wrapf(tile.ErrMissingCompressionTable,
				"VQ table %d: %d values of %d bits", rec.tableID, rec.valuesPerEntry, rec.valueBits)
		}
		if int64(rec.records)*int64(rec.valuesPerEntry) > maxVQTableBytes {
			return nil, errors.Wrapf(tile.ErrMalformedHeader, "VQ table %d claims %d records", rec.tableID, rec.records)
		}
		dr := r.At(lookupStart + int64(rec.offset))
		data := dr.Bytes(int(rec.records) * int(rec.valuesPerEntry))
		if dr.Err() != nil {
			return nil, errors.Wrapf(tile.ErrMissingCompressionTable, "VQ table %d data: %v", rec.tableID, dr.Err())
		}
		vq.Tables = append(vq.Tables, data)
	}
	if vq.Cols == 0 {
		return nil, errors.Wrap(tile.ErrMissingCompressionTable, "VQ kernels with no columns")
	}
	h.table = vq
	return h, nil
}
