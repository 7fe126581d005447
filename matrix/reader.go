package matrix

import (
	"fmt"

	"golang.org/x/exp/mmap"

	"github.com/jmorganca/ngramidx/types/errtypes"
)

// Reader gives random access to the rows of an index file through a read
// only memory mapping.
type Reader struct {
	path   string
	r      *mmap.ReaderAt
	header Header
}

// Open maps path and validates that its length agrees with its header. A
// partially written file is rejected.
func Open(path string) (*Reader, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, &errtypes.IOError{Op: "open matrix", Path: path, Err: err}
	}

	h, err := readHeader(r)
	if err != nil {
		r.Close()
		return nil, &errtypes.FormatError{Path: path, Reason: err.Error()}
	}

	return &Reader{path: path, r: r, header: h}, nil
}

func cell(r *mmap.ReaderAt, i int) int32 {
	var b [CellSize]byte
	for j := range b {
		b[j] = r.At(i*CellSize + j)
	}

	return int32(byteOrder.Uint32(b[:]))
}

// readHeader recovers the width from the file length since narrow files
// don't store it.
func readHeader(r *mmap.ReaderAt) (Header, error) {
	size := int64(r.Len())
	if size < CellSize || size%CellSize != 0 {
		return Header{}, fmt.Errorf("length %d is not a whole number of ids", size)
	}

	samples := int64(cell(r, 0))
	if samples < 0 {
		return Header{}, fmt.Errorf("negative sample count %d", samples)
	}

	cells := size / CellSize
	if cells%(samples+1) != 0 {
		return Header{}, fmt.Errorf("length %d does not hold %d rows", size, samples+1)
	}

	h := Header{Samples: samples, Width: int(cells / (samples + 1))}
	if h.Width >= 2 {
		if w := cell(r, 1); int(w) != h.Width {
			return Header{}, fmt.Errorf("header width %d does not match length-derived width %d", w, h.Width)
		}
	}

	if h.Width >= 3 {
		h.VocabSize = int(cell(r, 2))
	}

	return h, nil
}

func (r *Reader) Header() Header {
	return r.header
}

// Len is the number of data rows.
func (r *Reader) Len() int64 {
	return r.header.Samples
}

// Row returns data row i, counting from 1 as in the file.
func (r *Reader) Row(i int64) ([]int32, error) {
	if i < 1 || i > r.header.Samples {
		return nil, fmt.Errorf("row %d out of range [1, %d]", i, r.header.Samples)
	}

	b := make([]byte, r.header.RowSize())
	if _, err := r.r.ReadAt(b, i*r.header.RowSize()); err != nil {
		return nil, &errtypes.IOError{Op: "read matrix", Path: r.path, Err: err}
	}

	row := make([]int32, r.header.Width)
	for j := range row {
		row[j] = int32(byteOrder.Uint32(b[j*CellSize:]))
	}

	return row, nil
}

func (r *Reader) Close() error {
	return r.r.Close()
}
