// Package matrix reads and writes n-gram index files.
//
// An index file is a dense row-major array of little-endian int32 values
// with Width columns and Samples+1 rows. Row 0 is a header holding
// [Samples, Width, VocabSize, 0, ...]; rows 1 through Samples hold the
// n-gram windows. There is no other framing, so the file can be memory
// mapped and indexed directly.
//
// Header fields that do not fit in a narrow row are not stored: a width 1
// file records only Samples and a width 2 file records Samples and Width.
package matrix

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jmorganca/ngramidx/types/errtypes"
)

// CellSize is the size in bytes of a single id.
const CellSize = 4

var byteOrder = binary.LittleEndian

type Header struct {
	Samples   int64
	Width     int
	VocabSize int
}

func (h Header) validate() error {
	switch {
	case h.Width < 1:
		return &errtypes.ConfigurationError{Field: "ngram-size", Reason: fmt.Sprintf("must be at least 1, got %d", h.Width)}
	case h.Samples < 0 || h.Samples > math.MaxInt32:
		return &errtypes.ConfigurationError{Field: "samples", Reason: fmt.Sprintf("%d does not fit in the header", h.Samples)}
	case h.VocabSize < 0 || h.VocabSize > math.MaxInt32:
		return &errtypes.ConfigurationError{Field: "vocab-size", Reason: fmt.Sprintf("%d does not fit in the header", h.VocabSize)}
	}

	return nil
}

// Row renders the header as the first row of the matrix.
func (h Header) Row() []int32 {
	row := make([]int32, h.Width)
	fields := []int32{int32(h.Samples), int32(h.Width), int32(h.VocabSize)}
	copy(row, fields)
	return row
}

// RowSize is the size in bytes of one row.
func (h Header) RowSize() int64 {
	return int64(h.Width) * CellSize
}

// Size is the exact size in bytes of a complete file.
func (h Header) Size() int64 {
	return (h.Samples + 1) * h.RowSize()
}

func (h Header) String() string {
	return fmt.Sprintf("samples=%d width=%d vocab=%d", h.Samples, h.Width, h.VocabSize)
}
