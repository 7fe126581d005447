package matrix

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/jmorganca/ngramidx/types/errtypes"
)

// Writer appends rows to a new index file. The header, and therefore the
// number of rows, must be known up front.
type Writer struct {
	path   string
	header Header

	f       *os.File
	w       *bufio.Writer
	buf     []byte
	written atomic.Int64
	closed  bool
}

// Create truncates path, reserves space for the whole matrix and writes the
// header row. Running out of disk space is reported here rather than part
// way through the rows.
func Create(path string, h Header) (*Writer, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, &errtypes.IOError{Op: "create matrix", Path: path, Err: err}
	}

	if err := preallocate(f, h.Size()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &errtypes.IOError{Op: "allocate matrix", Path: path, Err: err}
	}

	slog.Debug("allocated matrix", "path", path, "header", h, "bytes", h.Size())

	w := &Writer{
		path:   path,
		header: h,
		f:      f,
		w:      bufio.NewWriterSize(f, 1<<20),
		buf:    make([]byte, h.RowSize()),
	}

	if err := w.put(h.Row()); err != nil {
		w.Abort()
		return nil, err
	}

	return w, nil
}

func (w *Writer) put(row []int32) error {
	for i, id := range row {
		byteOrder.PutUint32(w.buf[i*CellSize:], uint32(id))
	}

	if _, err := w.w.Write(w.buf); err != nil {
		return &errtypes.IOError{Op: "write matrix", Path: w.path, Err: err}
	}

	return nil
}

// Write appends one data row.
func (w *Writer) Write(row []int32) error {
	if w.closed {
		return &errtypes.IOError{Op: "write matrix", Path: w.path, Err: os.ErrClosed}
	}

	if len(row) != w.header.Width {
		return fmt.Errorf("matrix: row has %d ids, want %d", len(row), w.header.Width)
	}

	if w.written.Load() >= w.header.Samples {
		return fmt.Errorf("matrix: header declares %d rows", w.header.Samples)
	}

	if err := w.put(row); err != nil {
		return err
	}

	w.written.Add(1)
	return nil
}

// Written is the number of data rows written so far. It may be called from
// another goroutine.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

func (w *Writer) Header() Header {
	return w.header
}

// Close flushes and syncs the file. It fails if fewer rows were written than
// the header declares, in which case the file is left incomplete.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if n := w.written.Load(); n != w.header.Samples {
		w.f.Close()
		return &errtypes.FormatError{Path: w.path, Reason: fmt.Sprintf("wrote %d of %d rows", n, w.header.Samples)}
	}

	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return &errtypes.IOError{Op: "flush matrix", Path: w.path, Err: err}
	}

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return &errtypes.IOError{Op: "sync matrix", Path: w.path, Err: err}
	}

	if err := w.f.Close(); err != nil {
		return &errtypes.IOError{Op: "close matrix", Path: w.path, Err: err}
	}

	return nil
}

// Abort closes the writer and removes the partial file.
func (w *Writer) Abort() error {
	var errs []error
	if !w.closed {
		w.closed = true
		errs = append(errs, w.f.Close())
	}

	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, &errtypes.IOError{Op: "remove matrix", Path: w.path, Err: err})
	}

	return errors.Join(errs...)
}
