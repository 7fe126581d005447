package ngram

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strconv"

	"github.com/jmorganca/ngramidx/types/errtypes"
)

const spoolPrefix = "ngramidx.tmp."

// Spool is the intermediate store between encoding and the matrix writer.
// Rows are kept on disk as text, one row per line, so an arbitrarily large
// corpus never has to fit in memory. The same file doubles as the optional
// human readable output.
//
// A Spool must always be closed. Close removes the file unless it was
// promoted to a permanent path.
type Spool struct {
	f     *os.File
	w     *bufio.Writer
	width int
	count int64
	buf   []byte

	promoted string
	closed   bool
}

// NewSpool creates an empty spool in dir, or the default temporary directory
// when dir is empty.
func NewSpool(dir string, width int) (*Spool, error) {
	if width < 1 {
		return nil, &errtypes.ConfigurationError{Field: "ngram-size", Reason: fmt.Sprintf("must be at least 1, got %d", width)}
	}

	f, err := os.CreateTemp(dir, spoolPrefix)
	if err != nil {
		return nil, &errtypes.IOError{Op: "create spool", Path: dir, Err: err}
	}

	slog.Debug("created spool", "path", f.Name())
	return &Spool{f: f, w: bufio.NewWriterSize(f, 1<<20), width: width}, nil
}

func (s *Spool) Name() string {
	return s.f.Name()
}

func (s *Spool) Width() int {
	return s.width
}

// Count is the number of rows appended.
func (s *Spool) Count() int64 {
	return s.count
}

func (s *Spool) Append(row Row) error {
	if len(row) != s.width {
		return fmt.Errorf("spool: row has %d ids, want %d", len(row), s.width)
	}

	s.buf = s.buf[:0]
	for i, id := range row {
		if i > 0 {
			s.buf = append(s.buf, ' ')
		}
		s.buf = strconv.AppendInt(s.buf, int64(id), 10)
	}
	s.buf = append(s.buf, '\n')

	if _, err := s.w.Write(s.buf); err != nil {
		return &errtypes.IOError{Op: "write spool", Path: s.Name(), Err: err}
	}

	s.count++
	return nil
}

func (s *Spool) flush() error {
	if err := s.w.Flush(); err != nil {
		return &errtypes.IOError{Op: "flush spool", Path: s.Name(), Err: err}
	}

	return nil
}

// Rows reads back every appended row in order. A yielded Row is only valid
// until the iteration continues.
func (s *Spool) Rows() iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if err := s.flush(); err != nil {
			yield(nil, err)
			return
		}

		if _, err := s.f.Seek(0, io.SeekStart); err != nil {
			yield(nil, &errtypes.IOError{Op: "rewind spool", Path: s.Name(), Err: err})
			return
		}

		// leave the offset at the end so later appends don't clobber rows
		defer s.f.Seek(0, io.SeekEnd)

		row := make(Row, s.width)
		sc := bufio.NewScanner(s.f)
		sc.Buffer(make([]byte, 0, 64*1024), max(bufio.MaxScanTokenSize, s.width*12+1))
		var n int
		for sc.Scan() {
			n++
			if err := parseRow(sc.Bytes(), row); err != nil {
				yield(nil, &errtypes.FormatError{Path: s.Name(), Line: n, Reason: err.Error()})
				return
			}

			if !yield(row, nil) {
				return
			}
		}

		if err := sc.Err(); err != nil {
			yield(nil, &errtypes.IOError{Op: "read spool", Path: s.Name(), Err: err})
		}
	}
}

// parseRow fills row from a line of space separated ids.
func parseRow(line []byte, row Row) error {
	var i int
	for start := 0; start < len(line); {
		end := start
		for end < len(line) && line[end] != ' ' {
			end++
		}

		if end > start {
			if i >= len(row) {
				return fmt.Errorf("too many ids, want %d", len(row))
			}

			id, err := strconv.ParseInt(string(line[start:end]), 10, 32)
			if err != nil {
				return err
			}

			row[i] = int32(id)
			i++
		}

		start = end + 1
	}

	if i != len(row) {
		return fmt.Errorf("got %d ids, want %d", i, len(row))
	}

	return nil
}

// Promote moves the spool to path. The spool can no longer be appended to
// or read from afterwards.
func (s *Spool) Promote(path string) error {
	if err := s.flush(); err != nil {
		return err
	}

	if err := s.f.Close(); err != nil {
		return &errtypes.IOError{Op: "close spool", Path: s.Name(), Err: err}
	}
	s.closed = true

	if err := os.Rename(s.Name(), path); err != nil {
		// likely a different filesystem
		slog.Debug("rename failed, copying spool", "from", s.Name(), "to", path, "error", err)
		if err := copyFile(s.Name(), path); err != nil {
			return &errtypes.IOError{Op: "promote spool", Path: path, Err: err}
		}

		if err := os.Remove(s.Name()); err != nil {
			slog.Warn("failed to remove spool", "path", s.Name(), "error", err)
		}
	}

	s.promoted = path
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// Close releases the spool and deletes its file unless it was promoted.
// It is safe to call more than once.
func (s *Spool) Close() error {
	if s.promoted != "" {
		return nil
	}

	var errs []error
	if !s.closed {
		s.closed = true
		errs = append(errs, s.f.Close())
	}

	if err := os.Remove(s.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, &errtypes.IOError{Op: "remove spool", Path: s.Name(), Err: err})
	}

	return errors.Join(errs...)
}
