// Package corpus reads whitespace-tokenized text one line at a time.
package corpus

import (
	"bufio"
	"errors"
	"io"
	"iter"
	"os"
	"strings"
	"sync/atomic"

	"github.com/jmorganca/ngramidx/types/errtypes"
)

// Line is a non-empty corpus line split into tokens. Number is 1-based and
// counts every physical line, including the blank ones that were skipped.
type Line struct {
	Number int
	Tokens []string
}

// Tokenize splits s on ASCII whitespace. Other Unicode spaces, such as a
// non-breaking space, are part of a token.
func Tokenize(s string) []string {
	return strings.FieldsFunc(s, isSpace)
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}

	return false
}

// Lines yields the tokenized non-empty lines of r in order. Lines of any
// length are supported.
func Lines(r io.Reader) iter.Seq2[Line, error] {
	return func(yield func(Line, error) bool) {
		br := bufio.NewReaderSize(r, 1<<20)
		var n int
		for {
			s, err := br.ReadString('\n')
			if len(s) > 0 {
				n++
				if tokens := Tokenize(s); len(tokens) > 0 {
					if !yield(Line{Number: n, Tokens: tokens}, nil) {
						return
					}
				}
			}

			if errors.Is(err, io.EOF) {
				return
			} else if err != nil {
				yield(Line{}, err)
				return
			}
		}
	}
}

// File is an open corpus that keeps track of how many bytes have been
// consumed so a progress display can poll it from another goroutine.
type File struct {
	f    *os.File
	size int64
	n    atomic.Int64

	// OnRead, when set, is called after every read with the bytes consumed
	// so far and the file size.
	OnRead func(consumed, size int64)
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errtypes.IOError{Op: "open corpus", Path: path, Err: err}
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &errtypes.IOError{Op: "stat corpus", Path: path, Err: err}
	}

	if fi.IsDir() {
		f.Close()
		return nil, &errtypes.IOError{Op: "open corpus", Path: path, Err: errors.New("is a directory")}
	}

	return &File{f: f, size: fi.Size()}, nil
}

func (f *File) Read(p []byte) (int, error) {
	n, err := f.f.Read(p)
	consumed := f.n.Add(int64(n))
	if f.OnRead != nil {
		f.OnRead(consumed, f.size)
	}
	return n, err
}

func (f *File) Close() error {
	return f.f.Close()
}

func (f *File) Name() string {
	return f.f.Name()
}

// Size is the size of the file when it was opened.
func (f *File) Size() int64 {
	return f.size
}

// Consumed reports the bytes read so far.
func (f *File) Consumed() int64 {
	return f.n.Load()
}
