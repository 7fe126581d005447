// Package ngram turns tokenized corpus lines into fixed width windows of
// token ids.
package ngram

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"github.com/jmorganca/ngramidx/corpus"
	"github.com/jmorganca/ngramidx/logutil"
	"github.com/jmorganca/ngramidx/types/errtypes"
)

// Row is one window of token ids, oldest first.
type Row []int32

// Lookup is the part of a vocabulary an Encoder needs.
type Lookup interface {
	ID(token string) (int32, bool)
	Unknown() int32
	Start() int32
}

type Encoder struct {
	vocab Lookup
	size  int

	lines   int64
	tokens  int64
	unknown int64

	ids []int32
}

func NewEncoder(v Lookup, size int) (*Encoder, error) {
	if size < 1 {
		return nil, &errtypes.ConfigurationError{Field: "ngram-size", Reason: fmt.Sprintf("must be at least 1, got %d", size)}
	}

	return &Encoder{vocab: v, size: size}, nil
}

func (e *Encoder) Size() int {
	return e.size
}

// pad maps tokens to ids behind size-1 start markers. The returned slice is
// reused by the next call.
func (e *Encoder) pad(tokens []string) []int32 {
	e.ids = e.ids[:0]
	for range e.size - 1 {
		e.ids = append(e.ids, e.vocab.Start())
	}

	for _, token := range tokens {
		id, ok := e.vocab.ID(token)
		if !ok {
			id = e.vocab.Unknown()
			e.unknown++
		}
		e.ids = append(e.ids, id)
	}

	e.lines++
	e.tokens += int64(len(tokens))
	return e.ids
}

// windows yields every window of ids that ends on a real token.
func (e *Encoder) windows(ids []int32) iter.Seq[Row] {
	return func(yield func(Row) bool) {
		for end := e.size - 1; end < len(ids); end++ {
			if !yield(Row(ids[end-e.size+1 : end+1])) {
				return
			}
		}
	}
}

// Encode returns the rows for a single line. A line of T tokens yields T
// rows; an empty line yields none.
func (e *Encoder) Encode(tokens []string) []Row {
	if len(tokens) == 0 {
		return nil
	}

	var rows []Row
	for row := range e.windows(e.pad(tokens)) {
		rows = append(rows, append(Row(nil), row...))
	}

	return rows
}

// Rows lazily encodes every non-empty line of r. A yielded Row is only valid
// until the iteration continues; copy it to keep it.
func (e *Encoder) Rows(ctx context.Context, r io.Reader) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for line, err := range corpus.Lines(r) {
			if err != nil {
				yield(nil, err)
				return
			}

			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			logutil.Trace("encoding line", "line", line.Number, "tokens", len(line.Tokens))
			for row := range e.windows(e.pad(line.Tokens)) {
				if !yield(row, nil) {
					return
				}
			}
		}
	}
}

// Stats reports what the encoder has seen so far.
type Stats struct {
	Lines   int64
	Tokens  int64
	Unknown int64
}

func (e *Encoder) Stats() Stats {
	return Stats{Lines: e.lines, Tokens: e.tokens, Unknown: e.unknown}
}

func (s Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("lines", s.Lines),
		slog.Int64("tokens", s.Tokens),
		slog.Int64("unknown", s.Unknown),
	)
}
