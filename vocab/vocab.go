// Package vocab builds, loads and persists the token to id mapping used to
// encode a corpus.
//
// A vocabulary built from a corpus always reserves id 0 for <unk> and id 1
// for <s>. The remaining ids follow descending token frequency; tokens seen
// the same number of times keep the order in which they first appeared.
package vocab

import (
	"bufio"
	"cmp"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/jmorganca/ngramidx/corpus"
	"github.com/jmorganca/ngramidx/types/errtypes"
)

const (
	Unknown = "<unk>"
	Start   = "<s>"

	DefaultSize = 10000
)

type Mode int

const (
	PruneSize Mode = iota
	PruneThreshold
)

func (m Mode) String() string {
	switch m {
	case PruneSize:
		return "size"
	case PruneThreshold:
		return "threshold"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Pruning selects which counted tokens make it into a vocabulary.
type Pruning struct {
	Mode  Mode
	Value int
}

// BySize keeps the n most frequent tokens.
func BySize(n int) Pruning {
	return Pruning{Mode: PruneSize, Value: n}
}

// ByThreshold keeps every token seen at least n times.
func ByThreshold(n int) Pruning {
	return Pruning{Mode: PruneThreshold, Value: n}
}

func (p Pruning) String() string {
	return fmt.Sprintf("%s=%d", p.Mode, p.Value)
}

type entry struct {
	token string
	count int
	order int
}

// before reports whether a ranks ahead of b.
func before(a, b entry) int {
	if c := cmp.Compare(b.count, a.count); c != 0 {
		return c
	}

	return cmp.Compare(a.order, b.order)
}

// Frequencies is the per-token occurrence table of a corpus.
type Frequencies struct {
	entries map[string]*entry
	lines   int
	total   int
}

// Count tallies the tokens of every non-empty line in r.
func Count(r io.Reader) (*Frequencies, error) {
	f := &Frequencies{entries: make(map[string]*entry)}
	for line, err := range corpus.Lines(r) {
		if err != nil {
			return nil, err
		}

		f.lines++
		for _, token := range line.Tokens {
			f.add(token)
		}
	}

	return f, nil
}

func (f *Frequencies) add(token string) {
	f.total++
	if e, ok := f.entries[token]; ok {
		e.count++
		return
	}

	f.entries[token] = &entry{token: token, count: 1, order: len(f.entries)}
}

// Len is the number of distinct tokens.
func (f *Frequencies) Len() int {
	return len(f.entries)
}

// Total is the number of token occurrences.
func (f *Frequencies) Total() int {
	return f.total
}

// Lines is the number of non-empty lines counted.
func (f *Frequencies) Lines() int {
	return f.lines
}

func (f *Frequencies) Count(token string) int {
	if e, ok := f.entries[token]; ok {
		return e.count
	}

	return 0
}

// ranked returns the tokens that survive p, best first. Literal sentinel
// tokens in the corpus are never ranked since they already own an id.
func (f *Frequencies) ranked(p Pruning) []entry {
	switch p.Mode {
	case PruneThreshold:
		var kept []entry
		for _, e := range f.entries {
			if isSentinel(e.token) || e.count < p.Value {
				continue
			}
			kept = append(kept, *e)
		}

		slices.SortFunc(kept, before)
		return kept
	default:
		if p.Value <= 0 {
			return nil
		}

		// the heap root is the weakest of the candidates kept so far
		h := binaryheap.NewWith(func(a, b entry) int { return before(b, a) })
		for _, e := range f.entries {
			if isSentinel(e.token) {
				continue
			}

			h.Push(*e)
			if h.Size() > p.Value {
				h.Pop()
			}
		}

		kept := make([]entry, 0, h.Size())
		for !h.Empty() {
			e, _ := h.Pop()
			kept = append(kept, e)
		}

		slices.Reverse(kept)
		return kept
	}
}

func isSentinel(token string) bool {
	return token == Unknown || token == Start
}

// Vocabulary maps tokens to ids. The id of a token is its index in the
// token list. It is not modified after construction.
type Vocabulary struct {
	tokens []string
	ids    map[string]int32
}

// Build assigns ids to the tokens in f that survive p.
func Build(f *Frequencies, p Pruning) *Vocabulary {
	ranked := f.ranked(p)

	v := &Vocabulary{
		tokens: make([]string, 0, len(ranked)+2),
		ids:    make(map[string]int32, len(ranked)+2),
	}

	v.add(Unknown)
	v.add(Start)
	for _, e := range ranked {
		v.add(e.token)
	}

	return v
}

func (v *Vocabulary) add(token string) {
	if _, ok := v.ids[token]; !ok {
		v.ids[token] = int32(len(v.tokens))
	}
	v.tokens = append(v.tokens, token)
}

// Load reads a vocabulary with one token per line. A token's id is the index
// of the first line it appears on; later duplicates are ignored but still
// consume their line index. Both <unk> and <s> must be present.
func Load(r io.Reader) (*Vocabulary, error) {
	v := &Vocabulary{ids: make(map[string]int32)}

	br := bufio.NewReader(r)
	for {
		s, err := br.ReadString('\n')
		if len(s) > 0 {
			if len(v.tokens) >= math.MaxInt32 {
				return nil, &errtypes.FormatError{Line: len(v.tokens) + 1, Reason: "too many tokens"}
			}

			v.add(strings.Trim(s, " \t\n\v\f\r"))
		}

		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return nil, err
		}
	}

	for _, token := range []string{Unknown, Start} {
		if _, ok := v.ids[token]; !ok {
			return nil, &errtypes.ConfigurationError{
				Field:  "vocab",
				Reason: fmt.Sprintf("%s %s", errtypes.MissingSentinelErrMsg, token),
			}
		}
	}

	return v, nil
}

func ReadFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &errtypes.IOError{Op: "open vocabulary", Path: path, Err: err}
	}
	defer f.Close()

	v, err := Load(f)
	var cerr *errtypes.ConfigurationError
	var ferr *errtypes.FormatError
	switch {
	case errors.As(err, &cerr):
		cerr.Field = path
		return nil, cerr
	case errors.As(err, &ferr):
		ferr.Path = path
		return nil, ferr
	case err != nil:
		return nil, &errtypes.IOError{Op: "read vocabulary", Path: path, Err: err}
	}

	return v, nil
}

// WriteTo writes the tokens in id order, one per line.
func (v *Vocabulary) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)

	var n int64
	for _, token := range v.tokens {
		m, err := bw.WriteString(token + "\n")
		n += int64(m)
		if err != nil {
			return n, err
		}
	}

	return n, bw.Flush()
}

func WriteFile(path string, v *Vocabulary) error {
	f, err := os.Create(path)
	if err != nil {
		return &errtypes.IOError{Op: "create vocabulary", Path: path, Err: err}
	}

	if _, err := v.WriteTo(f); err != nil {
		f.Close()
		return &errtypes.IOError{Op: "write vocabulary", Path: path, Err: err}
	}

	if err := f.Close(); err != nil {
		return &errtypes.IOError{Op: "close vocabulary", Path: path, Err: err}
	}

	return nil
}

// Size is the size of the id space. For a loaded vocabulary with duplicate
// lines this is larger than the number of distinct tokens.
func (v *Vocabulary) Size() int {
	return len(v.tokens)
}

func (v *Vocabulary) Tokens() []string {
	return slices.Clone(v.tokens)
}

func (v *Vocabulary) ID(token string) (int32, bool) {
	id, ok := v.ids[token]
	return id, ok
}

// Token returns the token with the given id.
func (v *Vocabulary) Token(id int32) (string, bool) {
	if id < 0 || int(id) >= len(v.tokens) {
		return "", false
	}

	return v.tokens[id], true
}

// Lookup returns the id of token, or the id of <unk> when token is unknown.
func (v *Vocabulary) Lookup(token string) int32 {
	if id, ok := v.ids[token]; ok {
		return id
	}

	return v.ids[Unknown]
}

func (v *Vocabulary) Unknown() int32 {
	return v.ids[Unknown]
}

func (v *Vocabulary) Start() int32 {
	return v.ids[Start]
}
