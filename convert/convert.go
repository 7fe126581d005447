// Package convert turns a text corpus into an n-gram index file.
//
// A conversion runs three stages in order: the vocabulary is built from the
// corpus (or loaded), the corpus is encoded into rows of token ids which are
// spooled to a temporary file, and the spooled rows are copied into the
// binary matrix. Each stage finishes before the next one starts.
package convert

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/jmorganca/ngramidx/corpus"
	"github.com/jmorganca/ngramidx/logutil"
	"github.com/jmorganca/ngramidx/matrix"
	"github.com/jmorganca/ngramidx/ngram"
	"github.com/jmorganca/ngramidx/types/errtypes"
	"github.com/jmorganca/ngramidx/vocab"
)

const (
	OutputSuffix = ".idx.mmap"
	VocabSuffix  = ".vocab"

	// rows between progress callbacks and cancellation checks
	checkEvery = 4096
)

type Stage int

const (
	StageVocab Stage = iota
	StageEncode
	StageWrite
)

func (s Stage) String() string {
	switch s {
	case StageVocab:
		return "counting tokens"
	case StageEncode:
		return "encoding n-grams"
	case StageWrite:
		return "writing matrix"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// ProgressFunc receives progress for a stage. The corpus scans report bytes
// read out of the corpus size; the write stage reports rows.
type ProgressFunc func(stage Stage, done, total int64)

type Options struct {
	Input     string
	NgramSize int

	// Output defaults to Input with OutputSuffix appended.
	Output string
	// TextOutput, when set, keeps the encoded rows as text at this path.
	TextOutput string

	// Pruning and VocabFile are mutually exclusive. Pruning defaults to
	// keeping the vocab.DefaultSize most frequent tokens.
	Pruning   *vocab.Pruning
	VocabFile string
	// VocabOutput is where a built vocabulary is saved. It defaults to
	// Input with VocabSuffix appended.
	VocabOutput string

	TempDir     string
	LogInterval int64

	Progress ProgressFunc
	Logger   *slog.Logger
}

func (o *Options) progress(stage Stage, done, total int64) {
	if o.Progress != nil {
		o.Progress(stage, done, total)
	}
}

func invalid(field, format string, args ...any) error {
	return &errtypes.ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the options and fills in defaults.
func (o *Options) Validate() error {
	if o.Input == "" {
		return invalid("input", "is required")
	}

	if o.NgramSize < 1 {
		return invalid("ngram-size", "must be at least 1, got %d", o.NgramSize)
	}

	if o.Pruning != nil && o.VocabFile != "" {
		return invalid("vocab-file", "cannot be combined with %s pruning", o.Pruning.Mode)
	}

	if o.Pruning == nil && o.VocabFile == "" {
		p := vocab.BySize(vocab.DefaultSize)
		o.Pruning = &p
	}

	if o.Pruning != nil && o.Pruning.Value < 0 {
		return invalid("prune-"+o.Pruning.Mode.String(), "must not be negative, got %d", o.Pruning.Value)
	}

	if o.Output == "" {
		o.Output = o.Input + OutputSuffix
	}

	if o.VocabFile == "" && o.VocabOutput == "" {
		o.VocabOutput = o.Input + VocabSuffix
	}

	if o.LogInterval <= 0 {
		o.LogInterval = 10_000_000
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	inputs := map[string]string{"input": o.Input, "vocab-file": o.VocabFile}
	outputs := map[string]string{"output": o.Output, "output-text": o.TextOutput, "vocab-output": o.VocabOutput}
	return distinct(inputs, outputs)
}

// distinct rejects any output path that names an input or another output.
func distinct(inputs, outputs map[string]string) error {
	seen := make(map[string]string)
	for _, field := range slices.Sorted(maps.Keys(inputs)) {
		if p := inputs[field]; p != "" {
			seen[filepath.Clean(p)] = field
		}
	}

	for _, field := range slices.Sorted(maps.Keys(outputs)) {
		p := outputs[field]
		if p == "" {
			continue
		}

		if other, ok := seen[filepath.Clean(p)]; ok {
			return invalid(field, "%s is also used as %s", p, other)
		}
		seen[filepath.Clean(p)] = field
	}

	return nil
}

// VocabOptions configures a run that only builds a vocabulary.
type VocabOptions struct {
	Input string
	// Output defaults to Input with VocabSuffix appended.
	Output  string
	Pruning vocab.Pruning

	Progress ProgressFunc
	Logger   *slog.Logger
}

func (o *VocabOptions) Validate() error {
	if o.Input == "" {
		return invalid("input", "is required")
	}

	if o.Pruning.Value < 0 {
		return invalid("prune-"+o.Pruning.Mode.String(), "must not be negative, got %d", o.Pruning.Value)
	}

	if o.Output == "" {
		o.Output = o.Input + VocabSuffix
	}

	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	return distinct(map[string]string{"input": o.Input}, map[string]string{"output": o.Output})
}

// BuildVocabulary counts the corpus, prunes it and saves the vocabulary.
func BuildVocabulary(ctx context.Context, opts VocabOptions) (*vocab.Vocabulary, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger, _ := logutil.WithRun(opts.Logger)
	return buildVocabulary(ctx, opts, logger)
}

func buildVocabulary(ctx context.Context, opts VocabOptions, logger *slog.Logger) (*vocab.Vocabulary, error) {
	logger.Info("building vocabulary", "input", opts.Input, "pruning", opts.Pruning.String())
	f, err := corpus.Open(opts.Input)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if opts.Progress != nil {
		f.OnRead = func(consumed, size int64) {
			opts.Progress(StageVocab, consumed, size)
		}
	}

	freqs, err := vocab.Count(f)
	if err != nil {
		return nil, &errtypes.IOError{Op: "read corpus", Path: opts.Input, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := vocab.Build(freqs, opts.Pruning)
	if err := vocab.WriteFile(opts.Output, v); err != nil {
		return nil, err
	}

	logger.Info("built vocabulary",
		"path", opts.Output,
		"size", v.Size(),
		"distinct", freqs.Len(),
		"tokens", freqs.Total(),
		"lines", freqs.Lines())
	return v, nil
}

type Summary struct {
	RunID string

	Samples   int64
	NgramSize int
	VocabSize int

	Output     string
	Bytes      int64
	TextOutput string
	// VocabPath is the vocabulary that was written, or the one that was
	// loaded when the vocabulary came from a file.
	VocabPath  string
	VocabBuilt bool

	Lines   int64
	Tokens  int64
	Unknown int64

	Elapsed time.Duration
}

func (s *Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("samples", s.Samples),
		slog.Int("ngram_size", s.NgramSize),
		slog.Int("vocab_size", s.VocabSize),
		slog.String("output", s.Output),
		slog.Int64("bytes", s.Bytes),
		slog.Int64("unknown", s.Unknown),
		slog.Duration("elapsed", s.Elapsed),
	)
}

// Run performs a conversion. Invalid options and unusable vocabulary files
// are reported before any output file is created. On failure no temporary
// rows and no partial matrix are left behind.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	started := time.Now()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logger, runID := logutil.WithRun(opts.Logger)
	s := &Summary{RunID: runID, NgramSize: opts.NgramSize, Output: opts.Output}

	v, err := vocabulary(ctx, &opts, logger, s)
	if err != nil {
		return nil, err
	}
	s.VocabSize = v.Size()

	spool, err := ngram.NewSpool(opts.TempDir, opts.NgramSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := spool.Close(); err != nil {
			logger.Warn("failed to clean up spool", "error", err)
		}
	}()

	if err := encode(ctx, &opts, logger, v, spool, s); err != nil {
		return nil, err
	}

	if err := write(ctx, &opts, logger, spool, s); err != nil {
		return nil, err
	}

	if opts.TextOutput != "" {
		if err := spool.Promote(opts.TextOutput); err != nil {
			return nil, err
		}
		s.TextOutput = opts.TextOutput
		logger.Debug("kept text rows", "path", opts.TextOutput)
	}

	s.Elapsed = time.Since(started)
	logger.Info("conversion complete", "summary", s)
	return s, nil
}

func vocabulary(ctx context.Context, opts *Options, logger *slog.Logger, s *Summary) (*vocab.Vocabulary, error) {
	if opts.VocabFile != "" {
		v, err := vocab.ReadFile(opts.VocabFile)
		if err != nil {
			return nil, err
		}

		s.VocabPath = opts.VocabFile
		logger.Info("loaded vocabulary", "path", opts.VocabFile, "size", v.Size())
		return v, nil
	}

	v, err := buildVocabulary(ctx, VocabOptions{
		Input:    opts.Input,
		Output:   opts.VocabOutput,
		Pruning:  *opts.Pruning,
		Progress: opts.Progress,
	}, logger)
	if err != nil {
		return nil, err
	}

	s.VocabPath = opts.VocabOutput
	s.VocabBuilt = true
	return v, nil
}

func encode(ctx context.Context, opts *Options, logger *slog.Logger, v *vocab.Vocabulary, spool *ngram.Spool, s *Summary) error {
	f, err := corpus.Open(opts.Input)
	if err != nil {
		return err
	}
	defer f.Close()

	f.OnRead = func(consumed, size int64) {
		opts.progress(StageEncode, consumed, size)
	}

	enc, err := ngram.NewEncoder(v, opts.NgramSize)
	if err != nil {
		return err
	}

	logger.Info("encoding corpus", "input", opts.Input, "ngram_size", opts.NgramSize, "spool", spool.Name())
	for row, err := range enc.Rows(ctx, f) {
		if err != nil {
			if ctx.Err() != nil {
				return err
			}

			return &errtypes.IOError{Op: "read corpus", Path: opts.Input, Err: err}
		}

		if err := spool.Append(row); err != nil {
			return err
		}
	}

	stats := enc.Stats()
	s.Lines, s.Tokens, s.Unknown = stats.Lines, stats.Tokens, stats.Unknown
	logger.Info("encoded corpus", "rows", spool.Count(), "stats", stats)
	return nil
}

func write(ctx context.Context, opts *Options, logger *slog.Logger, spool *ngram.Spool, s *Summary) (err error) {
	h := matrix.Header{Samples: spool.Count(), Width: opts.NgramSize, VocabSize: s.VocabSize}
	w, err := matrix.Create(opts.Output, h)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if aerr := w.Abort(); aerr != nil {
				logger.Warn("failed to remove partial matrix", "path", opts.Output, "error", aerr)
			}
		}
	}()

	logger.Info("writing matrix", "path", opts.Output, "header", h.String(), "bytes", h.Size())
	opts.progress(StageWrite, 0, h.Samples)
	for row, err := range spool.Rows() {
		if err != nil {
			return err
		}

		if err := w.Write(row); err != nil {
			return err
		}

		n := w.Written()
		if n%opts.LogInterval == 0 {
			logger.Info("rows mapped", "rows", n, "of", h.Samples)
		}

		if n%checkEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			opts.progress(StageWrite, n, h.Samples)
		}
	}

	if err := w.Close(); err != nil {
		return err
	}

	opts.progress(StageWrite, h.Samples, h.Samples)
	s.Samples = h.Samples
	s.Bytes = h.Size()
	return nil
}
