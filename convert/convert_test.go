package convert

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tfs "gotest.tools/v3/fs"

	"github.com/jmorganca/ngramidx/matrix"
	"github.com/jmorganca/ngramidx/types/errtypes"
	"github.com/jmorganca/ngramidx/vocab"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func cells(t *testing.T, p string) []int32 {
	t.Helper()

	b, err := os.ReadFile(p)
	require.NoError(t, err)

	out := make([]int32, len(b)/matrix.CellSize)
	require.NoError(t, binary.Read(bytes.NewReader(b), binary.LittleEndian, out))
	return out
}

func lines(t *testing.T, p string) []string {
	t.Helper()

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

func pruning(p vocab.Pruning) *vocab.Pruning {
	return &p
}

func TestRunTrigrams(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "a b c\n"))
	input := dir.Join("corpus.txt")

	s, err := Run(context.Background(), Options{
		Input:      input,
		NgramSize:  3,
		TextOutput: dir.Join("rows.txt"),
		TempDir:    dir.Path(),
		Logger:     discard,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"<unk>", "<s>", "a", "b", "c"}, lines(t, input+VocabSuffix))
	assert.Equal(t, []string{"1 1 2", "1 2 3", "2 3 4"}, lines(t, dir.Join("rows.txt")))
	assert.Equal(t, []int32{
		3, 3, 5,
		1, 1, 2,
		1, 2, 3,
		2, 3, 4,
	}, cells(t, input+OutputSuffix))

	assert.EqualValues(t, 3, s.Samples)
	assert.Equal(t, 5, s.VocabSize)
	assert.Equal(t, input+OutputSuffix, s.Output)
	assert.Equal(t, input+VocabSuffix, s.VocabPath)
	assert.True(t, s.VocabBuilt)
	assert.EqualValues(t, 16*3, s.Bytes)
	assert.EqualValues(t, 1, s.Lines)
	assert.EqualValues(t, 3, s.Tokens)
	assert.Zero(t, s.Unknown)
	assert.NotEmpty(t, s.RunID)

	// only the requested files are left
	entries, err := os.ReadDir(dir.Path())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"corpus.txt", "corpus.txt.vocab", "corpus.txt.idx.mmap", "rows.txt"}, names)
}

func TestRunBigramsPruned(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "the cat the dog\nthe cat\n"))
	input := dir.Join("corpus.txt")
	out := dir.Join("out.bin")

	s, err := Run(context.Background(), Options{
		Input:     input,
		NgramSize: 2,
		Output:    out,
		Pruning:   pruning(vocab.BySize(2)),
		TempDir:   dir.Path(),
		Logger:    discard,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"<unk>", "<s>", "the", "cat"}, lines(t, input+VocabSuffix))
	assert.Equal(t, []int32{
		6, 2,
		1, 2,
		2, 3,
		3, 2,
		2, 0,
		1, 2,
		2, 3,
	}, cells(t, out))
	assert.EqualValues(t, 1, s.Unknown)

	_, err = os.Stat(input + OutputSuffix)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRunUnigramThreshold(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "x x y\n"))
	input := dir.Join("corpus.txt")

	_, err := Run(context.Background(), Options{
		Input:     input,
		NgramSize: 1,
		Pruning:   pruning(vocab.ByThreshold(2)),
		TempDir:   dir.Path(),
		Logger:    discard,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"<unk>", "<s>", "x"}, lines(t, input+VocabSuffix))
	// narrow files carry only the sample count in the header
	assert.Equal(t, []int32{3, 2, 2, 0}, cells(t, input+OutputSuffix))
}

func TestRunVocabFile(t *testing.T) {
	dir := tfs.NewDir(t, "convert",
		tfs.WithFile("corpus.txt", "a b c\n"),
		tfs.WithFile("given.vocab", "<unk>\n<s>\nc\nb\n"),
	)
	input := dir.Join("corpus.txt")

	s, err := Run(context.Background(), Options{
		Input:     input,
		NgramSize: 3,
		VocabFile: dir.Join("given.vocab"),
		TempDir:   dir.Path(),
		Logger:    discard,
	})
	require.NoError(t, err)

	assert.Equal(t, []int32{
		3, 3, 4,
		1, 1, 0,
		1, 0, 3,
		0, 3, 2,
	}, cells(t, input+OutputSuffix))
	assert.False(t, s.VocabBuilt)
	assert.Equal(t, dir.Join("given.vocab"), s.VocabPath)
	assert.EqualValues(t, 1, s.Unknown)

	// a loaded vocabulary is never written back
	_, err = os.Stat(input + VocabSuffix)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRunEmptyCorpus(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "\n\n"))
	input := dir.Join("corpus.txt")

	s, err := Run(context.Background(), Options{Input: input, NgramSize: 3, TempDir: dir.Path(), Logger: discard})
	require.NoError(t, err)

	assert.Zero(t, s.Samples)
	assert.Equal(t, []string{"<unk>", "<s>"}, lines(t, input+VocabSuffix))
	assert.Equal(t, []int32{0, 3, 2}, cells(t, input+OutputSuffix))
}

func TestRunProgress(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "a b c\nd e\n"))

	var mu sync.Mutex
	last := map[Stage][2]int64{}
	_, err := Run(context.Background(), Options{
		Input:     dir.Join("corpus.txt"),
		NgramSize: 2,
		TempDir:   dir.Path(),
		Logger:    discard,
		Progress: func(stage Stage, done, total int64) {
			mu.Lock()
			defer mu.Unlock()
			last[stage] = [2]int64{done, total}
		},
	})
	require.NoError(t, err)

	want := map[Stage][2]int64{
		StageVocab:  {10, 10},
		StageEncode: {10, 10},
		StageWrite:  {5, 5},
	}
	if diff := cmp.Diff(want, last); diff != "" {
		t.Errorf("unexpected progress (-want +got):\n%s", diff)
	}
}

func TestRunInvalid(t *testing.T) {
	dir := tfs.NewDir(t, "convert",
		tfs.WithFile("corpus.txt", "a b c\n"),
		tfs.WithFile("bad.vocab", "a\nb\n"),
	)
	input := dir.Join("corpus.txt")

	cases := []struct {
		name string
		opts Options
	}{
		{"no input", Options{NgramSize: 2}},
		{"zero n", Options{Input: input, NgramSize: 0}},
		{"negative n", Options{Input: input, NgramSize: -1}},
		{"pruning and vocab", Options{Input: input, NgramSize: 2, Pruning: pruning(vocab.BySize(3)), VocabFile: dir.Join("bad.vocab")}},
		{"negative size", Options{Input: input, NgramSize: 2, Pruning: pruning(vocab.BySize(-1))}},
		{"output is input", Options{Input: input, NgramSize: 2, Output: input}},
		{"text is output", Options{Input: input, NgramSize: 2, Output: dir.Join("o"), TextOutput: dir.Join("o")}},
		{"vocab missing sentinels", Options{Input: input, NgramSize: 2, VocabFile: dir.Join("bad.vocab")}},
		{"text output is vocab file", Options{Input: input, NgramSize: 2, VocabFile: dir.Join("bad.vocab"), TextOutput: dir.Join("bad.vocab")}},
		{"output is vocab file", Options{Input: input, NgramSize: 2, VocabFile: dir.Join("bad.vocab"), Output: dir.Join("bad.vocab")}},
		{"vocab output is input", Options{Input: input, NgramSize: 2, VocabOutput: input}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = discard
			tt.opts.TempDir = dir.Path()
			_, err := Run(context.Background(), tt.opts)
			var cerr *errtypes.ConfigurationError
			require.ErrorAs(t, err, &cerr)

			// nothing is created on invalid configuration
			entries, err := os.ReadDir(dir.Path())
			require.NoError(t, err)
			assert.Len(t, entries, 2)
		})
	}
}

func TestRunMissingInput(t *testing.T) {
	dir := t.TempDir()
	_, err := Run(context.Background(), Options{Input: filepath.Join(dir, "missing.txt"), NgramSize: 2, TempDir: dir, Logger: discard})

	var ioErr *errtypes.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRunCanceled(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "a b c\n"))
	input := dir.Join("corpus.txt")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, Options{Input: input, NgramSize: 2, TempDir: dir.Path(), Logger: discard})
	require.ErrorIs(t, err, context.Canceled)

	_, err = os.Stat(input + OutputSuffix)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	matches, err := filepath.Glob(dir.Join("ngramidx.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func assertClean(t *testing.T, dir string, names ...string) {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, "ngramidx.tmp.*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "spool left behind")

	for _, name := range names {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.ErrorIs(t, err, fs.ErrNotExist, name)
	}
}

func TestRunWriteFailureRemovesSpool(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "a b c\nd e\n"))

	var encoded bool
	_, err := Run(context.Background(), Options{
		Input:     dir.Join("corpus.txt"),
		NgramSize: 2,
		Output:    dir.Join("missing", "out.bin"),
		TempDir:   dir.Path(),
		Logger:    discard,
		Progress: func(stage Stage, done, total int64) {
			if stage == StageEncode {
				encoded = true
			}
		},
	})

	var ioErr *errtypes.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.True(t, encoded, "rows were spooled before the matrix was created")
	assertClean(t, dir.Path(), filepath.Join("missing", "out.bin"))
}

func TestRunCanceledWhileEncoding(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "a b c\nd e\nf g\n"))
	input := dir.Join("corpus.txt")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := Run(ctx, Options{
		Input:      input,
		NgramSize:  2,
		TextOutput: dir.Join("rows.txt"),
		TempDir:    dir.Path(),
		Logger:     discard,
		Progress: func(stage Stage, done, total int64) {
			if stage == StageEncode {
				cancel()
			}
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assertClean(t, dir.Path(), "corpus.txt.idx.mmap", "rows.txt")
}

func TestRunDuplicateVocabLines(t *testing.T) {
	dir := tfs.NewDir(t, "convert",
		tfs.WithFile("corpus.txt", "a b\n"),
		tfs.WithFile("dup.vocab", "<unk>\n<s>\na\na\nb\n"),
	)
	input := dir.Join("corpus.txt")

	s, err := Run(context.Background(), Options{
		Input:     input,
		NgramSize: 3,
		VocabFile: dir.Join("dup.vocab"),
		TempDir:   dir.Path(),
		Logger:    discard,
	})
	require.NoError(t, err)

	// ids follow line numbers, so the header counts every line
	assert.Equal(t, 5, s.VocabSize)
	assert.Equal(t, []int32{
		2, 3, 5,
		1, 1, 2,
		1, 2, 4,
	}, cells(t, input+OutputSuffix))
}

func TestBuildVocabulary(t *testing.T) {
	dir := tfs.NewDir(t, "convert", tfs.WithFile("corpus.txt", "b a b\nc b a\n"))
	input := dir.Join("corpus.txt")

	v, err := BuildVocabulary(context.Background(), VocabOptions{
		Input:   input,
		Pruning: vocab.ByThreshold(2),
		Logger:  discard,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"<unk>", "<s>", "b", "a"}, v.Tokens())
	assert.Equal(t, []string{"<unk>", "<s>", "b", "a"}, lines(t, input+VocabSuffix))

	cases := map[string]VocabOptions{
		"output is input": {Input: input, Output: input, Pruning: vocab.BySize(2)},
		"negative size":   {Input: input, Output: dir.Join("x.vocab"), Pruning: vocab.BySize(-1)},
		"no input":        {Output: dir.Join("x.vocab")},
	}

	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			opts.Logger = discard
			_, err := BuildVocabulary(context.Background(), opts)
			var cerr *errtypes.ConfigurationError
			require.ErrorAs(t, err, &cerr)
		})
	}

	b, err := os.ReadFile(input)
	require.NoError(t, err)
	assert.Equal(t, "b a b\nc b a\n", string(b))
	_, err = os.Stat(dir.Join("x.vocab"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "counting tokens", StageVocab.String())
	assert.Equal(t, "encoding n-grams", StageEncode.String())
	assert.Equal(t, "writing matrix", StageWrite.String())
	assert.Equal(t, "Stage(9)", Stage(9).String())
}
