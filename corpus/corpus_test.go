package corpus

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/ngramidx/types/errtypes"
)

func collect(t *testing.T, r io.Reader) []Line {
	t.Helper()

	var lines []Line
	for line, err := range Lines(r) {
		require.NoError(t, err)
		lines = append(lines, line)
	}

	return lines
}

func TestLines(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  []Line
	}{
		{"empty", "", nil},
		{"single without newline", "a b c", []Line{{1, []string{"a", "b", "c"}}}},
		{"single with newline", "a b c\n", []Line{{1, []string{"a", "b", "c"}}}},
		{
			name:  "blank lines skipped",
			input: "a\n\n   \n\tb  c \n",
			want:  []Line{{1, []string{"a"}}, {4, []string{"b", "c"}}},
		},
		{"crlf", "x y\r\nz\r\n", []Line{{1, []string{"x", "y"}}, {2, []string{"z"}}}},
		{"only whitespace", "\n \n\t\n", nil},
		{"vertical tab and form feed", "a\vb\fc\n", []Line{{1, []string{"a", "b", "c"}}}},
		{"unicode spaces kept", "a\u00a0b c\u3000d\n", []Line{{1, []string{"a\u00a0b", "c\u3000d"}}}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := collect(t, strings.NewReader(tt.input))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("unexpected lines (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLinesLongLine(t *testing.T) {
	long := strings.Repeat("tok ", 1<<19)
	got := collect(t, strings.NewReader(long+"\nend\n"))
	require.Len(t, got, 2)
	assert.Len(t, got[0].Tokens, 1<<19)
	assert.Equal(t, []string{"end"}, got[1].Tokens)
}

func TestLinesStopEarly(t *testing.T) {
	var n int
	for range Lines(strings.NewReader("a\nb\nc\n")) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestLinesError(t *testing.T) {
	var errs int
	for _, err := range Lines(failingReader{}) {
		if err != nil {
			errs++
		}
	}
	assert.Equal(t, 1, errs)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "corpus.txt")
	require.NoError(t, os.WriteFile(p, []byte("a b\nc\n"), 0o644))

	f, err := Open(p)
	require.NoError(t, err)
	defer f.Close()

	var last, total int64
	f.OnRead = func(consumed, size int64) {
		last, total = consumed, size
	}

	assert.EqualValues(t, 6, f.Size())
	got := collect(t, f)
	assert.Len(t, got, 2)
	assert.EqualValues(t, 6, f.Consumed())
	assert.EqualValues(t, 6, last)
	assert.EqualValues(t, 6, total)
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.txt"))
	var ioErr *errtypes.IOError
	require.ErrorAs(t, err, &ioErr)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	_, err = Open(dir)
	require.ErrorAs(t, err, &ioErr)
}
