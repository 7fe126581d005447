package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmorganca/ngramidx/convert"
	"github.com/jmorganca/ngramidx/envconfig"
	"github.com/jmorganca/ngramidx/format"
	"github.com/jmorganca/ngramidx/logutil"
	"github.com/jmorganca/ngramidx/matrix"
	"github.com/jmorganca/ngramidx/progress"
	"github.com/jmorganca/ngramidx/vocab"
)

// pruning reads the pruning flags. It returns nil when a vocabulary file is
// given instead.
func pruning(cmd *cobra.Command) (*vocab.Pruning, error) {
	flags := cmd.Flags()
	if flags.Lookup("vocab-file") != nil {
		if path, _ := flags.GetString("vocab-file"); path != "" {
			return nil, nil
		}
	}

	if flags.Changed("prune-threshold") {
		n, err := flags.GetInt("prune-threshold")
		if err != nil {
			return nil, err
		}
		p := vocab.ByThreshold(n)
		return &p, nil
	}

	n, err := flags.GetInt("prune-vocab-size")
	if err != nil {
		return nil, err
	}
	p := vocab.BySize(n)
	return &p, nil
}

// stageBars shows one bar per stage, created the first time the stage
// reports. A stage without a known total, such as a corpus read from a pipe,
// gets a spinner instead.
type stageBars struct {
	p        *progress.Progress
	bars     map[convert.Stage]*progress.Bar
	spinners map[convert.Stage]*progress.Spinner
}

// newStageBars returns nil when progress should not be drawn.
func newStageBars(w io.Writer) *stageBars {
	if envconfig.NoProgress {
		return nil
	}

	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}

	return &stageBars{
		p:        progress.NewProgress(w),
		bars:     make(map[convert.Stage]*progress.Bar),
		spinners: make(map[convert.Stage]*progress.Spinner),
	}
}

func (s *stageBars) update(stage convert.Stage, done, total int64) {
	if total <= 0 && stage != convert.StageWrite {
		spinner, ok := s.spinners[stage]
		if !ok {
			spinner = progress.NewSpinner(stage.String())
			s.spinners[stage] = spinner
			s.p.Add(stage.String(), spinner)
		}

		spinner.SetMessage(fmt.Sprintf("%s %s", stage, format.HumanBytes(done)))
		return
	}

	bar, ok := s.bars[stage]
	if !ok {
		if stage == convert.StageWrite {
			bar = progress.NewCountBar(stage.String(), total, 0)
		} else {
			bar = progress.NewBar(stage.String(), total, 0)
		}

		s.bars[stage] = bar
		s.p.Add(stage.String(), bar)
	}

	bar.Set(done)
}

func (s *stageBars) callback() convert.ProgressFunc {
	if s == nil {
		return nil
	}

	return s.update
}

func (s *stageBars) stop() {
	if s != nil {
		s.p.Stop()
	}
}

func newTable(w io.Writer) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func BuildHandler(cmd *cobra.Command, args []string) error {
	input, err := cmd.Flags().GetString("input")
	if err != nil {
		return err
	}

	n, err := cmd.Flags().GetInt("ngram-size")
	if err != nil {
		return err
	}

	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	textOutput, err := cmd.Flags().GetString("output-text")
	if err != nil {
		return err
	}

	vocabFile, err := cmd.Flags().GetString("vocab-file")
	if err != nil {
		return err
	}

	p, err := pruning(cmd)
	if err != nil {
		return err
	}

	bars := newStageBars(cmd.ErrOrStderr())
	s, err := convert.Run(cmd.Context(), convert.Options{
		Input:       input,
		NgramSize:   n,
		Output:      output,
		TextOutput:  textOutput,
		Pruning:     p,
		VocabFile:   vocabFile,
		TempDir:     envconfig.TmpDir,
		LogInterval: envconfig.LogInterval,
		Progress:    bars.callback(),
		Logger:      slog.Default(),
	})
	bars.stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d samples mapped\n", s.Samples)
	printSummary(out, s)
	return nil
}

func printSummary(w io.Writer, s *convert.Summary) {
	vocabSource := "loaded"
	if s.VocabBuilt {
		vocabSource = "built"
	}

	data := [][]string{
		{"output", s.Output},
		{"size", format.HumanBytes(s.Bytes)},
		{"samples", format.Grouped(s.Samples)},
		{"ngram size", strconv.Itoa(s.NgramSize)},
		{"vocabulary", fmt.Sprintf("%s (%s, %s tokens)", s.VocabPath, vocabSource, format.Grouped(int64(s.VocabSize)))},
		{"lines", format.Grouped(s.Lines)},
		{"tokens", format.Grouped(s.Tokens)},
		{"unknown", format.Grouped(s.Unknown)},
	}

	if s.TextOutput != "" {
		data = append(data, []string{"text output", s.TextOutput})
	}

	data = append(data, []string{"elapsed", s.Elapsed.Round(time.Millisecond).String()})

	table := newTable(w)
	table.AppendBulk(data)
	table.Render()
}

func VocabHandler(cmd *cobra.Command, args []string) error {
	input, err := cmd.Flags().GetString("input")
	if err != nil {
		return err
	}

	output, err := cmd.Flags().GetString("output")
	if err != nil {
		return err
	}

	p, err := pruning(cmd)
	if err != nil {
		return err
	}

	bars := newStageBars(cmd.ErrOrStderr())
	opts := convert.VocabOptions{
		Input:    input,
		Output:   output,
		Pruning:  *p,
		Progress: bars.callback(),
		Logger:   slog.Default(),
	}
	v, err := convert.BuildVocabulary(cmd.Context(), opts)
	bars.stop()
	if err != nil {
		return err
	}

	if output == "" {
		output = input + convert.VocabSuffix
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%d tokens written to %s\n", v.Size(), output)
	return nil
}

// parseRows parses an inclusive 1-based range such as "1:10", "5:" or ":3".
func parseRows(s string, n int64) (int64, int64, error) {
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid row range %q, expected a:b", s)
	}

	first, last := int64(1), n
	if lo != "" {
		v, err := strconv.ParseInt(lo, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid row range %q: %w", s, err)
		}
		first = v
	}

	if hi != "" {
		v, err := strconv.ParseInt(hi, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid row range %q: %w", s, err)
		}
		last = min(v, n)
	}

	if first < 1 {
		return 0, 0, fmt.Errorf("invalid row range %q: rows start at 1", s)
	}

	return first, last, nil
}

func InspectHandler(cmd *cobra.Command, args []string) error {
	rows, err := cmd.Flags().GetString("rows")
	if err != nil {
		return err
	}

	vocabFile, err := cmd.Flags().GetString("vocab")
	if err != nil {
		return err
	}

	var v *vocab.Vocabulary
	if vocabFile != "" {
		v, err = vocab.ReadFile(vocabFile)
		if err != nil {
			return err
		}
	}

	r, err := matrix.Open(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	out := cmd.OutOrStdout()
	h := r.Header()

	vocabSize := "not stored"
	if h.Width >= 3 {
		vocabSize = format.Grouped(int64(h.VocabSize))
	}

	table := newTable(out)
	table.AppendBulk([][]string{
		{"samples", format.Grouped(h.Samples)},
		{"width", strconv.Itoa(h.Width)},
		{"vocabulary size", vocabSize},
		{"size", format.HumanBytes(h.Size())},
	})
	table.Render()

	if rows == "" {
		return nil
	}

	first, last, err := parseRows(rows, r.Len())
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	table = newTable(out)
	header := []string{"ROW", "IDS"}
	if v != nil {
		header = append(header, "TOKENS")
	}
	table.SetHeader(header)

	for i := first; i <= last; i++ {
		row, err := r.Row(i)
		if err != nil {
			return err
		}

		ids := make([]string, len(row))
		tokens := make([]string, len(row))
		for j, id := range row {
			ids[j] = strconv.Itoa(int(id))
			if v != nil {
				token, ok := v.Token(id)
				if !ok {
					token = "?"
				}
				tokens[j] = token
			}
		}

		line := []string{strconv.FormatInt(i, 10), strings.Join(ids, " ")}
		if v != nil {
			line = append(line, strings.Join(tokens, " "))
		}
		table.Append(line)
	}

	table.Render()
	return nil
}

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

func addPruningFlags(cmd *cobra.Command) {
	cmd.Flags().Int("prune-vocab-size", vocab.DefaultSize, "Keep only the most frequent tokens")
	cmd.Flags().Int("prune-threshold", 0, "Keep only tokens seen at least this many times")
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ngramidx",
		Short: "Build n-gram index files from text corpora",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			envconfig.LoadConfig()
			slog.SetDefault(logutil.NewLogger(cmd.ErrOrStderr(), envconfig.LogLevel()))
		},
	}

	cobra.EnableCommandSorting = false

	buildCmd := &cobra.Command{
		Use:     "build",
		Aliases: []string{"convert"},
		Short:   "Convert a corpus into a vocabulary and an n-gram matrix",
		Args:    cobra.NoArgs,
		RunE:    BuildHandler,
	}

	buildCmd.Flags().StringP("input", "i", "", "Corpus to convert, one sentence per line")
	buildCmd.Flags().IntP("ngram-size", "n", 0, "Number of ids per row")
	buildCmd.Flags().StringP("output", "o", "", "Matrix path (default \"<input>"+convert.OutputSuffix+"\")")
	buildCmd.Flags().StringP("output-text", "t", "", "Also keep the rows as text at this path")
	buildCmd.Flags().String("vocab-file", "", "Use an existing vocabulary instead of building one")
	addPruningFlags(buildCmd)
	buildCmd.MarkFlagsMutuallyExclusive("prune-vocab-size", "prune-threshold", "vocab-file")
	for _, name := range []string{"input", "ngram-size"} {
		if err := buildCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}

	vocabCmd := &cobra.Command{
		Use:   "vocab",
		Short: "Build only the vocabulary of a corpus",
		Args:  cobra.NoArgs,
		RunE:  VocabHandler,
	}

	vocabCmd.Flags().StringP("input", "i", "", "Corpus to count")
	vocabCmd.Flags().StringP("output", "o", "", "Vocabulary path (default \"<input>"+convert.VocabSuffix+"\")")
	addPruningFlags(vocabCmd)
	vocabCmd.MarkFlagsMutuallyExclusive("prune-vocab-size", "prune-threshold")
	if err := vocabCmd.MarkFlagRequired("input"); err != nil {
		panic(err)
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect MATRIX",
		Short: "Show the header and rows of a matrix file",
		Args:  cobra.ExactArgs(1),
		RunE:  InspectHandler,
	}

	inspectCmd.Flags().String("rows", "", "Rows to print, as first:last counting from 1")
	inspectCmd.Flags().String("vocab", "", "Vocabulary used to decode ids")

	envs := []envconfig.EnvVar{}
	for _, name := range []string{"NGRAMIDX_DEBUG", "NGRAMIDX_TMPDIR", "NGRAMIDX_NOPROGRESS", "NGRAMIDX_LOG_INTERVAL"} {
		envs = append(envs, envconfig.AsMap()[name])
	}

	for _, cmd := range []*cobra.Command{buildCmd, vocabCmd} {
		appendEnvDocs(cmd, envs)
	}
	appendEnvDocs(inspectCmd, envs[:1])

	rootCmd.AddCommand(
		buildCmd,
		vocabCmd,
		inspectCmd,
	)

	return rootCmd
}
