package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const analysisPrefix = "analysis_"

// analysisPath names the report written for input, next to it unless outDir
// is set: ventas.csv -> analysis_ventas.txt.
func analysisPath(input, outDir string) string {
	base := filepath.Base(input)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	dir := outDir
	if dir == "" {
		dir = filepath.Dir(input)
	}
	return filepath.Join(dir, analysisPrefix+stem+".txt")
}

func newAnalyzeCmd(opts *globalOptions) *cobra.Command {
	var (
		call               callOptions
		system, systemFile string
		outDir             string
		parallel           int
		failFast           bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <file>...",
		Short: "Analyze each input file with the same system prompt",
		Long: `Analyze sends every input file as the user message of its own call, using
one shared system prompt, and writes the reply to analysis_<name>.txt.

Files are processed concurrently up to --parallel at a time. A failed file does
not stop the others unless --fail-fast is set.`,
		Example: `  ollama-ecomerce analyze --system-file sentimiento.txt reseñas/*.txt --parallel 4`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			sys, err := readText(system, systemFile, "system")
			if err != nil {
				return err
			}
			if strings.TrimSpace(sys) == "" {
				return errors.New("analyze requires --system or --system-file")
			}
			if parallel < 1 {
				return fmt.Errorf("--parallel must be at least 1, got %d", parallel)
			}
			if outDir != "" {
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return fmt.Errorf("create output directory: %w", err)
				}
			}

			a, err := opts.build()
			if err != nil {
				return err
			}

			return a.analyzeFiles(cmd, files, analyzeOptions{
				system:   sys,
				call:     call,
				outDir:   outDir,
				parallel: parallel,
				failFast: failFast,
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&system, "system", "", "system prompt")
	flags.StringVar(&systemFile, "system-file", "", "read the system prompt from a file")
	flags.StringVar(&outDir, "out-dir", "", "directory for analysis files (defaults to each input's directory)")
	flags.IntVar(&parallel, "parallel", 2, "maximum concurrent calls")
	flags.BoolVar(&failFast, "fail-fast", false, "cancel remaining files after the first failure")
	call.register(cmd)
	return cmd
}

type analyzeOptions struct {
	system   string
	call     callOptions
	outDir   string
	parallel int
	failFast bool
}

func (a *app) analyzeFiles(cmd *cobra.Command, files []string, opts analyzeOptions) error {
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(opts.parallel)

	stdout := &lockedWriter{w: cmd.OutOrStdout()}
	stderr := &lockedWriter{w: cmd.ErrOrStderr()}

	failures := make([]error, len(files))
	for i, input := range files {
		g.Go(func() error {
			err := a.analyzeFile(ctx, input, opts, stdout, stderr)
			if err == nil {
				return nil
			}
			failures[i] = fmt.Errorf("%s: %w", input, err)
			a.logger.Error("analysis failed", "file", input, "error", err)
			if opts.failFast {
				return failures[i]
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := errors.Join(failures...); err != nil {
		return fmt.Errorf("analysis failed for some files:\n%w", err)
	}
	return nil
}

func (a *app) analyzeFile(ctx context.Context, input string, opts analyzeOptions, stdout, stderr io.Writer) error {
	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return errors.New("input is empty")
	}

	resp, err := a.run(ctx, buildMessages(opts.system, content), opts.call)
	if err != nil {
		return err
	}

	out, err := renderReply(resp)
	if err != nil {
		return err
	}

	path := analysisPath(input, opts.outDir)
	if err := os.WriteFile(path, []byte(out+"\n"), 0o644); err != nil {
		return fmt.Errorf("write analysis: %w", err)
	}

	writeSummary(stderr, filepath.Base(input), resp)
	fmt.Fprintln(stdout, path)
	return nil
}
