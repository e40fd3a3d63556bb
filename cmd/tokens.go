package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/luisdh8/ollama-ecomerce/internal/models"
)

func newTokensCmd(opts *globalOptions) *cobra.Command {
	var (
		inline, file string
		output       int
	)

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Estimate prompt size for every configured model and show the routing choice",
		Long: `Tokens estimates the input against each configured profile. The backend's
own accounting is used when it answers, a local tokenizer otherwise.

Text comes from --text, --file, or standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			input, err := readInput(cmd.InOrStdin(), inline, file)
			if err != nil {
				return err
			}

			a, err := opts.build()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("output") {
				output = a.cfg.PlannedOutput
			}

			ctx := cmd.Context()
			headers := []string{"MODEL", "WINDOW", "TOKENS", "SOURCE", "FITS"}
			var rows [][]string
			for _, p := range a.catalog.Profiles() {
				est := a.estimator.Estimate(ctx, input, p.ID)
				fits := "unknown"
				if est.Reliable() {
					fits = strconv.FormatBool(p.Fits(est.Tokens, output))
				}
				rows = append(rows, []string{
					p.ID,
					strconv.Itoa(p.ContextWindow),
					strconv.Itoa(est.Tokens),
					string(est.Source),
					fits,
				})
			}

			out := cmd.OutOrStdout()
			if isTerminal(out) {
				fmt.Fprintln(out, renderTable(headers, rows, []columnAlignment{alignLeft, alignRight, alignRight, alignLeft, alignLeft}))
			} else {
				fmt.Fprintln(out, renderTSV(headers, rows))
			}

			plan := a.router.Plan(ctx, []models.ChatMessage{{Role: models.RoleUser, Content: input}}, output)
			fmt.Fprintf(cmd.ErrOrStderr(), "route: %s (needs %d of %d tokens, estimate from %s)\n",
				plan.Model, plan.Required, plan.Profile.ContextWindow, plan.Estimate.Source)
			if plan.BudgetExceeded {
				_, _ = color.New(color.FgYellow).Fprintln(cmd.ErrOrStderr(), "route: no configured model fits, using the largest window")
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&inline, "text", "", "text to estimate")
	flags.StringVar(&file, "file", "", "read the text from a file")
	flags.IntVar(&output, "output", 0, "planned output tokens (defaults to the configured value)")
	return cmd
}

func readInput(stdin io.Reader, inline, path string) (string, error) {
	switch {
	case inline != "" && path != "":
		return "", errors.New("use either --text or --file, not both")
	case inline != "":
		return inline, nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read input file: %w", err)
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
}
