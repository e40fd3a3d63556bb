package cmd

import (
	"context"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	noColor    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "ollama-ecomerce",
		Short: "Route, estimate and run LLM analyses against a local Ollama server",
		Long: `ollama-ecomerce sends analysis prompts to a local Ollama server.

It estimates prompt size, routes oversized prompts to a model with a larger
context window, retries failed buffered calls once in streaming mode, and can
extract a JSON payload from free-form replies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to YAML configuration file (defaults apply when empty)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "path to a .env file; ignored when missing")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "override log format (text, json)")
	flags.BoolVar(&opts.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newServeCmd(opts),
		newCompleteCmd(opts),
		newAnalyzeCmd(opts),
		newTokensCmd(opts),
	)
	return root
}

// Execute runs the CLI with the provided arguments.
func Execute(ctx context.Context, args []string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
