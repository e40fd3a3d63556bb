package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/luisdh8/ollama-ecomerce/internal/client"
	"github.com/luisdh8/ollama-ecomerce/internal/models"
)

// callOptions are the per-call flags shared by complete and analyze.
type callOptions struct {
	model       string
	maxTokens   int
	temperature float64
	structured  bool
	noRoute     bool
}

func (o *callOptions) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&o.model, "model", "", "model id or alias; routed from the prompt size when empty")
	flags.IntVar(&o.maxTokens, "max-tokens", 0, "output token limit sent to the backend (0 leaves it to the model)")
	flags.Float64Var(&o.temperature, "temperature", client.DefaultTemperature, "sampling temperature")
	flags.BoolVar(&o.structured, "structured", false, "request JSON output and extract the payload from the reply")
	flags.BoolVar(&o.noRoute, "no-route", false, "use the default model instead of routing by prompt size")
}

// run resolves the model for messages and issues one completion.
func (a *app) run(ctx context.Context, messages []models.ChatMessage, opts callOptions) (*client.Response, error) {
	model := opts.model
	if model == "" && !opts.noRoute {
		planned := opts.maxTokens
		if planned == 0 {
			planned = a.cfg.PlannedOutput
		}
		model = a.router.Plan(ctx, messages, planned).Model
	}

	temperature := opts.temperature
	return a.client.Complete(ctx, client.Call{
		Messages:        messages,
		Model:           model,
		Temperature:     &temperature,
		MaxOutputTokens: opts.maxTokens,
		WantStructured:  opts.structured,
	})
}

func buildMessages(system, user string) []models.ChatMessage {
	var msgs []models.ChatMessage
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: system})
	}
	if strings.TrimSpace(user) != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: user})
	}
	return msgs
}

// renderReply returns the extracted payload as indented JSON when structured
// extraction succeeded, the raw text otherwise.
func renderReply(resp *client.Response) (string, error) {
	if resp.Structured == nil || !resp.Structured.OK() {
		return resp.Result.Text, nil
	}
	out, err := json.MarshalIndent(resp.Structured.Value, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode structured reply: %w", err)
	}
	return string(out), nil
}

func writeSummary(w io.Writer, label string, resp *client.Response) {
	fallback := ""
	if resp.FellBack {
		fallback = ", after streamed retry"
	}
	fmt.Fprintf(w, "%s: model %s, %s%s, %.1fs\n",
		label, resp.Result.Model, resp.Result.Mode, fallback, resp.Result.Elapsed.Seconds())
	yellow := color.New(color.FgYellow)
	if resp.Structured != nil && !resp.Structured.OK() {
		_, _ = yellow.Fprintf(w, "%s: no JSON payload found in reply: %v\n", label, resp.Structured.Err)
	}
	if resp.BudgetOverrun {
		_, _ = yellow.Fprintf(w, "%s: prompt exceeded the model context window, reply may be truncated\n", label)
	}
}

func newCompleteCmd(opts *globalOptions) *cobra.Command {
	var (
		call               callOptions
		system, systemFile string
		prompt, promptFile string
		skipCheck          bool
	)

	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Run one prompt and print the reply",
		Example: `  ollama-ecomerce complete --system "Clasifica el producto" --prompt "taladro inalámbrico"
  ollama-ecomerce complete --system-file perfil.txt --prompt-file compras.csv --structured`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sys, err := readText(system, systemFile, "system")
			if err != nil {
				return err
			}
			user, err := readText(prompt, promptFile, "prompt")
			if err != nil {
				return err
			}
			messages := buildMessages(sys, user)
			if len(messages) == 0 {
				return errors.New("a system or user prompt is required")
			}

			a, err := opts.build()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if !skipCheck {
				if err := a.backend.Available(ctx); err != nil {
					return fmt.Errorf("backend at %s is not reachable: %w", a.backend.BaseURL(), err)
				}
			}

			resp, err := a.run(ctx, messages, call)
			if err != nil {
				return err
			}

			out, err := renderReply(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			writeSummary(cmd.ErrOrStderr(), "complete", resp)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&system, "system", "", "system prompt")
	flags.StringVar(&systemFile, "system-file", "", "read the system prompt from a file")
	flags.StringVar(&prompt, "prompt", "", "user prompt")
	flags.StringVar(&promptFile, "prompt-file", "", "read the user prompt from a file, e.g. a CSV export")
	flags.BoolVar(&skipCheck, "skip-check", false, "do not check backend availability first")
	call.register(cmd)
	return cmd
}
