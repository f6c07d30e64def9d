package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ineyio/tierrouter"
)

func newCompleteCmd(flags *globalFlags) *cobra.Command {
	var (
		hints   tierrouter.Hints
		asJSON  bool
		showRun bool
	)
	cmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Route one prompt and print the completion",
		Long:  "Route one prompt through the cascade. Without an argument the prompt is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			hints.Prompt = prompt

			r, closeFn, err := buildRouter(flags)
			if err != nil {
				return err
			}
			defer closeFn()

			// One invocation is one run unless the caller joins an existing one.
			if strings.TrimSpace(hints.RunID) == "" {
				hints.RunID = uuid.NewString()
			}
			meta := tierrouter.Classify(hints)
			out, err := r.Complete(cmd.Context(), prompt, meta)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			fmt.Fprintln(w, out.Text)
			if showRun {
				fmt.Fprintf(cmd.ErrOrStderr(), "run=%s provider=%s tier=%s calls=%d tokens=%d/%d\n",
					out.RunID, out.Provider, out.Tier, out.Attempts, out.TokensInEstimate, out.TokensOutEstimate)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&hints.RunID, "run-id", "", "run identifier; a fresh one is generated per invocation when empty")
	f.BoolVar(&hints.RequiresMath, "math", false, "request needs mathematical reasoning")
	f.BoolVar(&hints.RequiresHighQuality, "high-quality", false, "request needs the best available output")
	f.BoolVar(&hints.OfflineRequired, "offline", false, "only use the local fallback")
	f.Int64Var(&hints.EstimatedTokens, "tokens", 0, "estimated prompt tokens (estimated from the prompt when 0)")
	f.StringToStringVar(&hints.Metadata, "meta", nil, "routing metadata, e.g. --meta task=proof")
	f.BoolVar(&asJSON, "json", false, "print the full result as JSON")
	f.BoolVarP(&showRun, "verbose", "v", false, "print routing details to stderr")
	return cmd
}

func readPrompt(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(b))
	if prompt == "" {
		return "", fmt.Errorf("prompt is empty")
	}
	return prompt, nil
}
