package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"chatd/internal/manager"
	"chatd/pkg/types"
)

// activate loads name into the manager; an installed valid model is not
// downloaded again.
func activate(ctx context.Context, mgr *manager.Manager, name string) error {
	if name == "" {
		return fmt.Errorf("--model is required")
	}
	_, err := mgr.Acquire(ctx, types.ModelDescriptor{Name: name}, nil)
	return err
}

func newChatCmd(a *app) *cobra.Command {
	var (
		model       string
		system      string
		temperature float64
		topK        int
		topP        float64
		seed        int64
		maxTokens   int
		showUsage   bool
	)
	cmd := &cobra.Command{
		Use:     "chat <message...>",
		Short:   "Send one user message to a model and print the reply",
		Example: "  chatd chat --model TinyLlama-1.1B-Chat-v1.0-GGUF --temperature 0.2 Write a haiku",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			if err := activate(cmd.Context(), mgr, model); err != nil {
				return err
			}
			req := types.ChatRequest{Options: map[string]any{}}
			if system != "" {
				req.Messages = append(req.Messages, types.ChatMessage{Role: types.RoleSystem, Content: system})
			}
			req.Messages = append(req.Messages, types.ChatMessage{Role: types.RoleUser, Content: strings.Join(args, " ")})
			f := cmd.Flags()
			if f.Changed("temperature") {
				req.Options["temperature"] = temperature
			}
			if f.Changed("top-k") {
				req.Options["top_k"] = topK
			}
			if f.Changed("top-p") {
				req.Options["top_p"] = topP
			}
			if f.Changed("seed") {
				req.Options["seed"] = seed
			}
			if f.Changed("max-tokens") {
				req.Options["max_tokens"] = maxTokens
			}
			resp, err := mgr.Chat(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Content)
			if showUsage {
				fmt.Fprintf(cmd.ErrOrStderr(), "finish=%s prompt_tokens=%d completion_tokens=%d truncated=%t\n",
					resp.FinishReason, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Truncated)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&model, "model", "m", "", "Model name (downloaded if missing)")
	f.StringVar(&system, "system", "", "System message prepended to the transcript")
	f.Float64Var(&temperature, "temperature", 0.8, "Sampling temperature; 0 is greedy")
	f.IntVar(&topK, "top-k", 40, "Keep the k most likely tokens")
	f.Float64Var(&topP, "top-p", 0.9, "Nucleus sampling mass")
	f.Int64Var(&seed, "seed", 0, "Sampling seed")
	f.IntVar(&maxTokens, "max-tokens", 1024, "Reply token budget")
	f.BoolVar(&showUsage, "usage", false, "Print token usage to stderr")
	return cmd
}

func newTokenizeCmd(a *app) *cobra.Command {
	var (
		model      string
		addSpecial bool
		decode     bool
	)
	cmd := &cobra.Command{
		Use:   "tokenize <text...>",
		Short: "Encode text with a model's tokenizer, or decode ids with --decode",
		Example: "  chatd tokenize -m TinyLlama-1.1B-Chat-v1.0-GGUF hello world\n" +
			"  chatd tokenize -m TinyLlama-1.1B-Chat-v1.0-GGUF --decode 22172 3186",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			if err := activate(cmd.Context(), mgr, model); err != nil {
				return err
			}
			if decode {
				ids, err := parseIDs(args)
				if err != nil {
					return err
				}
				text, err := mgr.Detokenize(cmd.Context(), ids)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			}
			ids, err := mgr.Tokenize(cmd.Context(), strings.Join(args, " "), addSpecial)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatIDs(ids))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&model, "model", "m", "", "Model name (downloaded if missing)")
	f.BoolVar(&addSpecial, "add-special", false, "Prepend the beginning-of-sequence marker")
	f.BoolVar(&decode, "decode", false, "Treat arguments as token ids and print the text")
	return cmd
}

func parseIDs(args []string) ([]int32, error) {
	var ids []int32
	for _, a := range args {
		for _, s := range splitCSV(a) {
			n, err := strconv.ParseInt(s, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("token id %q: %w", s, err)
			}
			ids = append(ids, int32(n))
		}
	}
	return ids, nil
}

func formatIDs(ids []int32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(parts, " ")
}
