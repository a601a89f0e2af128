package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"chatd/internal/registry"
	"chatd/pkg/types"
)

func newModelsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "models",
		Aliases: []string{"ls", "list"},
		Short:   "List catalog and installed models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			models, err := mgr.ListModels()
			if err != nil {
				return err
			}
			renderModels(cmd.OutOrStdout(), a.cfg.ModelsDir, models)
			return nil
		},
	}
}

// renderModels prints one row per model. Installed models show their size
// on disk, others the catalog estimate.
func renderModels(w io.Writer, root string, models []types.ModelDescriptor) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Family", "Tokenizer", "Size", "Installed"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, m := range models {
		size := "-"
		if m.SizeMB > 0 {
			size = "~" + units.HumanSize(float64(m.SizeMB)*1e6)
		}
		if m.Installed {
			if l, err := registry.Resolve(root, m.Name); err == nil {
				if fi, err := os.Stat(l.Model); err == nil {
					size = units.HumanSize(float64(fi.Size()))
				}
			}
		}
		table.Append([]string{m.Name, m.Family, m.TokenizerKind(), size, strconv.FormatBool(m.Installed)})
	}
	table.Render()
}

func newPullCmd(a *app) *cobra.Command {
	var (
		url          string
		tokenizerURL string
		quiet        bool
	)
	cmd := &cobra.Command{
		Use:   "pull <name>",
		Short: "Download and validate a model",
		Long:  "Downloads a catalog model by name, or any model when --url is given, then loads it to validate.",
		Example: "  chatd pull TinyLlama-1.1B-Chat-v1.0-GGUF\n" +
			"  chatd pull my-model --url https://example.com/model.gguf",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			desc := types.ModelDescriptor{Name: args[0], URL: url, TokenizerURL: tokenizerURL}
			var sink func(types.ProgressEvent)
			if !quiet {
				sink = progressPrinter(cmd.ErrOrStderr())
			}
			msg, err := mgr.Acquire(cmd.Context(), desc, sink)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Model URL for names outside the catalog")
	cmd.Flags().StringVar(&tokenizerURL, "tokenizer-url", "", "SentencePiece tokenizer.model URL")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")
	return cmd
}

// progressPrinter renders progress events on one terminal line.
func progressPrinter(w io.Writer) func(types.ProgressEvent) {
	var mu sync.Mutex
	last := ""
	return func(ev types.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		line := fmt.Sprintf("%-11s %3d%%", ev.Status, ev.Progress)
		if ev.Total > 0 {
			line += fmt.Sprintf("  %s / %s", units.HumanSize(float64(ev.Downloaded)), units.HumanSize(float64(ev.Total)))
		} else if ev.Downloaded > 0 {
			line += "  " + units.HumanSize(float64(ev.Downloaded))
		}
		if line == last {
			return
		}
		last = line
		fmt.Fprintf(w, "\r%-48s", line)
		if ev.Status == types.StatusCompleted || ev.Status == types.StatusFailed {
			fmt.Fprintln(w)
		}
	}
}

func newRmCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <name>",
		Aliases: []string{"delete"},
		Short:   "Delete an installed model",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := a.newManager()
			if err != nil {
				return err
			}
			defer mgr.Close()
			msg, err := mgr.Delete(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}
