package main

import (
	"fmt"
	"io"
	"os"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/aretw0/lattice/internal/demo"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/presentation/tui"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the todo demo in process and print every rendered frame",
	Long: `Runs an authority session and a renderer connected through an in-memory broker,
drives the todo app through a short script and prints the renderer's document
after each step.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		format, _ := cmd.Flags().GetString("format")
		items, _ := cmd.Flags().GetStringSlice("item")
		noColor, _ := cmd.Flags().GetBool("no-color")

		opts := []demo.LoopOption{demo.WithItems(items...)}
		// The demo stays quiet unless a level was asked for.
		if cmd.Flags().Changed("log-level") {
			level, _ := cfg.Level()
			opts = append(opts, demo.WithLoopLogger(logging.New(level)))
		}
		frames, err := demo.Script(cmd.Context(), opts...)
		if err != nil {
			return err
		}

		profile := termenv.Ascii
		if !noColor && isTerminal(os.Stdout) {
			profile = termenv.ColorProfile()
		}
		return printFrames(cmd.OutOrStdout(), frames, format, profile)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringP("format", "f", "html", "Output format (html, mermaid)")
	demoCmd.Flags().StringSlice("item", nil, "Seed the todo list (repeatable)")
	demoCmd.Flags().Bool("no-color", false, "Disable colored output")
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func printFrames(w io.Writer, frames []demo.Frame, format string, profile termenv.Profile) error {
	if format != "html" && format != "mermaid" {
		return fmt.Errorf("unknown format %q", format)
	}
	if format == "html" {
		tui.PrintBanner(w, profile)
	}
	for i, f := range frames {
		fmt.Fprintf(w, "%s %d: %s\n", heading(profile, "step"), i+1, f.Step)
		if format == "mermaid" {
			fmt.Fprintln(w, f.Mermaid)
			continue
		}
		out, err := tui.FormatHTML(f.HTML, profile)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, out)
	}
	return nil
}

func heading(p termenv.Profile, s string) string {
	if p == termenv.Ascii {
		return s
	}
	return p.String(s).Bold().String()
}
