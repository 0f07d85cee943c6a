package commands

import (
	"fmt"
	"log/slog"
	"os"

	"git.home.luguber.info/inful/flowlite/diagram"
	"git.home.luguber.info/inful/flowlite/internal/sample"
)

// VisualizeCmd implements the 'visualize' command.
type VisualizeCmd struct {
	Output string `short:"o" help:"Output file path (optional, prints to stdout if not specified)"`
}

// Run renders the sample flow as Mermaid source.
func (cmd *VisualizeCmd) Run(_ *Global, _ *CLI) error {
	f, err := sample.Build()
	if err != nil {
		return fmt.Errorf("build sample flow: %w", err)
	}
	output := diagram.Render(f)

	if cmd.Output != "" {
		if err := os.WriteFile(cmd.Output, []byte(output), 0o644); err != nil {
			return fmt.Errorf("write output file: %w", err)
		}
		slog.Info("Diagram written", slog.String("file", cmd.Output))
		return nil
	}
	fmt.Print(output)
	return nil
}
