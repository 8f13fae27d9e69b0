package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nerrad567/marchog-core/internal/definitions"
	"github.com/nerrad567/marchog-core/internal/infrastructure/config"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and definitions files without starting",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		defs, err := definitions.Load(cfg.Definitions.Path, cfg.MQTT.Topics.Root)
		if err != nil {
			return fmt.Errorf("loading definitions: %w", err)
		}

		out := cmd.OutOrStdout()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "config\t%s\n", configPath)
		fmt.Fprintf(w, "definitions\t%s\n", cfg.Definitions.Path)
		fmt.Fprintf(w, "topic root\t%s\n", cfg.MQTT.Topics.Root)
		fmt.Fprintf(w, "scenes\t%d\n", len(defs.Scenes))
		fmt.Fprintf(w, "automations\t%d\n", len(defs.Automations))
		if defs.Seeded {
			fmt.Fprintf(w, "note\tno scenes defined, default scene added\n")
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(out, "OK")
		return nil
	},
}
