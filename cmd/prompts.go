package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"biome-tales/internal/prompts"
)

func newPromptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompts",
		Short: "Inspect the prompt templates",
	}

	var outDir string
	export := &cobra.Command{
		Use:   "export",
		Short: "Write every template as JSON so it can be edited and loaded from ai.prompt_dir",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := bootstrap()
			if err != nil {
				return err
			}

			tpl := prompts.NewDefaultEngine()
			if _, err := tpl.LoadDir(cfg.AI.PromptDir); err != nil {
				return err
			}

			if err := os.MkdirAll(outDir, 0755); err != nil {
				return err
			}
			for _, name := range tpl.Names() {
				data, err := tpl.ExportTemplate(name)
				if err != nil {
					return err
				}
				path := filepath.Join(outDir, name+".json")
				if err := os.WriteFile(path, []byte(data), 0644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			return nil
		},
	}
	export.Flags().StringVarP(&outDir, "out", "o", "prompts", "directory to write templates to")

	cmd.AddCommand(export)
	return cmd
}
