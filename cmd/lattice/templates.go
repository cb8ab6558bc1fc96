package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aretw0/lattice/pkg/adapters/file"
	"github.com/aretw0/lattice/pkg/template"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Work with template descriptors",
}

var templatesValidateCmd = &cobra.Command{
	Use:   "validate [dir]",
	Short: "Check a directory of YAML template descriptors",
	Long:  `Loads every *.yaml / *.yml file of dir, compiles each descriptor and reports the first error.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "templates"
		if len(args) > 0 {
			dir = args[0]
		} else if cfg, err := loadConfig(cmd); err == nil && cfg.Templates != "" {
			dir = cfg.Templates
		}

		reg := template.NewRegistry()
		if err := reg.Load(cmd.Context(), file.NewStore(dir)); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d templates in %s are valid\n", reg.Len(), dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesValidateCmd)
}
