package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/modelmux/modelmux/pkg/config"
	"github.com/modelmux/modelmux/pkg/registry"
)

// NewValidateCmd creates the validate command: parse the config and catalog
// without starting anything.
func NewValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.Parse(configPath)
			if err != nil {
				return err
			}

			if cfg.CatalogPath != "" {
				entries, err := registry.LoadCatalogFile(cfg.CatalogPath)
				if err != nil {
					return err
				}
				if err := registry.New().Swap(entries); err != nil {
					return fmt.Errorf("catalog invalid: %w", err)
				}
				fmt.Printf("catalog ok: %d models\n", len(entries))
			}

			fmt.Println("config ok")
			return nil
		},
	}
}
