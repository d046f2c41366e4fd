package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gantrycd/gantry/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate CONFIG",
	Short: "Validate a tenant configuration file",
	Long: `Load and validate a tenant configuration file without starting the
scheduler, then print a summary of the pipelines, queues, and semaphores
it describes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(args[0])
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %v", err)
		}

		fmt.Printf("Tenant: %s\n", cfg.Tenant)
		fmt.Printf("Pipelines (%d):\n", len(cfg.Pipelines))
		for _, p := range cfg.Pipelines {
			fmt.Printf("  %s (%s", p.Name, p.Manager)
			if len(p.Supercedes) > 0 {
				fmt.Printf(", supercedes %v", p.Supercedes)
			}
			if p.DisableAfter > 0 {
				fmt.Printf(", disable after %d failures", p.DisableAfter)
			}
			fmt.Println(")")
		}
		if len(cfg.Queues) > 0 {
			fmt.Printf("Queues (%d):\n", len(cfg.Queues))
			for _, q := range cfg.Queues {
				fmt.Printf("  %s (window %d)\n", q.Name, q.Window)
			}
		}
		if len(cfg.Semaphores) > 0 {
			fmt.Printf("Semaphores (%d):\n", len(cfg.Semaphores))
			for _, s := range cfg.Semaphores {
				fmt.Printf("  %s (max %d)\n", s.Name, s.Max)
			}
		}
		fmt.Println()
		fmt.Println("✓ Configuration is valid")
		return nil
	},
}
