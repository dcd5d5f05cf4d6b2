package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sage-x-project/brontide/config"
)

var (
	configShowEnv    string
	configShowDir    string
	configShowFormat string
)

var configShowCmd = &cobra.Command{
	Use:   "config-show",
	Short: "Print the effective configuration",
	Long: `Load configuration the same way a brontide process does at startup
(config directory + environment file + .env + BRONTIDE_* overrides) and
print the fully-defaulted, validated result.`,
	Example: `  # Show the effective config for the "production" environment
  brontide-cli config-show --env production

  # Show it as JSON, reading config/*.yaml from ./deploy/config
  brontide-cli config-show --config-dir ./deploy/config --format json`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configShowCmd)

	configShowCmd.Flags().StringVarP(&configShowEnv, "env", "e", "", "Environment to load (default: auto-detect)")
	configShowCmd.Flags().StringVarP(&configShowDir, "config-dir", "d", "config", "Directory containing <env>.yaml config files")
	configShowCmd.Flags().StringVarP(&configShowFormat, "format", "f", "yaml", "Output format (yaml, json)")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoaderOptions{
		ConfigDir:   configShowDir,
		Environment: configShowEnv,
		DotEnvPath:  ".env",
	})
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	switch configShowFormat {
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config as yaml: %w", err)
		}
		fmt.Print(string(data))
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal config as json: %w", err)
		}
		fmt.Println(string(data))
	default:
		return fmt.Errorf("unsupported output format: %s", configShowFormat)
	}

	if issues := config.ValidateConfiguration(cfg); len(issues) > 0 {
		fmt.Println("\nvalidation warnings:")
		for _, issue := range issues {
			fmt.Printf("  [%s] %s: %s\n", issue.Level, issue.Field, issue.Message)
		}
	}

	return nil
}
