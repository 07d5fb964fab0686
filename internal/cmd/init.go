package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wirechat/wirechat/internal/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "wirechat.json"
			}
			force, _ := cmd.Flags().GetBool("force")
			return writeStarterConfig(output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./wirechat.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeStarterConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return fmt.Errorf("generate jwt secret: %w", err)
	}

	starter := map[string]any{
		"server": map[string]any{
			"addr": ":8080",
		},
		"auth": map[string]any{
			"provider":   "builtin",
			"jwt_secret": secret,
			"jwt_expiry": "24h",
			"initial_user": map[string]any{
				"username": "admin",
				"password": "change-me-now",
			},
		},
		"storage": map[string]any{
			"driver": "sqlite",
			"dsn":    "wirechat.db",
		},
		"session": map[string]any{
			"max_conns_per_user": 10,
			"backlog_mode":       "summary",
		},
		"logging": map[string]any{
			"level":  "info",
			"format": "json",
		},
	}

	data, err := json.MarshalIndent(starter, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Println("review the generated settings, in particular the initial user password")
	return nil
}
