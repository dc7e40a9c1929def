package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initBaseURL string

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "API base URL (default: production)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token> <user-id>",
	Short: "Store credentials for subsequent commands",
	Long:  "Store an auth token and the matching user id in ~/.matchctl/config.toml.\nTokens come from the app's developer settings; matchctl never issues them.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Auth.Token = args[0]
		cfg.Auth.UserID = args[1]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Println("Credentials saved.")
		return nil
	},
}
