package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(blockCmd)
}

var reportCmd = &cobra.Command{
	Use:   "report <user-id> <reason>",
	Short: "File a moderation report against a user",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := newAPIClient(cfg).ReportUser(ctx, args[0], args[1]); err != nil {
			return fmt.Errorf("report failed: %w", err)
		}
		fmt.Println("Report filed.")
		return nil
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <user-id>",
	Short: "Block a user and dissolve the match",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := newAPIClient(cfg).BlockUser(ctx, args[0]); err != nil {
			return fmt.Errorf("block failed: %w", err)
		}
		fmt.Println("User blocked.")
		return nil
	},
}
