package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check realtime connectivity with the stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := newAPIClient(cfg)
		rt := client.Realtime(nil)
		defer rt.Close()

		connected := make(chan struct{}, 1)
		rt.OnConnected(func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("reconnecting: attempt %d in %s\n", attempt, delay)
		})
		rt.Open(ctx)

		select {
		case <-connected:
			fmt.Printf("Realtime: connected (state %s)\n", rt.State())
			return nil
		case <-ctx.Done():
			return fmt.Errorf("realtime handshake did not complete: state %s", rt.State())
		}
	},
}
