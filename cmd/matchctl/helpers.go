package main

import (
	"fmt"
	"os"
	"time"

	campusmatch "github.com/campusmatch/campusmatch-go"
	"github.com/rs/zerolog"
)

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log client internals to stderr")
}

func cliLogger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
		w.TimeFormat = time.Kitchen
	})).With().Timestamp().Logger()
}

// requireAuth loads the config and fails with a hint when no credentials are
// stored yet.
func requireAuth() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("not authenticated: run 'matchctl init <token> <user-id>' first")
	}
	return cfg, nil
}

// newAPIClient builds the HTTP client from stored config.
func newAPIClient(cfg *Config) *campusmatch.Client {
	opts := []campusmatch.ClientOption{campusmatch.WithLogger(cliLogger())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, campusmatch.WithBaseURL(cfg.Default.BaseURL))
	}
	return campusmatch.NewClient(cfg.Auth.Token, opts...)
}

func formatMessage(selfID string, m campusmatch.Message) string {
	who := "them"
	if m.SenderID == selfID {
		who = "you"
	}
	marker := ""
	switch m.DeliveryState() {
	case campusmatch.DeliveryPending:
		marker = " (pending)"
	case campusmatch.DeliverySeen:
		marker = " (seen)"
	}
	return fmt.Sprintf("[%s] %s: %s%s", m.CreatedAt.Local().Format("15:04"), who, m.Content, marker)
}
