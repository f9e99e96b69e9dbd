package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	braum "github.com/braumchat/braumchat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the access token has expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, braum.DefaultBaseURL+" (default)"))
		if cfg.Default.HistoryLimit > 0 {
			fmt.Printf("  History limit: %d\n", cfg.Default.HistoryLimit)
		}

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username:      %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:       %s\n", valueOrDefault(cfg.Auth.UserID, "(unknown)"))
		} else {
			fmt.Println("  Username:      (not logged in)")
		}
		fmt.Printf("  Access token:  %s\n", tokenStatus(cfg.Auth.AccessToken))
		fmt.Printf("  Refresh token: %s\n", tokenStatus(cfg.Auth.RefreshToken))

		if cfg.Auth.AccessToken == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _, _, err := authenticatedClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		me, err := client.Me(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		fmt.Printf("  Display name:  %s\n", me.DisplayName)
		fmt.Printf("  Email:         %s\n", valueOrDefault(me.Email, "(none)"))
		return nil
	},
}

func tokenStatus(token string) string {
	if token == "" {
		return "none"
	}
	exp, ok := braum.TokenExpiry(token)
	if !ok {
		return fmt.Sprintf("%s (no expiry)", maskToken(token))
	}
	if time.Now().Before(exp) {
		return fmt.Sprintf("%s valid (expires %s)", maskToken(token), exp.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s EXPIRED (expired %s)", maskToken(token), exp.Format(time.RFC3339))
}
