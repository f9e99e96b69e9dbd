package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginPasswordFile string

func init() {
	loginCmd.Flags().StringVar(&loginPasswordFile, "password-file", "", "Read the password from a file (\"-\" prompts)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in and store the session tokens",
	Long: "Log in with a username and password and store the returned access and refresh tokens\n" +
		"in ~/.braum/config.toml. The password is taken from BRAUM_PASSWORD, --password-file,\n" +
		"or an interactive prompt.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		cfg, err := effectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		password, err := readPassword(loginPasswordFile)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := newClient(cfg)
		tokens, err := client.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		client.SetToken(tokens.AccessToken)
		me, err := client.Me(ctx)
		if err != nil {
			return fmt.Errorf("cannot fetch profile: %w", err)
		}

		// Only persist what the user configured, not env overrides.
		stored, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if flagBaseURL != "" {
			stored.Default.BaseURL = flagBaseURL
		}
		stored.Auth = ConfigAuth{
			Username:     username,
			UserID:       me.ID.String(),
			AccessToken:  tokens.AccessToken,
			RefreshToken: tokens.RefreshToken,
		}
		if err := saveConfig(stored); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as %s (id %s)\n", valueOrDefault(me.DisplayName, username), me.ID)
		if path, err := configPath(); err == nil {
			fmt.Printf("Tokens saved to %s\n", path)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.AccessToken == "" && cfg.Auth.RefreshToken == "" {
			fmt.Println("Not logged in.")
			return nil
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

// readPassword returns BRAUM_PASSWORD when set, the trimmed contents of
// path when given, and otherwise prompts on the terminal without echo.
func readPassword(path string) (string, error) {
	if pw := os.Getenv("BRAUM_PASSWORD"); pw != "" && path == "" {
		return pw, nil
	}
	if path != "" && path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("cannot read password file: %w", err)
		}
		pw := strings.TrimRight(string(data), "\r\n")
		if pw == "" {
			return "", fmt.Errorf("password file %s is empty", path)
		}
		return pw, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no terminal for the password prompt (set BRAUM_PASSWORD or use --password-file)")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("cannot read password: %w", err)
	}
	return string(pw), nil
}
