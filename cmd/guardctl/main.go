package main

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "guardctl",
	Short: "apiguard operator CLI",
	Long:  "A CLI for inspecting an apiguard service: health, sessions and security events.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(csrfCmd())
}

// --- health ---

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show service health",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/sys/health")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- auth ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			password, _ := cmd.Flags().GetString("password")
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			if password == "" {
				fmt.Print("Password: ")
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Scan()
				password = strings.TrimSpace(scanner.Text())
			}

			sess, err := login(newClient(), email, password)
			if err != nil {
				printError(err.Error())
				return nil
			}
			cfg.Session = sess
			if err := saveConfig(); err != nil {
				printError("saving session: " + err.Error())
				return nil
			}
			printSuccess("Login successful. Session saved to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().String("password", "", "Account password (prompted when empty)")
	return cmd
}

// login posts the credentials with a double-submit CSRF pair and returns the
// session state to persist.
func login(c *Client, email, password string) (SessionState, error) {
	c.token = ""
	result, err := c.postWithCSRF("/v1/auth/login", map[string]any{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return SessionState{}, err
	}
	token, _ := result["token"].(string)
	if token == "" {
		return SessionState{}, fmt.Errorf("login response carried no token")
	}
	return SessionState{
		Email:         email,
		Token:         token,
		ExpiresAt:     parseTime(result["expiresAt"]),
		CSRFToken:     c.csrf,
		CSRFExpiresAt: cfg.Session.CSRFExpiresAt,
	}, nil
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the current session and forget the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().postWithCSRF("/v1/auth/logout", nil); err != nil {
				printError(err.Error())
			}
			cfg.Session = SessionState{}
			if err := saveConfig(); err != nil {
				printError("saving config: " + err.Error())
				return nil
			}
			printSuccess("Logged out")
			return nil
		},
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity behind the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/me")
			if err != nil {
				printError(err.Error())
				return nil
			}
			if data, ok := result["data"].(map[string]any); ok {
				printResult(data)
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

// --- events ---

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Inspect security events"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, name := range []string{"type", "severity", "ip", "user", "source"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q.Set(name, v)
				}
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/sys/security-events"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().get(path)
			if err != nil {
				printError(err.Error())
				return nil
			}
			events, _ := result["data"].([]any)
			printEvents(events)
			return nil
		},
	}
	listCmd.Flags().String("type", "", "Filter by event type")
	listCmd.Flags().String("severity", "", "Minimum severity: low, medium, high, critical")
	listCmd.Flags().String("ip", "", "Filter by source address")
	listCmd.Flags().String("user", "", "Filter by user id")
	listCmd.Flags().String("source", "", "memory (default) or archive")
	listCmd.Flags().Int("limit", 0, "Maximum number of events")

	cmd.AddCommand(listCmd)
	return cmd
}

// --- csrf ---

func csrfCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "csrf", Short: "CSRF token helpers"}
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a CSRF token and cache it for later commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			if err := c.fetchCSRF(); err != nil {
				printError(err.Error())
				return nil
			}
			if err := saveConfig(); err != nil {
				printError("saving config: " + err.Error())
				return nil
			}
			printResult(map[string]any{
				"token":     cfg.Session.CSRFToken,
				"expiresAt": cfg.Session.CSRFExpiresAt.Format(time.RFC3339),
			})
			return nil
		},
	}
	cmd.AddCommand(tokenCmd)
	return cmd
}
