package main

import (
	"fmt"
	"os"

	campusim "github.com/campusim/campusim-go"
)

// getClient creates a REST client authenticated with the stored token.
func getClient() *campusim.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'campusim login <phone> <password>' first.")
		os.Exit(1)
	}

	var opts []campusim.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, campusim.WithBaseURL(cfg.Default.BaseURL))
	}

	return campusim.NewClient(cfg.Auth.Token, opts...)
}

// getSession creates a full session (REST + realtime + local store) from the
// stored credential.
func getSession() *campusim.Session {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'campusim login <phone> <password>' first.")
		os.Exit(1)
	}

	var opts []campusim.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, campusim.WithBaseURL(cfg.Default.BaseURL))
	}

	sess, err := campusim.NewSession(campusim.NewClient("", opts...), cfg.Auth.Token, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid stored token: %v\n", err)
		os.Exit(1)
	}
	return sess
}

// maskToken shows the first 12 and last 4 characters of a credential.
// Anything too short to mask meaningfully is hidden entirely.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	if len(token) <= 16 {
		return token[:4] + "..." + token[len(token)-4:]
	}
	return token[:12] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
