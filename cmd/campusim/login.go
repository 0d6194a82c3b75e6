package main

import (
	"context"
	"fmt"
	"time"

	campusim "github.com/campusim/campusim-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <phone> <password>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		phone, password := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var opts []campusim.ClientOption
		if cfg.Default.BaseURL != "" {
			opts = append(opts, campusim.WithBaseURL(cfg.Default.BaseURL))
		}
		client := campusim.NewClient("", opts...)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		token, err := client.Login(ctx, phone, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		userID, err := campusim.UserIDFromToken(token)
		if err != nil {
			return fmt.Errorf("server returned an unusable token: %w", err)
		}

		cfg.Auth.Token = token
		cfg.Auth.UserID = userID
		cfg.Auth.Phone = phone
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Logged in as user %d\n", userID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the stored session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Logged out.")
		return nil
	},
}
