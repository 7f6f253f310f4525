package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"dynamic-api/internal/models"
	"dynamic-api/internal/services"

	"github.com/spf13/cobra"
)

type createdClient struct {
	ClientID string `yaml:"client_id"`
	Name     string `yaml:"name"`
	Email    string `yaml:"email"`
	Role     string `yaml:"role"`
	APIKey   string `yaml:"api_key"`
}

func newClientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage API clients",
	}
	cmd.AddCommand(newClientCreateCmd())
	return cmd
}

// newClientCreateCmd registers a client directly against the metadata store.
// It is how the first admin is created.
func newClientCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an API client and print its key",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := cmd.Flags().GetString("name")
			if err != nil {
				return fmt.Errorf("failed to get name flag: %w", err)
			}
			email, err := cmd.Flags().GetString("email")
			if err != nil {
				return fmt.Errorf("failed to get email flag: %w", err)
			}
			role, err := cmd.Flags().GetString("role")
			if err != nil {
				return fmt.Errorf("failed to get role flag: %w", err)
			}
			scope, err := cmd.Flags().GetString("scope")
			if err != nil {
				return fmt.Errorf("failed to get scope flag: %w", err)
			}
			whitelist, err := cmd.Flags().GetStringSlice("ip-whitelist")
			if err != nil {
				return fmt.Errorf("failed to get ip-whitelist flag: %w", err)
			}
			if role != models.RoleAdmin && role != models.RoleClient {
				return fmt.Errorf("invalid role: %s", role)
			}
			var parsedScope models.Scope
			if scope != "" {
				if err := json.Unmarshal([]byte(scope), &parsedScope); err != nil {
					return fmt.Errorf("invalid scope: %w", err)
				}
			}

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			client, apiKey, err := a.auth.RegisterClient(cmd.Context(), services.Registration{
				Name:        name,
				Email:       email,
				Role:        role,
				Scope:       parsedScope,
				IPWhitelist: strings.Join(whitelist, ","),
			})
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), createdClient{
				ClientID: client.ClientID,
				Name:     client.Name,
				Email:    client.Email,
				Role:     client.Role,
				APIKey:   apiKey,
			})
		},
	}

	cmd.Flags().String("name", "", "client name")
	cmd.Flags().String("email", "", "contact email, unique per client")
	cmd.Flags().String("role", models.RoleClient, "admin or client")
	cmd.Flags().String("scope", "", `scope as JSON, e.g. {"categories":["reports"]}`)
	cmd.Flags().StringSlice("ip-whitelist", nil, "allowed client IPs or CIDRs")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}
