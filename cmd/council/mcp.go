package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/council/internal/api"
	"github.com/kalambet/council/internal/config"
	"github.com/kalambet/council/internal/storage"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the council to an MCP client over stdio",
	Long: `Serve the council tools (list_council, ask_council, ask_advisor) over
the MCP stdio transport. Tools act as the user owning the configured
client token, or as --user when given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)
		if err := cfg.RequireServerSecrets(); err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		userID, err = resolveMCPUser(store, userID, cfg.Client.Token)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svc := buildServices(cfg, store)
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Members: store,
			Council: svc.conversation,
			UserID:  userID,
		})

		slog.Info("MCP server started (stdio transport)", "user_id", userID)
		stdio := server.NewStdioServer(mcpSrv)
		if err := stdio.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

func init() {
	mcpCmd.Flags().String("user", "", "user id the tools act as (default: owner of client.token)")
}

type tokenResolver interface {
	UserForToken(token string) (string, error)
}

func resolveMCPUser(store tokenResolver, userID, token string) (string, error) {
	if userID != "" {
		return userID, nil
	}
	if token == "" {
		return "", fmt.Errorf("no user: pass --user or configure client.token")
	}
	id, err := store.UserForToken(token)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("client.token is unknown or expired")
	}
	if err != nil {
		return "", fmt.Errorf("resolving client token: %w", err)
	}
	return id, nil
}
