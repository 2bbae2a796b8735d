package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trackify/realtime/pkg/auth"
	"github.com/trackify/realtime/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

const defaultConfigPath = "~/.trackify/config.toml"

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	rootCmd := &cobra.Command{
		Use:           "trackify-realtime",
		Short:         "Real-time session and notification server for Trackify",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", defaultConfigPath, "Path to config file")

	rootCmd.AddCommand(serveCmd(), tokenCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		addr  string
		db    string
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			config, err := server.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Command-line flags override config file
			if addr != "" {
				config.Server.HTTPAddr = addr
			}
			if db != "" {
				config.Database.Path = db
			}

			serverConfig := config.ToServerConfig()
			if err := os.MkdirAll(filepath.Dir(serverConfig.DatabasePath), 0755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}

			if debug {
				server.EnableDebugLogging()
				log.Printf("Debug logging enabled")
			}

			srv, err := server.NewServer(serverConfig)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			log.Printf("Config: %s", configPath)
			log.Printf("Database: %s", serverConfig.DatabasePath)

			if err := srv.Start(); err != nil {
				srv.Stop()
				return fmt.Errorf("failed to start server: %w", err)
			}
			log.Printf("Trackify realtime %s started (ws://%s/ws)", Version, srv.Addr())

			// Wait for interrupt signal
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			log.Println("Shutting down server...")
			if err := srv.Stop(); err != nil {
				log.Printf("Error during shutdown: %v", err)
			}
			log.Println("Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&db, "db", "", "Path to SQLite database (overrides config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

// tokenCmd issues a development token signed with the configured secret
func tokenCmd() *cobra.Command {
	var (
		user  string
		ttl   time.Duration
		roles []string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed JWT for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			config, err := server.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if config.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set in %s", configPath)
			}

			signer, err := auth.NewJWTAuthenticator(config.Auth.JWTSecret, config.Auth.JWTIssuer)
			if err != nil {
				return err
			}
			token, err := signer.Issue(user, ttl, roles...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Username to put in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role claim (repeatable); \"admin\" may revoke any user's sessions")
	cmd.MarkFlagRequired("user")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Trackify realtime %s\n", Version)
		},
	}
}
