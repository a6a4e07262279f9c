package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/vernite/vernite/internal/config"
	"github.com/vernite/vernite/internal/db"
	ghclient "github.com/vernite/vernite/internal/github"
	"github.com/vernite/vernite/internal/server"
	"github.com/vernite/vernite/internal/sync"
	"github.com/vernite/vernite/internal/tokens"
	"github.com/vernite/vernite/internal/webhook"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `vernite — repository hosting integration engine

Usage:
  vernite serve [flags]   Start the HTTP server

Flags:
  --config   Config file path (default: %s)
  --addr     Address to listen on (overrides config)
`, config.DefaultPath())
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "--version", "version":
		fmt.Println("vernite " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "vernite %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runServe(args []string) error {
	configPath := config.DefaultPath()
	addr := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--addr":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		}
	}

	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	if _, err := database.EnsureSystemUser(); err != nil {
		return fmt.Errorf("ensuring system user: %w", err)
	}

	var appOpts []ghclient.Option
	if cfg.GitHub.APIBaseURL != "" {
		appOpts = append(appOpts, ghclient.WithBaseURL(cfg.GitHub.APIBaseURL))
	}
	appClient, err := ghclient.NewAppClient(cfg.GitHub.AppID, cfg.GitHub.PrivateKeyPath, appOpts...)
	if err != nil {
		return fmt.Errorf("creating app client: %w", err)
	}
	oauthClient := ghclient.NewOAuthClient(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.GitHub.OAuthBaseURL)

	refresher := tokens.New(database, appClient, oauthClient)

	var newClient func(token string) sync.Client
	if cfg.GitHub.APIBaseURL != "" {
		apiBase := cfg.GitHub.APIBaseURL
		newClient = func(token string) sync.Client {
			return ghclient.New(token, ghclient.WithBaseURL(apiBase))
		}
	}
	syncService := sync.New(database, refresher, oauthClient, cfg.GitHub.AppID, newClient, logger)
	dispatcher := webhook.NewDispatcher(database, syncService, logger)

	srv, err := server.New(cfg.Addr, server.Config{
		WebhookSecret: cfg.GitHub.WebhookSecret,
		Dispatcher:    dispatcher,
		Sync:          syncService,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("vernite listening", "addr", srv.Addr(), "version", version)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve() }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
