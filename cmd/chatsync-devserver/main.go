// ABOUTME: Entry point for the local chat server used for development and manual testing
// ABOUTME: Serves the REST API and the live WebSocket channel backed by a SQLite file

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/chatsync/internal/config"
	"github.com/2389/chatsync/internal/devserver"
	"github.com/2389/chatsync/internal/logging"
)

// Version is set at build time.
var version = "dev"

const banner = `
      _           _                          _
  ___| |__   __ _| |_ ___ _   _ _ __   ___  | |_____   __
 / __| '_ \ / _' | __/ __| | | | '_ \ / __| | / _ \ \ / /
| (__| | | | (_| | |_\__ \ |_| | | | | (__  | |  __/\ V /
 \___|_| |_|\__,_|\__|___/\__, |_| |_|\___| |_|\___| \_/
                          |___/
`

func main() {
	configPath := flag.String("config", config.DefaultPath(), "Path to config file (YAML or TOML)")
	addr := flag.String("addr", "", "Listen address (overrides devserver.addr)")
	flag.Parse()

	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, *addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, addr string) error {
	cfg, found, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addr != "" {
		cfg.DevServer.Addr = addr
	}
	if secret := os.Getenv("CHATSYNC_JWT_SECRET"); secret != "" {
		cfg.DevServer.JWTSecret = secret
	}

	generated := false
	if cfg.DevServer.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return err
		}
		cfg.DevServer.JWTSecret = secret
		generated = true
	}
	if err := cfg.ValidateDevServer(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	if found {
		fmt.Printf("Config:    %s\n", configPath)
	} else {
		fmt.Printf("Config:    defaults (%s not found)\n", configPath)
	}
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      http://%s\n", cfg.DevServer.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.DevServer.DatabasePath)
	if generated {
		yellow.Println("    ! JWT secret generated for this run; sessions end on restart")
	}
	fmt.Println()

	store, err := devserver.OpenStore(cfg.DevServer.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	srv := devserver.NewServer(store,
		devserver.NewSessions([]byte(cfg.DevServer.JWTSecret), cfg.DevServer.SessionTTL),
		devserver.NewTickets(cfg.DevServer.TokenTTL),
		logger)

	logger.Info("starting chatsync dev server",
		"addr", cfg.DevServer.Addr,
		"database", cfg.DevServer.DatabasePath,
		"version", version)

	return srv.Run(ctx, cfg.DevServer.Addr)
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating jwt secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
