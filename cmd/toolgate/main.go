package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"

	"toolgate/internal/catalog"
	"toolgate/internal/config"
	"toolgate/internal/connections"
	"toolgate/internal/crypto"
	"toolgate/internal/logging"
	"toolgate/internal/oauth"
	"toolgate/internal/server"
	"toolgate/internal/store"
	"toolgate/internal/tokens"
	"toolgate/internal/tools"
)

var Version = "dev"

func main() {
	// Handle subcommands before anything touches configuration.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			hashPassword()
			return
		case "generate-key":
			generateKey()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// hashPassword prints a bcrypt hash for TOOLGATE_AUTH_USERS entries.
func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(scanner.Text()), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(hash))
}

// generateKey prints a fresh API key for TOOLGATE_API_KEYS entries.
func generateKey() {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(config.APIKeyPrefix + hex.EncodeToString(raw))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(os.Stdout, cfg.Environment, cfg.LogLevel)

	cipher, err := crypto.NewTokenCipher(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("initializing token cipher: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	httpClient := &http.Client{Timeout: cfg.OutboundTimeout}
	flow := oauth.NewFlow(httpClient, st, cfg.RedirectURI(), "toolgate", logger)

	toolReg := tools.NewRegistry(st, logger)
	dialer := &connections.MCPDialer{
		Timeout: cfg.OutboundTimeout,
		Name:    "toolgate",
		Version: Version,
	}
	conns := connections.NewRegistry(dialer, toolReg, logger)
	defer conns.CloseAll()

	buffer := time.Duration(cfg.TokenExpiryBufferMinutes) * time.Minute
	tokenMgr := tokens.NewManager(st, flow, cipher, buffer, logger)

	service := server.NewService(st, cipher, flow, conns, toolReg, tokenMgr, cfg.OutboundTimeout, logger)

	users, err := cfg.ParseAuthUsers()
	if err != nil {
		return fmt.Errorf("parsing auth users: %w", err)
	}

	keys, err := cfg.ParseAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing API keys: %w", err)
	}

	mux := server.NewMux(server.MuxConfig{
		Handlers:      server.NewHandlers(service, logger),
		Authenticator: server.NewAuthenticator(users, keys, logger),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go flow.SweepStates(ctx)

	if cfg.CatalogPath != "" {
		cat := catalog.New(cfg.CatalogPath, service, logger)
		if err := cat.Load(ctx); err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}

		go func() {
			if err := cat.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("catalog watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting toolgate",
		slog.String("listen", cfg.ListenAddr),
		slog.String("server_url", cfg.ServerURL),
		slog.String("version", Version),
	)

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
