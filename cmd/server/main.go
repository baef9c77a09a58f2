package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tcchat "github.com/MegaGrindStone/tc-chat"
	"github.com/MegaGrindStone/tc-chat/internal/conversation"
	"github.com/MegaGrindStone/tc-chat/internal/handlers"
	"github.com/MegaGrindStone/tc-chat/internal/services"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	appName = "tcchat"

	keyringService = "tc-chat"
	keyringUser    = "api-key"

	apiKeyEnv = "TCCHAT_API_KEY"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	appDir := filepath.Join(cfgDir, appName)

	cfgFilePath := flag.String("config", filepath.Join(appDir, "config.yaml"), "path to the YAML config file")
	dataDir := flag.String("data", appDir, "directory of the database and key file")
	flag.Parse()

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel()}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		return fmt.Errorf("error creating data directory: %w", err)
	}

	boltDB, err := services.NewBoltDB(filepath.Join(*dataDir, "store.db"))
	if err != nil {
		return err
	}
	defer boltDB.Close()

	secrets, err := newSecretStore(cfg.SecretStore, boltDB, *dataDir)
	if err != nil {
		return err
	}
	if err := seedCredential(context.Background(), secrets, logger); err != nil {
		return err
	}

	client, err := cfg.LLM.client(logger)
	if err != nil {
		return err
	}

	var m handlers.Main
	ctrl := conversation.New(context.Background(), conversation.Config{
		Models:             cfg.Models,
		CredentialOptional: cfg.LLM.credentialOptional(),
		OnUpdate: func(u conversation.Update) {
			m.Publish(u)
		},
	}, client, boltDB, secrets, logger)
	// Runs before boltDB.Close, so the last save of a turn still has a database.
	defer closeConversation(ctrl, logger)

	m, err = handlers.NewMain(ctrl, secrets, client, handlers.Config{
		CredentialOptional: cfg.LLM.credentialOptional(),
	}, logger)
	if err != nil {
		return err
	}

	// Serve static files
	staticFS, err := fs.Sub(tcchat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/messages", m.HandleSubmit)
	mux.HandleFunc("/model", m.HandleSelectModel)
	mux.HandleFunc("/toggle", m.HandleToggle)
	mux.HandleFunc("/reset", m.HandleReset)
	mux.HandleFunc("/sse", m.HandleSSE)
	mux.HandleFunc("/status", m.HandleStatus)
	mux.HandleFunc("/transcript", m.HandleTranscript)
	mux.HandleFunc("/options", m.HandleOptions)
	mux.HandleFunc("/options/test", m.HandleTestConnection)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Finish the turn in flight while its updates can still reach the browsers
		closeConversation(ctrl, logger)

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}

	return nil
}

// closeConversation cancels the turn in flight and waits for its last save. Calling it again is a no-op.
func closeConversation(ctrl *conversation.Controller, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ctrl.Close(ctx); err != nil {
		logger.Error("Failed to close conversation", slog.String("err", err.Error()))
	}
}

// loadConfig reads the YAML config at path. A missing file yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := config{}

	cfgFile, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer cfgFile.Close()
		if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func newSecretStore(cfg secretStoreConfig, db services.BoltDB, dataDir string) (conversation.SecretStore, error) {
	if cfg.Type == "keyring" {
		return services.NewKeyring(keyringService, keyringUser), nil
	}
	return services.NewSealedSecrets(db, filepath.Join(dataDir, "secret.key"), cfg.Passphrase)
}

// seedCredential stores the API key from the environment if no credential is stored yet.
func seedCredential(ctx context.Context, secrets conversation.SecretStore, logger *slog.Logger) error {
	key := os.Getenv(apiKeyEnv)
	if key == "" {
		return nil
	}

	stored, err := secrets.Credential(ctx)
	if err != nil {
		return fmt.Errorf("error reading credential: %w", err)
	}
	if stored != "" {
		return nil
	}

	if err := secrets.SetCredential(ctx, key); err != nil {
		return fmt.Errorf("error seeding credential: %w", err)
	}
	logger.Info("Credential seeded from environment", slog.String("env", apiKeyEnv))
	return nil
}
