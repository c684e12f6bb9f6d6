package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/severus-ai/severus/internal/api"
	"github.com/severus-ai/severus/internal/auth"
	"github.com/severus-ai/severus/internal/config"
	"github.com/severus-ai/severus/internal/core"
	"github.com/severus-ai/severus/internal/extract"
	"github.com/severus-ai/severus/internal/llm"
	"github.com/severus-ai/severus/internal/store"
	"github.com/severus-ai/severus/internal/uploads"
)

func main() {
	root := &cobra.Command{
		Use:   "severus",
		Short: "Severus serves a document-aware chat assistant over HTTP",
		RunE:  runServe,
	}
	root.AddCommand(newExtractCommand())
	root.SilenceUsage = true
	root.SilenceErrors = true

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func loadConfig(validate bool) (*config.Config, error) {
	load := config.Load
	if validate {
		load = config.LoadConfig
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn("unknown log level, using info", "level", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	return cfg, nil
}

func newGateway(ctx context.Context, cfg *config.Config) (llm.Gateway, string, func(), error) {
	switch cfg.ModelProvider {
	case config.ProviderGemini:
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.ModelTimeout())
		if err != nil {
			return nil, "", nil, err
		}
		return client, cfg.GeminiModel, client.Close, nil
	default:
		return llm.NewOllamaClient(cfg.OllamaBaseURL, cfg.ModelTimeout()), cfg.DefaultModel, func() {}, nil
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if !extract.PDFSupported() {
		log.Warn("pdftotext/pdfinfo not found on PATH, PDF uploads cannot be summarized")
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbStore.Close()

	gateway, model, closeGateway, err := newGateway(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize model gateway: %w", err)
	}
	defer closeGateway()

	area := uploads.NewArea(cfg.UploadsDir, cfg.MaxFileSize(), cfg.ExtractWorkers)
	chatService := core.NewChatService(dbStore, area, gateway, model, core.ContextPolicy{MaxChars: cfg.MaxContextChars})
	creds := auth.NewCredentialStore(cfg.UsersFile, cfg.PasswordScheme == config.SchemeBcrypt)

	apiHandler := api.NewAPIHandler(chatService, creds, core.NewSessionManager(), cfg.JWTSecret)
	router := api.NewRouter(apiHandler, cfg.CORSOrigins)

	serverAddr := ":" + cfg.HTTPPort
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.ModelTimeout() + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     log.StandardLog(log.StandardLogOptions{ForceLevel: log.ErrorLevel}),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", serverAddr, "provider", cfg.ModelProvider, "model", model)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
	case <-quit:
	}
	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server exited gracefully")
	return nil
}

func newExtractCommand() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:     "extract <chat-id>",
		Short:   "Build the extracted-text cache for a chat's uploads",
		Long: `Build the extracted-text cache for a chat's uploads.

Only UPLOADS_DIR, MAX_FILE_SIZE_MB, EXTRACT_WORKERS and LOG_LEVEL are read;
server settings such as JWT_SECRET are not required.`,
		Args:    cobra.ExactArgs(1),
		Example: "severus extract 12 --refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			chatID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || chatID <= 0 {
				return fmt.Errorf("invalid chat id %q", args[0])
			}
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if err := cfg.ValidateUploads(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			area := uploads.NewArea(cfg.UploadsDir, cfg.MaxFileSize(), cfg.ExtractWorkers)
			if refresh {
				if err := area.Invalidate(chatID); err != nil {
					return err
				}
			}
			path, err := area.EnsureExtractedText(cmd.Context(), chatID)
			if err != nil {
				return err
			}
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d bytes)\n", path, info.Size())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&refresh, "refresh", "r", false, "Discard the existing cache and rebuild it")
	return cmd
}
