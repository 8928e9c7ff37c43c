package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelayoade/dotmac-framework-sub009/internal/config"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var boot bootstrapOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the security core HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if boot.Password == "" {
				boot.Password = os.Getenv("BOOTSTRAP_ADMIN_PASSWORD")
			}
			return serve(cmd, cfg, boot)
		},
	}

	cmd.Flags().StringVar(&boot.Username, "bootstrap-admin", "", "create a super admin with this username at startup (in-memory storage only)")
	cmd.Flags().StringVar(&boot.Password, "bootstrap-password", "", "password for --bootstrap-admin (or BOOTSTRAP_ADMIN_PASSWORD)")
	cmd.Flags().StringVar(&boot.Domain, "bootstrap-domain", "platform.local", "domain of the bootstrap platform tenant")

	return cmd
}

func newLogger(mode string) (*zap.Logger, error) {
	if mode == gin.DebugMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serve(cmd *cobra.Command, cfg *config.Config, boot bootstrapOptions) error {
	logger, err := newLogger(cfg.Server.Mode)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize security service", zap.Error(err))
	}
	defer a.Close()

	if boot.Username != "" {
		res, err := a.bootstrapAdmin(ctx, boot)
		if err != nil {
			logger.Fatal("Failed to bootstrap admin", zap.Error(err))
		}
		res.print(cmd.OutOrStdout())
	}

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	waitBackground := a.runBackground(bgCtx)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Starting security service",
			zap.Int("port", cfg.Server.Port),
			zap.String("mode", cfg.Server.Mode),
			zap.String("storage", cfg.Storage.Backend),
			zap.Bool("database", a.db != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down security service...")
	case err := <-serveErr:
		cancelBackground()
		waitBackground()
		return fmt.Errorf("failed to start server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	cancelBackground()
	waitBackground()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Security service stopped")
	return nil
}
