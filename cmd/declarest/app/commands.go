// Package app defines the declarest command tree.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/declarest/declarest/pkg/cache"
	"github.com/declarest/declarest/pkg/config"
	"github.com/declarest/declarest/pkg/logger"
	"github.com/declarest/declarest/pkg/pipeline"
)

const defaultAddress = ":8080"

// shutdownTimeout bounds graceful drain of in-flight requests.
const shutdownTimeout = 30 * time.Second

// NewRootCmd creates the root command for declarest.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "declarest",
		Short: "Configuration-driven HTTP gateway",
		Long: `declarest turns declarative route definitions (parameterized SQL chains,
reverse-proxy targets, file-store bindings) into live REST endpoints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			_ = viper.BindPFlag("debug", cmd.Root().PersistentFlags().Lookup("debug"))
			logger.Initialize()
		},
	}
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configDir)
		},
	}
	cmd.Flags().StringVarP(&configDir, "config-dir", "c", "config",
		"Directory holding the configuration files")
	return cmd
}

func serve(ctx context.Context, configDir string) error {
	loader, err := config.NewLoader(configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := loader.Watch(); err != nil {
		return fmt.Errorf("failed to watch configuration: %w", err)
	}

	p, err := pipeline.New(loader, cache.New(), os.TempDir())
	if err != nil {
		return err
	}

	address := loader.Current().Server.Address
	if address == "" {
		address = defaultAddress
	}

	server := &http.Server{
		Addr:              address,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("gateway listening", "address", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	select {
	case err := <-errCh:
		return err
	case <-stop.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}

// version is set at build time via -ldflags.
var version = "dev"
