package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gitlab.elettra.eu/cs/inau/pkg/api"
	"gitlab.elettra.eu/cs/inau/pkg/builder"
	"gitlab.elettra.eu/cs/inau/pkg/catalog"
	"gitlab.elettra.eu/cs/inau/pkg/config"
	"gitlab.elettra.eu/cs/inau/pkg/gitmirror"
	"gitlab.elettra.eu/cs/inau/pkg/installer"
	"gitlab.elettra.eu/cs/inau/pkg/log"
	"gitlab.elettra.eu/cs/inau/pkg/metrics"
	"gitlab.elettra.eu/cs/inau/pkg/notify"
	"gitlab.elettra.eu/cs/inau/pkg/remote"
	"gitlab.elettra.eu/cs/inau/pkg/store"
	"gitlab.elettra.eu/cs/inau/pkg/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane",
	Long: `Run the control plane: the webhook receiver, the builder pool,
the installation API and the reporting endpoints.

SIGHUP reloads the builder set from the catalog; SIGINT and SIGTERM
drain the builder queues and stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return serve(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("database-url", "", "PostgreSQL DSN of the catalog")
	serveCmd.Flags().String("listen-addr", ":8013", "HTTP listen address")
	serveCmd.Flags().String("store-root", "/var/lib/inau/store", "object store root directory")
	serveCmd.Flags().String("repo-root", "/var/lib/inau/repositories", "git mirror root directory")
	serveCmd.Flags().String("makefiles-repo", "", "SSH URL of the shared makefiles repository")
	serveCmd.Flags().String("ssh-key", "", "private key for builder and file server sessions")
}

func serve(cfg *config.Config) error {
	initLogging(cfg)
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer cat.Close()

	blobs, err := store.New(cfg.StoreRoot)
	if err != nil {
		return err
	}

	mirrors := gitmirror.New(cfg.RepoRoot, cfg.MakefilesRepo, cfg.MakefilesName, log.WithComponent("gitmirror"))

	// Builders are reached as the build user, file servers as the
	// install user. Both ride the same deploy key.
	buildDialer := &remote.Dialer{User: cfg.SSHUser, KeyPath: cfg.SSHKey, Timeout: cfg.SSHTimeout}
	installDialer := &remote.Dialer{User: cfg.InstallUser, KeyPath: cfg.SSHKey, Timeout: cfg.SSHTimeout}

	mailer, err := notify.New(notify.Config{
		Host:   cfg.SMTPHost,
		Port:   cfg.SMTPPort,
		From:   cfg.MailFrom,
		Domain: cfg.MailDomain,
	}, cat, log.WithComponent("notify"))
	if err != nil {
		return err
	}
	if !mailer.Enabled() {
		logger.Warn().Msg("smtp-host not set, outcome mail disabled")
	}

	pool := builder.NewPool(builder.Deps{
		Catalog:          cat,
		Mirrors:          mirrors,
		Store:            blobs,
		Runner:           buildDialer,
		Notifier:         mailer,
		BuildTimeoutSoft: cfg.BuildTimeoutSoft,
		BuildTimeoutHard: cfg.BuildTimeoutHard,
		Logger:           log.WithComponent("builder"),
	})
	if err := pool.Reconcile(ctx); err != nil {
		return fmt.Errorf("populating builder pool: %w", err)
	}

	collector := metrics.NewCollector(pool)
	collector.Start()
	defer collector.Stop()

	gateway := webhook.New(cat, pool, cfg.MailDomain, log.WithComponent("webhook"))

	ins := installer.New(cat, blobs, func(ctx context.Context, host string) (installer.Session, error) {
		return installDialer.Dial(ctx, host)
	})

	server := api.NewServer(gateway, ins, cat, api.NewCatalogAuthenticator(cat, nil))

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Info().Msg("reloading builder set")
			if err := pool.Reconcile(context.Background()); err != nil {
				logger.Error().Err(err).Msg("builder reload failed")
			}
		case err := <-errCh:
			return fmt.Errorf("http server: %w", err)
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("http shutdown")
			}
			if err := pool.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("builder pool shutdown")
			}
			return nil
		}
	}
}
