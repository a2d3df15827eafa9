// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"context"
	"errors"
	"fmt"
	"iscsiinitiator/pkg/api"
	"iscsiinitiator/pkg/config"
	"iscsiinitiator/pkg/iscsi_initiator"
	"iscsiinitiator/pkg/logger"
	"iscsiinitiator/pkg/metrics"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "iscsid",
	Short: "iSCSI initiator session daemon",
	Long: `Run the iSCSI initiator session manager with its control socket.

Configuration is read from --config when given and can be overridden with
ISCSID_* environment variables, e.g. ISCSID_LOGGING_LEVEL=DEBUG.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the YAML configuration file")
}

func setupLogging(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger.SetLoggingConfig(level)
	return logger.SetFormat(cfg.Logging.Format)
}

func newSessionManager(cfg *config.Config) *iscsi_initiator.SessionManager {
	options := []iscsi_initiator.Option{
		iscsi_initiator.WithNotificationQueueSize(cfg.Notifications.QueueSize),
	}
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		options = append(options, iscsi_initiator.WithMetrics(metrics.NewInitiatorMetrics()))
	}
	return iscsi_initiator.NewSessionManager(iscsi_initiator.Limits{
		MaxSessions:              cfg.Limits.MaxSessions,
		MaxConnectionsPerSession: cfg.Limits.MaxConnectionsPerSession,
	}, options...)
}

// logNotifications reports lifecycle events until the channel is closed.
func logNotifications(manager *iscsi_initiator.SessionManager) {
	for notification := range manager.Notifications() {
		entry := logger.WithConnection(notification.SessionID, notification.ConnectionID).
			WithField("notification", notification.ID.String())
		switch notification.Kind {
		case iscsi_initiator.NotificationAsyncEvent:
			entry.Infof("async event: %s (vendor code %d, parameters %v)",
				notification.AsyncEvent, notification.AsyncVendorCode, notification.Parameters)
		case iscsi_initiator.NotificationTimeout:
			entry.Warnf("connection timed out: %s", notification.Reason)
		default:
			entry.Info(notification.Kind.String())
		}
	}
}

func serveMetrics(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.GetLogger().Infof("metrics listening on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}
	log := logger.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := newSessionManager(cfg)
	notificationsDone := make(chan struct{})
	go func() {
		logNotifications(manager)
		close(notificationsDone)
	}()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return manager.Run(groupCtx)
	})
	group.Go(func() error {
		return api.NewApiServer(manager, cfg.API.SocketPath).WithSocketOptions(cfg.Socket.Options()).Run(groupCtx)
	})
	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return serveMetrics(groupCtx, cfg.Metrics.Address)
		})
	}
	log.Infof("iscsid started: %d sessions of %d connections", cfg.Limits.MaxSessions, cfg.Limits.MaxConnectionsPerSession)

	err = group.Wait()
	manager.Close()
	<-notificationsDone
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		log.Error(err)
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
