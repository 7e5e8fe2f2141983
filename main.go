package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailbridge/alert"
	"mailbridge/delivery"
	"mailbridge/health"
	"mailbridge/internal/config"
	"mailbridge/internal/dkim"
	"mailbridge/internal/logging"
	"mailbridge/queue"
	"mailbridge/storage"
	"mailbridge/tlsconfig"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "mailbridge",
		Short:         "Relay mail batches from RabbitMQ to an SMTP host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML or JSON config file")
	root.AddCommand(newServeCmd(&configPath), newPublishCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume the mail queue until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
}

// service is the wired set of components behind `serve`.
type service struct {
	consumer *queue.Consumer
}

func buildService(cfg *config.Config, logger *zap.Logger) (*service, error) {
	smtpTLS, err := tlsconfig.Client(tlsconfig.Options{
		ServerName:         cfg.Email.Host,
		CAFile:             cfg.Email.CAFile,
		InsecureSkipVerify: cfg.Email.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("smtp tls: %w", err)
	}

	signer, err := dkim.New(dkim.Options{
		Selector:   cfg.DKIM.Selector,
		Domain:     cfg.DKIM.Domain,
		KeyPath:    cfg.DKIM.KeyPath,
		PrivateKey: cfg.DKIM.PrivateKey,
	})
	if err != nil {
		return nil, err
	}

	var relayOpts []delivery.Option
	if signer != nil {
		relayOpts = append(relayOpts, delivery.WithSigner(signer))
		logger.Info("dkim signing enabled", zap.String("selector", signer.Selector()), zap.String("domain", signer.Domain()))
	}
	alertRelay := delivery.NewRelay(deliveryConfig(cfg, smtpTLS), logger.Named("alerts"), relayOpts...)

	var handlerOpts []queue.HandlerOption
	if cfg.Spool.Dir != "" {
		spool, err := storage.NewSpool(cfg.Spool.Dir)
		if err != nil {
			return nil, err
		}
		relayOpts = append(relayOpts, delivery.WithSpool(spool))
		handlerOpts = append(handlerOpts, queue.WithPayloadSpool(spool))
		logger.Info("spooling failed mail", zap.String("dir", spool.Dir()))
	}
	relay := delivery.NewRelay(deliveryConfig(cfg, smtpTLS), logger, relayOpts...)

	qcfg, err := queueConfig(cfg)
	if err != nil {
		return nil, err
	}

	notifier := alert.NewNotifier(alertRelay, cfg.Email.AlertSender, cfg.Email.AlertRecipient, logger)
	handler := queue.NewHandler(relay, logger, handlerOpts...)
	return &service{
		consumer: queue.NewConsumer(qcfg, handler, notifier, logger),
	}, nil
}

func deliveryConfig(cfg *config.Config, tlsConf *tls.Config) delivery.Config {
	return delivery.Config{
		Host:        cfg.Email.Host,
		Port:        cfg.Email.Port,
		RequireAuth: cfg.Email.RequireAuthentication,
		Username:    cfg.Email.Username,
		Password:    cfg.Email.Password,
		MockSend:    cfg.Email.MockSend,
		HeloName:    cfg.Email.HeloName,
		DialTimeout: cfg.Email.DialTimeout,
		SendTimeout: cfg.Email.SendTimeout,
		TLS:         tlsConf,
	}
}

func queueConfig(cfg *config.Config) (queue.Config, error) {
	qcfg := queue.Config{
		Host:              cfg.RabbitMQ.Host,
		Port:              cfg.RabbitMQ.Port,
		Username:          cfg.RabbitMQ.Username,
		Password:          cfg.RabbitMQ.Password,
		VHost:             cfg.RabbitMQ.VHost,
		UseTLS:            cfg.RabbitMQ.TLS,
		Queue:             cfg.RabbitMQ.Queue,
		DeadLetterQueue:   cfg.RabbitMQ.DeadLetterQueue,
		Workers:           cfg.RabbitMQ.Workers,
		ConnectTimeout:    cfg.RabbitMQ.ConnectTimeout,
		Heartbeat:         cfg.RabbitMQ.Heartbeat,
		ReconnectAttempts: cfg.RabbitMQ.ReconnectAttempts,
		ReconnectBackoff:  cfg.RabbitMQ.ReconnectBackoff,
		ServiceName:       cfg.ServiceName,
	}
	if cfg.RabbitMQ.TLS {
		conf, err := tlsconfig.Client(tlsconfig.Options{ServerName: cfg.RabbitMQ.Host, CAFile: cfg.RabbitMQ.CAFile})
		if err != nil {
			return queue.Config{}, fmt.Errorf("rabbitmq tls: %w", err)
		}
		qcfg.TLS = conf
	}
	return qcfg, nil
}

// run starts the consumer and blocks until ctx is done. A failed start leaves
// the process up and unhealthy so the supervisor can restart it.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	svc, err := buildService(cfg, logger)
	if err != nil {
		return err
	}

	var server *http.Server
	if cfg.Health.Addr != "" {
		srv, _, err := health.StartHealthServer(cfg.Health.Addr, svc.consumer, logger)
		if err != nil {
			return fmt.Errorf("health server: %w", err)
		}
		server = srv
	}

	logger.Info("starting", zap.String("service", cfg.ServiceName), zap.String("queue", cfg.RabbitMQ.Queue))
	if err := svc.consumer.Start(ctx); err != nil {
		logger.Error("consumer did not start; waiting for shutdown", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := svc.consumer.Stop(shutdownCtx)
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health server shutdown", zap.Error(err))
		}
	}
	return stopErr
}
