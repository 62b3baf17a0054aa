package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/leandrotocalini/wagate/internal/alert"
	"github.com/leandrotocalini/wagate/internal/api"
	"github.com/leandrotocalini/wagate/internal/config"
	"github.com/leandrotocalini/wagate/internal/delivery"
	"github.com/leandrotocalini/wagate/internal/lifecycle"
	"github.com/leandrotocalini/wagate/internal/memwatch"
	"github.com/leandrotocalini/wagate/internal/messenger"
	"github.com/leandrotocalini/wagate/internal/status"
	"github.com/leandrotocalini/wagate/internal/supervisor"
	"github.com/leandrotocalini/wagate/internal/whatsapp"
)

func serveCmd(configPath *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP gateway and the WhatsApp session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if code := serve(cfg); code != 0 {
				return exitCode(code)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides config and PORT)")
	return cmd
}

func serve(cfg *config.Config) int {
	tty := isTerminal(os.Stderr)
	logger := newLogger(os.Stderr, cfg.LogLevel, tty)
	slog.SetDefault(logger)

	mon := memwatch.New(
		memwatch.WithThresholds(uint64(cfg.Memory.WarnMB)<<20, uint64(cfg.Memory.CriticalMB)<<20),
		memwatch.WithInterval(cfg.Memory.Interval.D()),
		memwatch.WithLogger(logger.With("component", "memwatch")),
	)

	factory := whatsapp.NewFactory(
		whatsapp.WithLogger(logger.With("component", "whatsapp")),
		whatsapp.WithZerolog(newProtocolLogger(os.Stderr, cfg.LogLevel, tty)),
	)
	supOpts := []supervisor.Option{
		supervisor.WithProfile(messenger.Profile{
			ClientID:   cfg.Session.ClientID,
			SessionDir: cfg.Session.Dir,
			DeviceName: cfg.Session.DeviceName,
			VersionPin: cfg.Session.VersionPin,
		}),
		supervisor.WithPairingTTL(cfg.Pairing.TTL.D()),
		supervisor.WithMonitor(mon),
		supervisor.WithRecovery(supervisor.Recovery{
			AuthFailureDelay: cfg.Recovery.AuthFailureDelay.D(),
			DisconnectDelay:  cfg.Recovery.DisconnectDelay.D(),
			PressureDelay:    cfg.Recovery.PressureDelay.D(),
			ResetDelay:       cfg.Recovery.ResetDelay.D(),
		}),
		supervisor.WithLogger(logger.With("component", "supervisor")),
	}
	if isTerminal(os.Stdout) {
		supOpts = append(supOpts, supervisor.WithQRWriter(os.Stdout))
	}
	sup := supervisor.New(factory, supOpts...)

	pipeline := delivery.New(sup,
		delivery.WithPolicies(
			delivery.Policy{Attempts: cfg.Delivery.SingleAttempts, RetryDelay: cfg.Delivery.SingleRetryDelay.D()},
			delivery.Policy{Attempts: cfg.Delivery.BulkAttempts, RetryDelay: cfg.Delivery.BulkRetryDelay.D()},
		),
		delivery.WithPacing(cfg.Delivery.Pacing.D()),
		delivery.WithLogger(logger.With("component", "delivery")),
	)

	started := time.Now()
	apiServer := api.New(sup, status.New(sup, mon, started), pipeline, api.Config{
		Port:           cfg.Server.Port,
		Env:            cfg.Env,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimitRPM:   cfg.Server.RateLimitRPM,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, api.WithLogger(logger.With("component", "api")))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	notifier := alert.New(cfg.Alerts.SlackWebhookURL, cfg.Session.ClientID,
		alert.WithChannel(cfg.Alerts.SlackChannel),
		alert.WithLogger(logger.With("component", "alert")),
	)

	lm := lifecycle.NewManager(lifecycle.DefaultShutdownConfig(), logger)
	lm.OnShutdown("http server", httpServer.Shutdown)
	lm.OnShutdown("whatsapp session", sup.Close)
	lm.OnShutdown("rate limiter", func(ctx context.Context) error {
		apiServer.Close()
		return nil
	})

	return lm.Run(func(ctx context.Context) error {
		if err := sup.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("server listening",
				"port", cfg.Server.Port,
				"env", cfg.Env,
				"pairing", fmt.Sprintf("http://localhost:%d/pairing", cfg.Server.Port),
			)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return mon.Run(gctx)
		})
		g.Go(func() error {
			return notifier.Watch(gctx, sup)
		})
		return g.Wait()
	})
}
