// Command rdsmq runs the delayed queue reaper and consumer loop, and
// offers one-shot produce, drain and tick operations.
//
// Usage:
//
//	rdsmq run      [--config rdsmq.yaml]
//	rdsmq send     --queue mq:queue:first --body '{"msg":"hi"}' --delay 20ms
//	rdsmq consume  --list mq:consumer:first
//	rdsmq monitor
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/aura-studio/rdsmq"
	"github.com/aura-studio/rdsmq/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "rdsmq",
		Short:         "Delayed priority queue on Redis",
		Long:          "rdsmq promotes scheduled messages from Redis sorted sets to ready lists and drains them.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("RDSMQ_CONFIG"), "Path to YAML config file")

	root.AddCommand(
		newRunCmd(opts),
		newSendCmd(opts),
		newConsumeCmd(opts),
		newMonitorCmd(opts),
	)
	return root
}

// env is what every subcommand needs once config is loaded.
type env struct {
	cfg    *config.Config
	logger *slog.Logger
	client redis.UniversalClient
	mq     *rdsmq.MQ
	reg    *prometheus.Registry
}

func (e *env) Close() {
	_ = e.mq.Close()
	_ = e.client.Close()
}

func setup(ctx context.Context, opts *rootOptions) (*env, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	client := cfg.NewRedisClient()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %v: %w", cfg.Redis.Addrs, err)
	}

	var reg *prometheus.Registry
	var registerer prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registerer = reg
	}

	mq, err := rdsmq.New(client, cfg.MQOptions(logger, registerer)...)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return &env{cfg: cfg, logger: logger, client: client, mq: mq, reg: reg}, nil
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the reaper and the consumer loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := setup(ctx, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			routes := e.mq.Routes()
			e.logger.Info("rdsmq starting",
				"redis", e.cfg.Redis.Addrs,
				"routes", len(routes),
				"monitor_count", e.mq.MonitorCount(),
				"monitor_interval", e.cfg.MonitorInterval(),
				"consume_interval", e.cfg.ConsumeInterval(),
			)

			printer := newPrinter(cmd.OutOrStdout())
			pool := rdsmq.NewWorkerPool(e.mq, printer.handle,
				rdsmq.WithWorkerCount(e.cfg.MQ.Workers),
				rdsmq.WithMinWorkers(1),
				rdsmq.WithPollInterval(e.cfg.ConsumeInterval()),
			)
			if err := pool.Start(ctx); err != nil {
				return fmt.Errorf("start consumer: %w", err)
			}
			e.mq.StartReaper()

			var srv *http.Server
			if e.reg != nil {
				srv = serveMetrics(e.cfg.Metrics.Addr, e.reg, e.logger)
			}

			<-ctx.Done()
			e.logger.Info("rdsmq stopping, waiting for in-flight tick and drains")
			e.mq.StopReaper()
			pool.Stop()
			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}
			e.logger.Info("rdsmq stopped", "delivered", pool.Stats())
			return nil
		},
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server error", "err", err)
		}
	}()
	return srv
}

func newSendCmd(opts *rootOptions) *cobra.Command {
	var (
		queue    string
		topic    string
		body     string
		id       string
		delay    time.Duration
		priority int64
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Pool and enqueue one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if queue == "" {
				routes := e.mq.Routes()
				if len(routes) == 0 {
					return errors.New("--queue is required when no routes are configured")
				}
				queue = routes[0].Queue
			}

			m := rdsmq.NewMessage(topic, body,
				rdsmq.WithID(id),
				rdsmq.WithIDGenerator(e.cfg.IDGenerator()),
				rdsmq.WithDelay(delay),
				rdsmq.WithPriority(priority),
				rdsmq.WithTTL(ttl),
			)
			sent, err := e.mq.Send(cmd.Context(), queue, m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tqueue=%s\tscore=%d\n", sent, queue, m.Score())
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", "", "Pending queue (default: first route's queue)")
	cmd.Flags().StringVar(&topic, "topic", "", "Message topic")
	cmd.Flags().StringVar(&body, "body", "", "Message body")
	cmd.Flags().StringVar(&id, "id", "", "Message id (default: generated per mq.id_format)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Delay before the message becomes ready")
	cmd.Flags().Int64Var(&priority, "priority", 0, "Priority in ms added to the ready time (negative is sooner)")
	cmd.Flags().DurationVar(&ttl, "ttl", rdsmq.DefaultTTL, "How long the body stays retrievable")
	return cmd
}

func newConsumeCmd(opts *rootOptions) *cobra.Command {
	var list string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Drain one ready list once and print the bodies",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if list == "" {
				lists := e.mq.RoutingTable().Lists()
				if len(lists) == 0 {
					return errors.New("--list is required when no routes are configured")
				}
				list = lists[0]
			}

			ds := e.mq.ConsumeMessages(cmd.Context(), list)
			if ds == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no messages")
				return nil
			}
			p := newPrinter(cmd.OutOrStdout())
			for _, d := range ds {
				_ = p.handle(cmd.Context(), list, d)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&list, "list", "", "Ready list (default: first route's list)")
	return cmd
}

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run one reaper tick over every route",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer e.Close()

			n := e.mq.Monitor(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "promoted %d\n", n)
			return nil
		},
	}
}
