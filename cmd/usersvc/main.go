package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	gateway "github.com/glimte/mmate-gateway"
	"github.com/glimte/mmate-gateway/config"
	"github.com/glimte/mmate-gateway/health"
	"github.com/glimte/mmate-gateway/interceptors"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/users"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		cfg      config.Config
		amqpURL  string
		store    string
		logLevel string
	)

	rootCmd := &cobra.Command{
		Use:   "usersvc",
		Short: "User service over RabbitMQ request/response and pub/sub",
		Long: `usersvc answers user management requests on RabbitMQ queues and
publishes a users.events message for every change.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("url") {
				loaded.AMQPURL = amqpURL
			}
			if cmd.Flags().Changed("store") {
				loaded.Store = strings.ToLower(store)
			}
			if cmd.Flags().Changed("log-level") {
				if err := loaded.LogLevel.UnmarshalText([]byte(logLevel)); err != nil {
					return fmt.Errorf("invalid --log-level: %w", err)
				}
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			cfg = loaded
			slog.SetDefault(cfg.NewLogger())
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&amqpURL, "url", "u", "", "RabbitMQ connection URL (overrides AMQP_URL)")
	rootCmd.PersistentFlags().StringVar(&store, "store", "", "user store: memory or postgres (overrides STORE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer user requests until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	var timeout time.Duration
	callCmd := &cobra.Command{
		Use:   "call <queue> <json>",
		Short: "Send a request and print the reply",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1])
			if err != nil {
				return err
			}

			g := gateway.New(cfg.AMQPURL, gateway.WithLogger(slog.Default()), gateway.WithCallTimeout(cfg.RPCTimeout))
			defer g.Close()

			resp, err := g.Call(cmd.Context(), args[0], payload, timeout)
			if err != nil {
				return fmt.Errorf("call failed: %w", err)
			}

			printResponse(resp)
			return nil
		},
	}
	callCmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "reply timeout (defaults to RPC_TIMEOUT)")

	publishCmd := &cobra.Command{
		Use:   "publish <queue> <json>",
		Short: "Publish a fire-and-forget message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[1])
			if err != nil {
				return err
			}

			g := gateway.New(cfg.AMQPURL, gateway.WithLogger(slog.Default()))
			defer g.Close()

			if err := g.Publish(cmd.Context(), args[0], payload); err != nil {
				return fmt.Errorf("publish failed: %w", err)
			}
			fmt.Printf("Published to %s\n", args[0])
			return nil
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check broker and store health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			g := gateway.New(cfg.AMQPURL, gateway.WithLogger(slog.Default()))
			defer g.Close()

			registry := health.NewRegistry(health.NewBrokerChecker(g.Connections(), slog.Default()))
			if cfg.Store == config.StorePostgres {
				pool, err := users.NewPool(ctx, cfg.Database.URL(), users.DefaultPoolConfig())
				if err == nil {
					defer pool.Close()
					registry.Register(health.NewDatabaseChecker(pool))
				} else {
					registry.Register(health.NewDatabaseChecker(failedPinger{err: err}))
				}
			}

			report := registry.CheckAll(ctx)
			printHealth(report)
			if report.Status == health.StatusUnhealthy {
				return errors.New("system is unhealthy")
			}
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, callCmd, publishCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()

	repo, pool, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	g := gateway.New(cfg.AMQPURL,
		gateway.WithLogger(logger),
		gateway.WithCallTimeout(cfg.RPCTimeout),
		gateway.WithPrefetch(cfg.Prefetch),
		gateway.WithInterceptors(
			interceptors.NewLoggingInterceptor(logger),
			interceptors.NewTimeoutInterceptor(cfg.RPCTimeout),
		),
	)
	defer g.Close()

	svc := users.NewService(repo,
		users.WithServiceLogger(logger),
		users.WithEventPublisher(g.Publisher()),
	)

	handlers := svc.Handlers()
	queues := make([]string, 0, len(handlers))
	for q := range handlers {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	listeners := make([]*messaging.Listener, 0, len(queues)+1)
	for _, q := range queues {
		l, err := g.ListenRPC(ctx, q, handlers[q])
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", q, err)
		}
		listeners = append(listeners, l)
	}

	audit := users.NewAuditHandler(logger, 0)
	l, err := g.ListenPubSub(ctx, users.QueueEvents, audit)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", users.QueueEvents, err)
	}
	listeners = append(listeners, l)

	if cfg.HealthAddr != "" {
		registry := health.NewRegistry(
			health.NewBrokerChecker(g.Connections(), logger),
			health.NewRuntimeChecker(500, 1000),
		)
		if pool != nil {
			registry.Register(health.NewDatabaseChecker(pool))
		}

		mux := http.NewServeMux()
		mux.Handle("/healthz", health.Handler(registry, 5*time.Second))
		srv := &http.Server{Addr: cfg.HealthAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server failed", "error", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("health endpoint listening", "addr", cfg.HealthAddr)
	}

	logger.Info("user service started", "queues", queues, "store", cfg.Store)

	// a listener stopping on its own means the broker went away
	stopped := make(chan *messaging.Listener, len(listeners))
	for _, l := range listeners {
		go func(l *messaging.Listener) {
			<-l.Done()
			stopped <- l
		}(l)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case l := <-stopped:
		return fmt.Errorf("listener on %s stopped: %w", l.Queue(), l.Err())
	}
}

func openStore(ctx context.Context, cfg config.Config) (users.Repository, *pgxpool.Pool, error) {
	if cfg.Store != config.StorePostgres {
		return users.NewMemoryRepository(), nil, nil
	}

	pool, err := users.NewPool(ctx, cfg.Database.URL(), users.DefaultPoolConfig())
	if err != nil {
		return nil, nil, err
	}

	repo := users.NewPostgresRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return repo, pool, nil
}

type failedPinger struct {
	err error
}

func (p failedPinger) Ping(context.Context) error {
	return p.err
}

// parsePayload accepts JSON; anything else is sent as a JSON string
func parsePayload(arg string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		return arg, nil
	}
	return v, nil
}

// Output formatting functions

func printResponse(resp *messaging.ResponseEnvelope) {
	fmt.Printf("Status: %d\n", resp.StatusCode)

	var body any
	if err := resp.Decode(&body); err != nil {
		fmt.Printf("Body: %s\n", string(resp.Body))
		return
	}
	pretty, _ := json.MarshalIndent(body, "", "  ")
	fmt.Printf("Body:\n%s\n", pretty)
}

func printHealth(report health.Report) {
	fmt.Printf("Overall Status: %s\n", strings.ToUpper(string(report.Status)))
	fmt.Printf("Checked in %s\n", report.Duration.Round(time.Millisecond))
	fmt.Println(strings.Repeat("-", 60))

	names := make([]string, 0, len(report.Checks))
	for name := range report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := report.Checks[name]
		fmt.Printf("%-12s %-10s %s\n", name, check.Status, check.Message)
		if check.Error != "" {
			fmt.Printf("%-12s %-10s error: %s\n", "", "", check.Error)
		}
	}
}
