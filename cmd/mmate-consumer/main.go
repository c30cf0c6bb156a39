package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-consumer"
	"github.com/glimte/mmate-consumer/config"
	"github.com/glimte/mmate-consumer/contracts"
	"github.com/glimte/mmate-consumer/health"
	"github.com/glimte/mmate-consumer/interceptors"
	"github.com/glimte/mmate-consumer/jsonrpc"
	"github.com/glimte/mmate-consumer/messaging"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are bound to the root command and override file and env settings
type globalFlags struct {
	configFile string
	url        string
	queue      string
	logLevel   string
	logFormat  string
	healthAddr string
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "mmate-consumer",
		Short: "Consume, serve and control mmate queues",
		Long: `mmate-consumer runs batching consumers and JSON-RPC servers on RabbitMQ queues,
and sends them control messages.

Settings come from --config (JSON or YAML), then MMATE_* environment variables,
then command line flags.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Configuration file (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL")
	rootCmd.PersistentFlags().StringVarP(&flags.queue, "queue", "q", "", "Queue to consume from or control")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&flags.healthAddr, "health-addr", "", "Serve /health and /metrics on this address")

	rootCmd.AddCommand(
		consumeCommand(&flags),
		serveCommand(&flags),
		shutdownCommand(&flags),
		reconfigureCommand(&flags),
		callCommand(&flags),
		statusCommand(&flags),
		watchCommand(&flags),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		stop()
		os.Exit(1)
	}
}

// loadConfig merges file, environment, global flags and then the command's
// own overrides, in that order
func loadConfig(flags *globalFlags, overrides ...func(*config.Config)) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	config.FromEnv(&cfg)

	if flags.url != "" {
		cfg.URL = flags.url
	}
	if flags.queue != "" {
		cfg.Consumer.Queue = flags.queue
	}
	if flags.logLevel != "" {
		cfg.Log.Level = strings.ToLower(flags.logLevel)
	}
	if flags.logFormat != "" {
		cfg.Log.Format = strings.ToLower(flags.logFormat)
	}
	if flags.healthAddr != "" {
		cfg.Health.Addr = flags.healthAddr
	}
	for _, override := range overrides {
		override(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, nil, err
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func connect(cmd *cobra.Command, flags *globalFlags, overrides ...func(*config.Config)) (*mmate.Client, error) {
	cfg, logger, err := loadConfig(flags, overrides...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	client, err := mmate.Connect(ctx, cfg, mmate.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

// serveHealth exposes the client's health registry and metrics until the
// returned stop function is called. It does nothing without an address.
func serveHealth(client *mmate.Client) (stop func()) {
	addr := client.Config().Health.Addr
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(client.Health(), 5*time.Second))
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		_ = encoder.Encode(client.Metrics().Summary())
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("health endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health endpoint failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func parseDeliveryResult(s string) (contracts.DeliveryResult, error) {
	switch strings.ToLower(s) {
	case "ack":
		return contracts.Ack, nil
	case "defer":
		return contracts.Defer, nil
	case "reject":
		return contracts.Reject, nil
	case "requeue", "reject-requeue":
		return contracts.RejectRequeue, nil
	default:
		return 0, fmt.Errorf("unknown delivery result %q (want ack, defer, reject or requeue)", s)
	}
}

func parseFlushResult(s string) (contracts.FlushResult, error) {
	switch strings.ToLower(s) {
	case "ack":
		return contracts.FlushAck, nil
	case "reject":
		return contracts.FlushReject, nil
	case "requeue", "reject-requeue":
		return contracts.FlushRejectRequeue, nil
	default:
		return 0, fmt.Errorf("unknown flush result %q (want ack, reject or requeue)", s)
	}
}

func consumeCommand(flags *globalFlags) *cobra.Command {
	var (
		target      int
		prefetch    int
		idleTimeout time.Duration
		resultName  string
		flushName   string
		skipName    string
		opts        consumeOptions
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume a queue, batching acknowledgments",
		Long: `Consume logs every delivery and settles it with --result. Deferred deliveries
are settled together with --flush once a prefetch-sized block is pending or the
idle timeout has passed.

With --type or --header only matching deliveries are handled; the rest are
settled with --skip. --work simulates processing time per delivery, bounded by
--handler-timeout; failed first deliveries are retried --retries times, and after
--breaker-threshold consecutive failures deliveries are requeued untouched
for a minute.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.result, err = parseDeliveryResult(resultName); err != nil {
				return err
			}
			flush, err := parseFlushResult(flushName)
			if err != nil {
				return err
			}
			if opts.skip, err = parseDeliveryResult(skipName); err != nil {
				return err
			}

			client, err := connect(cmd, flags, func(cfg *config.Config) {
				if cmd.Flags().Changed("target") {
					cfg.Consumer.Target = target
				}
				if cmd.Flags().Changed("prefetch") {
					cfg.Consumer.Prefetch = prefetch
				}
				if cmd.Flags().Changed("idle-timeout") {
					cfg.Consumer.IdleTimeout.Duration = idleTimeout
				}
			})
			if err != nil {
				return err
			}
			defer client.Close()

			flushHandler := messaging.FlushHandlerFunc(func(ctx context.Context, q messaging.Queue) (contracts.FlushResult, error) {
				return flush, nil
			})

			handler := consumeHandler(slog.Default(), opts)
			consumer, err := client.NewBatchConsumer(handler, messaging.WithFlushHandler(flushHandler))
			if err != nil {
				return err
			}

			stopHealth := serveHealth(client)
			defer stopHealth()

			started := time.Now()
			err = consumer.Consume(cmd.Context(), client.Config().Consumer.Target)
			printConsumeSummary(client, consumer.Stats(), time.Since(started))
			return err
		},
	}

	cmd.Flags().IntVarP(&target, "target", "n", 0, "Stop after this many deliveries (0 = unlimited)")
	cmd.Flags().IntVar(&prefetch, "prefetch", 0, "Prefetch count, which is also the batch size")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", messaging.DefaultIdleTimeout, "Flush a partial batch when this long has passed since the last ack")
	cmd.Flags().StringVar(&resultName, "result", "defer", "Result for every delivery (ack, defer, reject, requeue)")
	cmd.Flags().StringVar(&flushName, "flush", "ack", "Settlement of deferred batches (ack, reject, requeue)")
	cmd.Flags().StringSliceVar(&opts.types, "type", nil, "Only handle these message types (repeatable)")
	cmd.Flags().StringToStringVar(&opts.headers, "header", nil, "Only handle deliveries carrying these header values (key=value, repeatable)")
	cmd.Flags().StringVar(&skipName, "skip", "reject", "Result for deliveries filtered out by --type or --header")
	cmd.Flags().DurationVar(&opts.work, "work", 0, "Simulated processing time per delivery")
	cmd.Flags().DurationVar(&opts.timeout, "handler-timeout", 0, "Fail a delivery whose handling takes longer than this (0 = no limit)")
	cmd.Flags().IntVar(&opts.retries, "retries", 0, "Retry a failed delivery this many times before rejecting it")
	cmd.Flags().IntVar(&opts.breakerThreshold, "breaker-threshold", 0, "Requeue deliveries untouched after this many consecutive failures (0 = off)")
	return cmd
}

// errWorkInterrupted keeps a timed-out attempt retryable; the context error
// itself would end the retry loop.
var errWorkInterrupted = errors.New("work interrupted")

// consumeOptions shape the handler of the consume command
type consumeOptions struct {
	result           contracts.DeliveryResult
	skip             contracts.DeliveryResult
	types            []string
	headers          map[string]string
	work             time.Duration
	timeout          time.Duration
	retries          int
	breakerThreshold int
}

// consumeHandler settles every delivery with opts.result after simulating
// opts.work of processing. The timeout applies per attempt, inside the retry
// and circuit breaker interceptors.
func consumeHandler(logger *slog.Logger, opts consumeOptions) messaging.DeliveryHandler {
	chain := interceptors.NewInterceptorChain(logger).
		Add(interceptors.NewContextEnrichmentInterceptor(nil)).
		Add(interceptors.NewLoggingInterceptor(logger))

	var filters []interceptors.DeliveryFilter
	if len(opts.types) > 0 {
		filters = append(filters, interceptors.NewMessageTypeFilter(opts.types...))
	}
	for _, key := range sortedKeys(opts.headers) {
		filters = append(filters, interceptors.NewHeaderFilter(key, opts.headers[key]))
	}
	if len(filters) > 0 {
		chain.Add(interceptors.NewFilteringInterceptor(interceptors.NewCompositeFilter(filters...), opts.skip, logger))
	}

	if opts.breakerThreshold > 0 {
		chain.Add(interceptors.NewCircuitBreakerInterceptor("consume", opts.breakerThreshold, time.Minute,
			interceptors.WithCircuitLogger(logger)))
	}
	if opts.retries > 0 {
		// Redeliveries already had their attempts before the requeue.
		firstDelivery := interceptors.DeliveryFilterFunc(func(ctx context.Context, env *contracts.Envelope) (bool, error) {
			return !env.Redelivered, nil
		})
		retry := interceptors.NewRetryInterceptor(opts.retries, 100*time.Millisecond, 5*time.Second).WithLogger(logger)
		chain.Add(interceptors.NewConditionalInterceptor(firstDelivery, retry))
	}
	if opts.timeout > 0 {
		chain.Add(interceptors.NewTimeoutInterceptor(opts.timeout))
	}

	return chain.Then(messaging.DeliveryHandlerFunc(func(ctx context.Context, env *contracts.Envelope, q messaging.Queue) (contracts.DeliveryResult, error) {
		if opts.work > 0 {
			timer := time.NewTimer(opts.work)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return contracts.RejectRequeue, fmt.Errorf("%w: %v", errWorkInterrupted, ctx.Err())
			}
		}
		return opts.result, nil
	}))
}

func serveCommand(flags *globalFlags) *cobra.Command {
	var traceReturn bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve JSON-RPC requests from a queue",
		Long: `Serve answers JSON-RPC requests arriving on the queue. Built-in methods:

  echo    returns its params
  ping    returns "pong"
  time    returns the server time (RFC 3339)
  sleep   waits for the given number of milliseconds and returns it

A shutdown control message stops the server; reconfigure changes its prefetch
and idle timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd, flags, func(cfg *config.Config) {
				if cmd.Flags().Changed("trace") {
					cfg.RPC.TraceReturn = traceReturn
				}
			})
			if err != nil {
				return err
			}
			defer client.Close()

			mux, err := builtinMethods()
			if err != nil {
				return err
			}

			server, err := client.NewRPCServer(mux)
			if err != nil {
				return err
			}

			stopHealth := serveHealth(client)
			defer stopHealth()

			fmt.Println(titleStyle.Render("Serving JSON-RPC on " + client.Config().Consumer.Queue + " (Ctrl+C to stop)"))
			started := time.Now()
			err = server.Consume(cmd.Context(), 0)
			printConsumeSummary(client, server.Stats(), time.Since(started))
			return err
		},
	}

	cmd.Flags().BoolVar(&traceReturn, "trace", false, "Return error chains in the data field of error replies")
	return cmd
}

func builtinMethods() (*jsonrpc.Mux, error) {
	mux := jsonrpc.NewMux()

	methods := map[string]func(ctx context.Context, req *jsonrpc.Request) (interface{}, error){
		"echo": func(ctx context.Context, req *jsonrpc.Request) (interface{}, error) {
			return req.Params, nil
		},
		"ping": func(ctx context.Context, req *jsonrpc.Request) (interface{}, error) {
			return "pong", nil
		},
		"time": func(ctx context.Context, req *jsonrpc.Request) (interface{}, error) {
			return time.Now().UTC().Format(time.RFC3339Nano), nil
		},
		"sleep": func(ctx context.Context, req *jsonrpc.Request) (interface{}, error) {
			var ms int
			if err := req.Bind(&ms); err != nil {
				return nil, err
			}
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return ms, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	for name, fn := range methods {
		if err := mux.RegisterFunc(name, fn); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

func shutdownCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown [routing-key]",
		Short: "Ask the consumers of a queue to stop",
		Long:  "Publish a shutdown control message. The routing key defaults to the queue name.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			key := firstArg(args)
			if err := client.SendShutdown(cmd.Context(), key); err != nil {
				return fmt.Errorf("failed to send shutdown: %w", err)
			}
			fmt.Println(successStyle.Render("✓") + " shutdown sent to " + controlTarget(client, key))
			return nil
		},
	}
}

func reconfigureCommand(flags *globalFlags) *cobra.Command {
	var rc messaging.Reconfigure

	cmd := &cobra.Command{
		Use:   "reconfigure [routing-key]",
		Short: "Change the idle timeout, target and prefetch of running consumers",
		Long:  "Publish a reconfigure control message. The routing key defaults to the queue name.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rc.IdleTimeout < 0 || rc.Target < 0 || rc.PrefetchSize < 0 || rc.PrefetchCount < 0 {
				return errors.New("reconfigure values must be non-negative")
			}

			client, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			key := firstArg(args)
			if err := client.SendReconfigure(cmd.Context(), key, rc); err != nil {
				return fmt.Errorf("failed to send reconfigure: %w", err)
			}

			body, _ := json.Marshal(rc)
			fmt.Println(successStyle.Render("✓") + " reconfigure " + string(body) + " sent to " + controlTarget(client, key))
			return nil
		},
	}

	cmd.Flags().DurationVar(&rc.IdleTimeout, "idle-timeout", messaging.DefaultIdleTimeout, "New idle timeout")
	cmd.Flags().IntVar(&rc.Target, "target", 0, "New delivery target (0 = unlimited)")
	cmd.Flags().IntVar(&rc.PrefetchSize, "prefetch-size", 0, "New prefetch size in bytes")
	cmd.Flags().IntVar(&rc.PrefetchCount, "prefetch-count", 100, "New prefetch count, which is also the batch size")
	return cmd
}

func callCommand(flags *globalFlags) *cobra.Command {
	var (
		routingKey string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Call a JSON-RPC method and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := json.RawMessage("null")
			if len(args) == 2 {
				if !json.Valid([]byte(args[1])) {
					return fmt.Errorf("params are not valid JSON: %s", args[1])
				}
				params = json.RawMessage(args[1])
			}

			client, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			if routingKey == "" {
				routingKey = client.Config().Consumer.Queue
			}
			if routingKey == "" {
				return errors.New("a routing key is required (--routing-key or --queue)")
			}

			rpc, err := client.NewRPCClient(cmd.Context())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			started := time.Now()
			var result json.RawMessage
			err = rpc.Call(ctx, routingKey, args[0], params, &result)
			elapsed := time.Since(started).Round(time.Millisecond)

			var rpcErr *jsonrpc.Error
			if errors.As(err, &rpcErr) {
				printRPCError(rpcErr, elapsed)
				return fmt.Errorf("call failed with code %d", rpcErr.Code)
			}
			if err != nil {
				return err
			}
			printRPCResult(result, elapsed)
			return nil
		},
	}

	cmd.Flags().StringVarP(&routingKey, "routing-key", "k", "", "Routing key of the server (defaults to the queue name)")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Call timeout (defaults to the configured rpc timeout)")
	return cmd
}

func statusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [queues...]",
		Short: "Show depth, consumers and health of queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := connect(cmd, flags)
			if err != nil {
				return err
			}
			defer client.Close()

			queues := args
			if len(queues) == 0 && client.Config().Consumer.Queue != "" {
				queues = []string{client.Config().Consumer.Queue}
			}
			if len(queues) == 0 {
				return errors.New("no queue given (pass names or --queue)")
			}

			printQueueHealth(queueHealth(cmd.Context(), client, queues))
			return nil
		},
	}
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func controlTarget(client *mmate.Client, key string) string {
	if key == "" {
		key = client.Config().Consumer.Queue
	}
	return client.Config().Exchanges.Request + "/" + key
}
