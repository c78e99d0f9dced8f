package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	relay "github.com/glimte/rabbit-relay"
	"github.com/glimte/rabbit-relay/config"
	"github.com/glimte/rabbit-relay/health"
	"github.com/glimte/rabbit-relay/messaging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// globalFlags are shared by every command
type globalFlags struct {
	configPath  string
	url         string
	exchange    string
	metricsAddr string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Publish messages to RabbitMQ reliably",
		Long: `relayctl publishes messages to a RabbitMQ exchange with retries,
pooled channels and publisher confirms.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides config)")
	rootCmd.PersistentFlags().StringVarP(&flags.exchange, "exchange", "e", "", "Exchange to publish to (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newPublishCmd(flags),
		newBatchCmd(flags),
		newHealthCmd(flags),
	)

	return rootCmd
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		confirm       bool
		confirmTimeout time.Duration
		contentType   string
		messageID     string
		headers       []string
		transient     bool
	)

	cmd := &cobra.Command{
		Use:   "publish <routing-key> <message>",
		Short: "Publish one message",
		Long:  "Publish one message. Use - as the message to read it from stdin.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readMessage(args[1], cmd.InOrStdin())
			if err != nil {
				return err
			}

			parsed, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			if messageID == "" {
				messageID = uuid.NewString()
			}
			opts := []messaging.PublishOption{
				messaging.WithContentType(contentType),
				messaging.WithMessageID(messageID),
				messaging.WithPersistent(!transient),
				messaging.WithHeaders(parsed),
			}
			if cmd.Flags().Changed("confirm-timeout") {
				opts = append(opts, messaging.WithConfirmTimeout(confirmTimeout))
			}

			return withPublisher(cmd.Context(), flags, func(ctx context.Context, publisher *messaging.Publisher, _ config.Publisher) error {
				if confirm {
					err = publisher.PublishWithConfirmation(ctx, body, args[0], opts...)
				} else {
					err = publisher.Publish(ctx, body, args[0], opts...)
				}
				if err != nil {
					return fmt.Errorf("failed to publish: %w", err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Published %s to %s (routing key %q, confirmed: %t)\n",
					messageID, publisher.Exchange().Name, args[0], confirm)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Wait for the broker to confirm the message")
	cmd.Flags().DurationVar(&confirmTimeout, "confirm-timeout", 0, "Override the confirmation timeout")
	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "Message content type")
	cmd.Flags().StringVar(&messageID, "message-id", "", "Message ID (default: random UUID)")
	cmd.Flags().StringSliceVarP(&headers, "header", "H", nil, "Message header as key=value (repeatable)")
	cmd.Flags().BoolVar(&transient, "transient", false, "Publish with transient delivery mode")

	return cmd
}

func newBatchCmd(flags *globalFlags) *cobra.Command {
	var contentType string

	cmd := &cobra.Command{
		Use:   "batch <routing-key>",
		Short: "Publish stdin lines in confirmed batches",
		Long: `Read one message per line from stdin and publish them in batches of
publisher.confirms_batch_size messages. Each batch is confirmed once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lines, err := readLines(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(lines) == 0 {
				return errors.New("no messages on stdin")
			}

			return withPublisher(cmd.Context(), flags, func(ctx context.Context, publisher *messaging.Publisher, pc config.Publisher) error {
				published := 0

				for _, part := range chunks(lines, pc.ConfirmsBatchSize) {
					err := publisher.WithConfirmationBatch(ctx, func(batch *messaging.ConfirmationBatch) error {
						for _, line := range part {
							if err := batch.Publish(ctx, line, args[0], messaging.WithMessageID(uuid.NewString())); err != nil {
								return err
							}
						}
						return nil
					}, messaging.WithContentType(contentType))
					if err != nil {
						return fmt.Errorf("batch failed after %d confirmed messages: %w", published, err)
					}
					published += len(part)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Published %d messages to %s\n", published, publisher.Exchange().Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "application/json", "Message content type")
	return cmd
}

func newHealthCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check broker connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			client, err := relay.NewClientFromConfig(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			result := client.Health(ctx)
			printHealth(cmd.OutOrStdout(), result)

			if result.Status == health.StatusUnhealthy {
				return errors.New("broker is unhealthy")
			}
			return nil
		},
	}
}

// withPublisher connects, serves metrics if asked, and runs fn with a
// publisher for the configured exchange
func withPublisher(ctx context.Context, flags *globalFlags, fn func(context.Context, *messaging.Publisher, config.Publisher) error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	var options []relay.ClientOption
	var registry *prometheus.Registry
	if flags.metricsAddr != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		options = append(options, relay.WithMetrics(registry))
	}

	client, err := relay.NewClientFromConfig(ctx, cfg, options...)
	if err != nil {
		return err
	}
	defer client.Close()

	if registry != nil {
		server := startMetricsServer(flags.metricsAddr, registry, client.HealthRegistry())
		defer server.Close()
	}

	publisher, err := client.DefaultPublisher()
	if err != nil {
		return err
	}

	return fn(ctx, publisher, cfg.Publisher)
}

func startMetricsServer(addr string, registry *prometheus.Registry, checks *health.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.Handle("/health", health.NewHandler(checks, 5*time.Second))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server failed: %v\n", err)
		}
	}()
	return server
}

// loadConfig reads the config file and applies flag overrides
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	if flags.url != "" {
		cfg.URL = flags.url
	}
	if flags.exchange != "" {
		cfg.Exchange.Name = flags.exchange
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}

	return cfg, cfg.Validate()
}

func readMessage(arg string, stdin io.Reader) ([]byte, error) {
	if arg != "-" {
		return []byte(arg), nil
	}
	body, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read message from stdin: %w", err)
	}
	return body, nil
}

// readLines returns the non-blank lines of r
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return lines, nil
}

func parseHeaders(pairs []string) (map[string]interface{}, error) {
	headers := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		headers[key] = value
	}
	return headers, nil
}

// chunks splits lines into runs of at most size
func chunks(lines []string, size int) [][]string {
	if size < 1 {
		size = 1
	}
	var out [][]string
	for len(lines) > size {
		out = append(out, lines[:size])
		lines = lines[size:]
	}
	if len(lines) > 0 {
		out = append(out, lines)
	}
	return out
}

func printHealth(w io.Writer, result health.OverallHealth) {
	fmt.Fprintf(w, "Health: %s (%s)\n\n", result.Status, result.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "%-20s %-10s %s\n", "Check", "Status", "Message")

	names := make([]string, 0, len(result.Checks))
	for name := range result.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := result.Checks[name]
		message := check.Message
		if check.Error != "" {
			message += ": " + check.Error
		}
		fmt.Fprintf(w, "%-20s %-10s %s\n", name, check.Status, message)
	}
}
