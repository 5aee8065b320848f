package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	eventbus "github.com/glimte/eventbus-go"
	"github.com/glimte/eventbus-go/config"
	"github.com/glimte/eventbus-go/contracts"
	"github.com/glimte/eventbus-go/health"
	"github.com/glimte/eventbus-go/monitor"
	"github.com/glimte/eventbus-go/naming"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// defaultServiceName identifies the tool when no --service is given
const defaultServiceName = "eventbus-admin"

var errUnhealthy = errors.New("broker is unhealthy")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// globals holds the persistent flags
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	service    string
	stderr     io.Writer
}

// load reads the configuration and builds the logger. Flags win over the
// file and the environment.
func (g *globals) load(requireService bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}

	if g.service != "" {
		cfg.Broker.ServiceName = g.service
	}
	if cfg.Broker.ServiceName == "" {
		if requireService {
			return nil, nil, fmt.Errorf("%w: --service is required", eventbus.ErrInvalidConfiguration)
		}
		cfg.Broker.ServiceName = defaultServiceName
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}

	cfg.Broker = cfg.Broker.WithDefaults()
	if err := cfg.Broker.Validate(); err != nil {
		return nil, nil, err
	}

	return cfg, newLogger(g.stderr, cfg.Log.Level, cfg.Log.Format), nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "eventbus-admin",
		Short: "Operate the event bus",
		Long: `eventbus-admin waits for the broker, inspects and removes service queues,
publishes test messages and reports broker health.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&g.service, "service", "s", "", "Service name queues are prefixed with")

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and remove a service's queues",
	}
	queueCmd.AddCommand(newQueueRemoveCmd(g), newQueueInspectCmd(g), newQueueDeclareCmd(g))

	rootCmd.AddCommand(
		newWaitCmd(g),
		queueCmd,
		newPublishCmd(g),
		newTopicsCmd(),
		newHealthCmd(g),
	)

	return rootCmd
}

func newWaitCmd(g *globals) *cobra.Command {
	var (
		timeout  time.Duration
		interval time.Duration
		amqpOnly bool
	)

	cmd := &cobra.Command{
		Use:   "wait",
		Short: "Block until the broker's management API answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(false)
			if err != nil {
				return err
			}

			options := []eventbus.ClientOption{eventbus.WithLogger(logger)}
			if amqpOnly {
				options = append(options, eventbus.WithAMQPProbe())
			}

			client, err := eventbus.NewClient(cfg.Broker, options...)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.WaitForAvailability(ctx, eventbus.WithWaitInterval(interval)); err != nil {
				return fmt.Errorf("broker %s not available: %w", cfg.Broker.Host, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "broker %s is available\n", cfg.Broker.Host)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Give up after this long")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Delay between probes")
	cmd.Flags().BoolVar(&amqpOnly, "amqp", false, "Probe the AMQP port instead of the management API")
	return cmd
}

func newQueueRemoveCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "remove TOPIC...",
		Short: "Remove the service's queues for the given topics",
		Long: `Removes the service's queue and dead-letter queue of every topic. A queue
that still holds messages is unbound from its topic instead of deleted, and a
non-empty dead-letter queue is kept; both have to be drained by hand.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topics, err := parseTopics(args)
			if err != nil {
				return err
			}

			cfg, logger, err := g.load(true)
			if err != nil {
				return err
			}

			client, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			var errs []error
			for _, topic := range topics {
				result, err := client.RemoveQueueResult(cmd.Context(), topic)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				printRemoval(cmd.OutOrStdout(), result)
			}
			return errors.Join(errs...)
		},
	}
}

func newQueueDeclareCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "declare TOPIC...",
		Short: "Create the service's queues ahead of its first deploy",
		Long: `Declares the service's queue, bound to the topic, and its dead-letter queue.
Messages published before the service starts consuming are kept.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topics, err := parseTopics(args)
			if err != nil {
				return err
			}

			cfg, logger, err := g.load(true)
			if err != nil {
				return err
			}

			client, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			for _, topic := range topics {
				if err := client.DeclareQueue(cmd.Context(), topic); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "declared %s\n", naming.QueueName(topic, cfg.Broker.ServiceName))
			}
			return nil
		},
	}
}

func newQueueInspectCmd(g *globals) *cobra.Command {
	var amqpOnly bool

	cmd := &cobra.Command{
		Use:   "inspect TOPIC...",
		Short: "Show depth and consumers of the service's queues",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topics, err := parseTopics(args)
			if err != nil {
				return err
			}

			cfg, logger, err := g.load(true)
			if err != nil {
				return err
			}

			if amqpOnly {
				return inspectOverAMQP(cmd, cfg, logger, topics)
			}

			api := managementClient(cfg, logger)
			svc := cfg.Broker.ServiceName

			var queues []monitor.QueueInfo
			for _, topic := range topics {
				for _, name := range []string{naming.QueueName(topic, svc), naming.DeadLetterQueueName(topic, svc)} {
					q, err := api.GetQueue(cmd.Context(), cfg.Broker.VHost, name)
					switch {
					case errors.Is(err, monitor.ErrQueueNotFound):
						queues = append(queues, monitor.QueueInfo{Name: name, State: "missing"})
					case err != nil:
						return fmt.Errorf("failed to inspect queue %s: %w", name, err)
					default:
						queues = append(queues, *q)
					}
				}
			}

			printQueues(cmd.OutOrStdout(), queues)
			return nil
		},
	}

	cmd.Flags().BoolVar(&amqpOnly, "amqp", false, "Inspect over AMQP instead of the management API")
	return cmd
}

// inspectOverAMQP reports depth and consumers through passive declares; the
// unacked count is only available from the management API.
func inspectOverAMQP(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, topics []contracts.Topic) error {
	client, err := connect(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	var queues []monitor.QueueInfo
	for _, topic := range topics {
		queue, deadLetter, err := client.InspectQueues(cmd.Context(), topic)
		if err != nil {
			return err
		}
		queues = append(queues, queueInfo(queue), queueInfo(deadLetter))
	}

	printQueues(cmd.OutOrStdout(), queues)
	return nil
}

func queueInfo(depth eventbus.QueueDepth) monitor.QueueInfo {
	if !depth.Exists {
		return monitor.QueueInfo{Name: depth.Name, State: "missing"}
	}
	return monitor.QueueInfo{
		Name:      depth.Name,
		Messages:  depth.Messages,
		Consumers: depth.Consumers,
		State:     "running",
	}
}

func newPublishCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "publish TOPIC JSON",
		Short: "Publish a raw JSON message to a topic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := contracts.Topic(args[0])
			if !topic.Valid() {
				return fmt.Errorf("%w: %q", contracts.ErrUnknownTopic, topic)
			}
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("message is not valid JSON: %s", args[1])
			}

			cfg, logger, err := g.load(false)
			if err != nil {
				return err
			}

			client, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			producer, err := eventbus.CreateProducer[json.RawMessage](cmd.Context(), client, topic)
			if err != nil {
				return err
			}

			accepted, err := producer.Publish(cmd.Context(), json.RawMessage(args[1]))
			if err != nil {
				return err
			}
			if !accepted {
				return fmt.Errorf("message to %s was not accepted", topic)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published to %s\n", topic)
			return nil
		},
	}
}

func newTopicsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "topics",
		Short: "List the known topics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, topic := range contracts.Topics() {
				fmt.Fprintln(cmd.OutOrStdout(), topic)
			}
			return nil
		},
	}
}

func newHealthCmd(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the broker connection, management API and dead-letter queues",
		Long: `Prints a JSON health report. Exits non-zero when the report is unhealthy;
degraded results, such as dead-letter queues holding messages, are reported
but do not fail the command.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(false)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := eventbus.NewClient(cfg.Broker, eventbus.WithLogger(logger))
			if err != nil {
				return err
			}
			if err := client.Connect(ctx); err != nil {
				logger.Warn("failed to connect", "error", err)
			}
			defer client.Close()

			api := managementClient(cfg, logger)
			registry := health.NewRegistry(
				health.NewConnectionChecker(client),
				health.NewManagementChecker(api),
				health.NewDeadLetterChecker(api, cfg.Broker.VHost),
			)

			report := registry.Check(ctx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}

			if report.Status == health.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Bound for connecting and checking")
	return cmd
}

func parseTopics(args []string) ([]contracts.Topic, error) {
	topics := make([]contracts.Topic, 0, len(args))
	for _, arg := range args {
		topic := contracts.Topic(arg)
		if !topic.WellFormed() {
			return nil, fmt.Errorf("%w: %q", contracts.ErrUnknownTopic, arg)
		}
		topics = append(topics, topic)
	}
	return topics, nil
}

// connect creates a client that accepts any well-formed topic, so queues of
// retired topics can still be removed.
func connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*eventbus.Client, error) {
	client, err := eventbus.NewClient(cfg.Broker,
		eventbus.WithLogger(logger),
		eventbus.WithAllowUnknownTopics(),
	)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func managementClient(cfg *config.Config, logger *slog.Logger) *monitor.Client {
	b := cfg.Broker
	return monitor.NewClient(b.Host, b.ManagementPort, b.Username, b.Password, monitor.WithLogger(logger))
}

func printRemoval(w io.Writer, result eventbus.RemovalResult) {
	fmt.Fprintln(w, describeRemoval(result.Queue, result.QueueOutcome, result.PendingMessages))
	fmt.Fprintln(w, describeRemoval(result.DeadLetterQueue, result.DeadLetterOutcome, result.PendingDeadLetterMessages))
}

func describeRemoval(queue string, outcome eventbus.RemovalOutcome, pending int) string {
	switch outcome {
	case eventbus.QueueUnbound:
		return fmt.Sprintf("%s: unbound, %d pending; drain it manually", queue, pending)
	case eventbus.QueueKept:
		return fmt.Sprintf("%s: kept, %d pending; drain it manually", queue, pending)
	case eventbus.QueueNotFound:
		return fmt.Sprintf("%s: not found", queue)
	default:
		return fmt.Sprintf("%s: %s", queue, outcome)
	}
}

func printQueues(w io.Writer, queues []monitor.QueueInfo) {
	if len(queues) == 0 {
		fmt.Fprintln(w, "No queues found")
		return
	}

	fmt.Fprintf(w, "%-50s %-10s %-10s %-10s %-10s\n", "Name", "Messages", "Unacked", "Consumers", "State")
	fmt.Fprintf(w, "%s\n", "--------------------------------------------------------------------------------------------")

	for _, q := range queues {
		fmt.Fprintf(w, "%-50s %-10d %-10d %-10d %-10s\n",
			q.Name,
			q.Messages,
			q.MessagesUnacked,
			q.Consumers,
			q.State,
		)
	}
}
