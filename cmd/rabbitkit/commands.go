package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"github.com/glimte/rabbitkit"
	"github.com/glimte/rabbitkit/health"
)

func newCheckCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Connect to the cluster and print its health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			manager, err := s.client.ChannelManager(s.cluster)
			if err != nil {
				return err
			}
			if _, err := manager.GetSharedChannel(); err != nil {
				return fmt.Errorf("failed to open channel: %w", err)
			}

			report := waitHealthy(ctx, s.client, timeout)
			printReport(cmd.OutOrStdout(), report)
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("cluster %s is unhealthy", s.cluster)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "How long to wait for the cluster to become healthy")
	return cmd
}

// waitHealthy polls the client until it reports healthy or timeout elapses
func waitHealthy(ctx context.Context, client *rabbitkit.Client, timeout time.Duration) health.Report {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		report := client.Health(ctx)
		if report.Status == health.StatusHealthy {
			return report
		}
		select {
		case <-ctx.Done():
			return client.Health(context.Background())
		case <-ticker.C:
		}
	}
}

// targetFlags select the queue or exchange a command works on
type targetFlags struct {
	queue      string
	exchange   string
	kind       string
	routingKey string
}

func (t *targetFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&t.queue, "queue", "q", "", "Queue name")
	cmd.Flags().StringVarP(&t.exchange, "exchange", "e", "", "Exchange name")
	cmd.Flags().StringVar(&t.kind, "kind", "direct", "Exchange kind: direct, topic or fanout")
	cmd.Flags().StringVarP(&t.routingKey, "routing-key", "k", "", "Routing key")
}

func (t *targetFlags) exchangeInfo() (*rabbitkit.ExchangeInfo, error) {
	switch t.kind {
	case "fanout":
		return rabbitkit.FanoutExchange(t.exchange), nil
	case "direct":
		return rabbitkit.RouteExchange(t.exchange, t.routingKey), nil
	case "topic":
		return rabbitkit.TopicExchange(t.exchange, t.routingKey), nil
	default:
		return nil, fmt.Errorf("unknown exchange kind: %q", t.kind)
	}
}

// publishTarget addresses a queue or an exchange
func (t *targetFlags) publishTarget() (*rabbitkit.ChannelInfo, error) {
	switch {
	case t.queue != "" && t.exchange != "":
		return nil, errors.New("use either --queue or --exchange")
	case t.queue != "":
		return rabbitkit.QueueChannel(t.queue), nil
	case t.exchange != "":
		exchange, err := t.exchangeInfo()
		if err != nil {
			return nil, err
		}
		return rabbitkit.ForExchange(exchange), nil
	default:
		return nil, errors.New("--queue or --exchange is required")
	}
}

// receiveTarget consumes a queue. With --exchange a temporary queue bound to
// the exchange is declared.
func (t *targetFlags) receiveTarget() (*rabbitkit.ChannelInfo, error) {
	if t.exchange == "" {
		if t.queue == "" {
			return nil, errors.New("--queue or --exchange is required")
		}
		return rabbitkit.QueueChannel(t.queue), nil
	}

	exchange, err := t.exchangeInfo()
	if err != nil {
		return nil, err
	}
	queue := rabbitkit.TemporaryQueue(t.queue)
	if t.routingKey != "" {
		queue.BindTo(exchange, t.routingKey)
	} else {
		queue.BindTo(exchange)
	}
	return rabbitkit.ForQueue(queue), nil
}

func newPublishCmd(flags *globalFlags) *cobra.Command {
	var (
		target      targetFlags
		body        string
		contentType string
		count       int
		transient   bool
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish messages to a queue or exchange",
		Example: `  rabbitkit publish --queue orders --body '{"id":1}'
  echo hello | rabbitkit publish --exchange events --kind topic -k order.created --body -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := target.publishTarget()
			if err != nil {
				return err
			}
			payload, err := readBody(cmd.InOrStdin(), body)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			publisher, err := s.client.NewPublisher(ctx, s.cluster, rabbitkit.Pooled, info,
				rabbitkit.WithPersistentMessages(!transient))
			if err != nil {
				return fmt.Errorf("failed to create publisher: %w", err)
			}
			defer publisher.Close()

			for i := 0; i < count; i++ {
				msg := rabbitkit.Message{
					Body:        payload,
					ContentType: contentType,
					RoutingKey:  target.routingKey,
				}
				if err := publisher.Publish(ctx, msg); err != nil {
					return fmt.Errorf("failed to publish message %d: %w", i+1, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Published %d message(s) to %s\n", count, info)
			return nil
		},
	}

	target.register(cmd)
	cmd.Flags().StringVarP(&body, "body", "b", "", "Message body, - reads stdin")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "Message content type")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of messages to publish")
	cmd.Flags().BoolVar(&transient, "transient", false, "Publish non-persistent messages")
	return cmd
}

func readBody(stdin io.Reader, body string) ([]byte, error) {
	if body != "-" {
		return []byte(body), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read stdin: %w", err)
	}
	return data, nil
}

func newListenCmd(flags *globalFlags) *cobra.Command {
	var (
		target   targetFlags
		prefetch int
		reject   bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print deliveries until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := target.receiveTarget()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			receiver, err := s.client.NewReceiver(s.cluster, rabbitkit.Exclusive, info,
				rabbitkit.WithPrefetchCount(prefetch))
			if err != nil {
				return fmt.Errorf("failed to create receiver: %w", err)
			}
			defer receiver.Close()

			out := cmd.OutOrStdout()
			_, err = receiver.Listen(func(_ context.Context, d amqp.Delivery) error {
				printDelivery(out, d)
				if reject {
					return errors.New("rejected")
				}
				return nil
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Listening on %s. Press Ctrl+C to stop.\n", info)
			<-ctx.Done()
			return nil
		},
	}

	target.register(cmd)
	cmd.Flags().IntVarP(&prefetch, "prefetch", "p", 10, "Prefetch count")
	cmd.Flags().BoolVar(&reject, "reject", false, "Requeue every delivery instead of acknowledging it")
	return cmd
}

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health checks and metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			s, err := flags.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			manager, err := s.client.ChannelManager(s.cluster)
			if err != nil {
				return err
			}
			if _, err := manager.GetSharedChannel(); err != nil {
				return fmt.Errorf("failed to open channel: %w", err)
			}

			mux := http.NewServeMux()
			mux.Handle("/healthz", s.client.HealthHandler(timeout))
			if flags.metrics == "prometheus" {
				mux.Handle("/metrics", promhttp.Handler())
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- server.ListenAndServe()
			}()
			fmt.Fprintf(cmd.ErrOrStderr(), "Serving %s on %s\n", s.cluster, addr)

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	cmd.Flags().DurationVar(&timeout, "check-timeout", 5*time.Second, "Timeout for one health check round")
	return cmd
}

// Output formatting functions

func printReport(w io.Writer, report health.Report) {
	fmt.Fprintf(w, "Status: %s\n", report.Status)
	if len(report.Checks) == 0 {
		fmt.Fprintln(w, "No checks registered")
		return
	}

	fmt.Fprintf(w, "%-30s %-10s %-12s %s\n", "Check", "Status", "Duration", "Message")
	fmt.Fprintln(w, strings.Repeat("-", 80))

	for _, name := range report.Names() {
		check := report.Checks[name]
		message := check.Message
		if check.Error != "" {
			message = check.Error
		}
		fmt.Fprintf(w, "%-30s %-10s %-12s %s\n",
			truncate(name, 30),
			check.Status,
			check.Duration.Truncate(time.Microsecond),
			message,
		)
	}
}

func printDelivery(w io.Writer, d amqp.Delivery) {
	fmt.Fprintf(w, "Message %s:\n", d.MessageId)
	fmt.Fprintf(w, "  Exchange: %s\n", d.Exchange)
	fmt.Fprintf(w, "  Routing Key: %s\n", d.RoutingKey)
	if !d.Timestamp.IsZero() {
		fmt.Fprintf(w, "  Timestamp: %s\n", d.Timestamp.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "  Redelivered: %t\n", d.Redelivered)
	if len(d.Headers) > 0 {
		fmt.Fprintf(w, "  Headers:\n")
		for k, v := range d.Headers {
			fmt.Fprintf(w, "    %s: %v\n", k, v)
		}
	}
	fmt.Fprintf(w, "  Body: %s\n", truncate(string(d.Body), 200))
	fmt.Fprintln(w, strings.Repeat("-", 60))
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
