package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"topicsub/internal/clientmqtt"
	"topicsub/internal/config"
	"topicsub/internal/envelope"
	"topicsub/internal/errors"
	"topicsub/internal/logger"
	"topicsub/internal/poller"
	"topicsub/internal/printer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// targets collects repeated -poll url=topic flags.
type targets []poller.Target

func (t *targets) String() string {
	parts := make([]string, 0, len(*t))
	for _, target := range *t {
		parts = append(parts, target.URL+"="+target.Topic)
	}
	return strings.Join(parts, ",")
}

func (t *targets) Set(value string) error {
	target, err := poller.ParseTarget(value)
	if err != nil {
		return err
	}
	*t = append(*t, target)
	return nil
}

// sealer is nil when payloads go out in the clear.
type sealer interface {
	Seal(topic string, plaintext []byte) ([]byte, error)
}

// publishLines publishes one message per input line until in is
// exhausted or ctx ends. It returns the number of messages sent.
func publishLines(ctx context.Context, mqtt clientmqtt.IMQTT, s sealer, topic string, qos byte, retain bool, in io.Reader, lg *zap.Logger) (int, error) {
	scanner := bufio.NewScanner(in)
	sent := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return sent, nil
		}
		payload := []byte(scanner.Text())
		if s != nil {
			sealed, err := s.Seal(topic, payload)
			if err != nil {
				return sent, fmt.Errorf("seal: %w", err)
			}
			payload = sealed
		}
		if err := mqtt.Publish(ctx, topic, qos, retain, payload); err != nil {
			lg.Error("Failed to publish", zap.String("topic", topic), zap.Error(err))
			continue
		}
		sent++
		lg.Debug("Published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	}
	return sent, scanner.Err()
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var polled targets
	fs := flag.NewFlagSet("publisher", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFile := fs.String("config", "", "Path to YAML configuration file")
	provider := fs.String("provider", "", "Messaging provider: paho or memory")
	publicKey := fs.String("public-key", "", "CP-ABE public key; seals every payload when set")
	policy := fs.String("policy", "", "CP-ABE policy for sealed payloads, e.g. \"(role: operator) and (site: rome)\"")
	qos := fs.Int("qos", -1, "Publish QoS: 0, 1 or 2")
	retain := fs.Bool("retain", false, "Publish retained messages")
	fs.Var(&polled, "poll", "Poll `url=topic` and publish each response body on topic (repeatable)")
	interval := fs.Duration("interval", time.Second, "Polling interval")
	fs.Usage = func() {
		fmt.Fprintf(stderr, config.Usage+"\n", "publisher")
		fmt.Fprintf(stderr, config.PollUsage+"\n", "publisher")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return -1
	}

	var (
		conn  config.ConnectionConfig
		topic string
		err   error
	)
	if len(polled) > 0 {
		conn, err = config.ParseConnArgs(fs.Args())
		if err == nil && *interval <= 0 {
			err = errors.Argument(fmt.Sprintf("interval must be positive, got %s", *interval))
		}
	} else {
		conn, topic, err = config.ParseArgs(fs.Args())
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return errors.ExitCode(err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if *provider != "" {
		cfg.Provider = *provider
	}
	if *publicKey != "" {
		cfg.Secure.PublicKeyFile = *publicKey
	}
	if *policy != "" {
		cfg.Secure.Policy = *policy
	}
	if *qos > 2 {
		fmt.Fprintf(stderr, "qos must be 0, 1 or 2, got %d\n", *qos)
		return -1
	}
	if *qos >= 0 {
		cfg.QoS = byte(*qos)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	lg, flush, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer flush()
	lg = lg.Named("publisher")

	var s sealer
	if cfg.Secure.PublicKeyFile != "" {
		key, err := os.ReadFile(cfg.Secure.PublicKeyFile)
		if err != nil {
			lg.Error("Failed to load public key", zap.String("path", cfg.Secure.PublicKeyFile), zap.Error(err))
			return 1
		}
		s = envelope.NewSealer(key, cfg.Secure.Policy)
	}

	mqtt, err := clientmqtt.NewMQTT(ctx, cfg.Provider, clientmqtt.Options{
		BrokerURL:      conn.BrokerURL(),
		ClientID:       cfg.ClientIDOrDefault("publisher"),
		Username:       conn.WireUsername(cfg.UsernameFormat),
		Password:       conn.Password,
		KeepAlive:      cfg.KeepAlive,
		ConnectTimeout: cfg.ConnectTimeout,
		CleanSession:   cfg.CleanSession,
		AutoReconnect:  cfg.AutoReconnect,
		Logger:         lg,
	})
	if err != nil {
		if ctx.Err() != nil {
			lg.Info("Shutdown signal received")
			return 0
		}
		lg.Error("Failed to connect to broker", zap.String("host", conn.Host), zap.Error(err))
		return 1
	}
	defer mqtt.Close(context.Background())

	if len(polled) > 0 {
		return poll(ctx, mqtt, s, polled, *interval, cfg.QoS, *retain, stdout, lg)
	}

	sent, err := publishLines(ctx, mqtt, s, topic, cfg.QoS, *retain, stdin, lg)
	if err != nil {
		lg.Error("Publishing stopped", zap.Int("sent", sent), zap.Error(err))
		return 1
	}
	lg.Info("Done", zap.String("topic", topic), zap.Int("sent", sent))
	return 0
}

// poll runs the polling publisher until ctx ends and prints its session
// stats.
func poll(ctx context.Context, mqtt clientmqtt.IMQTT, s sealer, polled targets, interval time.Duration, qos byte, retain bool, stdout io.Writer, lg *zap.Logger) int {
	opts := []poller.Option{
		poller.WithLogger(lg),
		poller.WithQoS(qos),
		poller.WithRetain(retain),
	}
	if s != nil {
		opts = append(opts, poller.WithSealer(s))
	}

	p, err := poller.New(mqtt, interval, opts...)
	if err != nil {
		lg.Error("Failed to start polling", zap.Error(err))
		return 1
	}

	fmt.Fprintf(stdout, "Polling %d url(s) every %s...\n", len(polled), interval)
	if err := p.Run(ctx, polled); err != nil {
		lg.Error("Polling stopped", zap.Error(err))
		return 1
	}
	lg.Info("Shutdown signal received")

	st := p.Stats()
	printer.New(stdout).PublishSummary(printer.PublishStats{
		Start:     st.Start,
		End:       st.End,
		Requests:  st.Requests,
		Responses: st.Responses,
		Published: st.Published,
	})
	return 0
}
