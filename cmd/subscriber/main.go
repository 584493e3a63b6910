package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"topicsub/internal/clientmqtt"
	"topicsub/internal/config"
	"topicsub/internal/envelope"
	"topicsub/internal/errors"
	"topicsub/internal/logger"
	"topicsub/internal/printer"
	"topicsub/internal/subscriber"
)

const shutdownTimeout = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type flags struct {
	configFile   string
	provider     string
	clientID     string
	attributeKey string
	logLevel     string
	qos          int
}

func parseFlags(args []string, stderr io.Writer) (*flags, []string, error) {
	f := &flags{}
	fs := flag.NewFlagSet("subscriber", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configFile, "config", "", "Path to YAML configuration file")
	fs.StringVar(&f.provider, "provider", "", "Messaging provider: paho or memory")
	fs.StringVar(&f.clientID, "client-id", "", "MQTT client id (default: subscriber-<random>)")
	fs.StringVar(&f.attributeKey, "attribute-key", "", "CP-ABE attribute key used to open sealed payloads")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	fs.IntVar(&f.qos, "qos", -1, "Subscription QoS: 0, 1 or 2")
	fs.Usage = func() {
		fmt.Fprintf(stderr, config.Usage+"\n", "subscriber")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, errors.NewError(errors.KindArgument, "invalid flags", err)
	}
	return f, fs.Args(), nil
}

// settings merges the config file with flags; flags win.
func settings(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}
	if f.provider != "" {
		cfg.Provider = f.provider
	}
	if f.clientID != "" {
		cfg.ClientID = f.clientID
	}
	if f.attributeKey != "" {
		cfg.Secure.AttributeKeyFile = f.attributeKey
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.qos > 2 {
		return nil, errors.Argument(fmt.Sprintf("qos must be 0, 1 or 2, got %d", f.qos))
	}
	if f.qos >= 0 {
		cfg.QoS = byte(f.qos)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func dialer(cfg *config.Config, lg *zap.Logger) subscriber.Dialer {
	return func(ctx context.Context, cc config.ConnectionConfig) (clientmqtt.IMQTT, error) {
		return clientmqtt.NewMQTT(ctx, cfg.Provider, clientmqtt.Options{
			BrokerURL:      cc.BrokerURL(),
			ClientID:       cfg.ClientIDOrDefault("subscriber"),
			Username:       cc.WireUsername(cfg.UsernameFormat),
			Password:       cc.Password,
			KeepAlive:      cfg.KeepAlive,
			ConnectTimeout: cfg.ConnectTimeout,
			CleanSession:   cfg.CleanSession,
			AutoReconnect:  cfg.AutoReconnect,
			Logger:         lg,
		})
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, positional, err := parseFlags(args, stderr)
	if err != nil {
		return errors.ExitCode(err)
	}

	conn, topic, err := config.ParseArgs(positional)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fmt.Fprintf(stderr, config.Usage+"\n", "subscriber")
		return errors.ExitCode(err)
	}

	cfg, err := settings(f)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return errors.ExitCode(err)
	}

	lg, flush, err := logger.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer flush()

	var opts []printer.Option
	if cfg.Secure.AttributeKeyFile != "" {
		key, err := os.ReadFile(cfg.Secure.AttributeKeyFile)
		if err != nil {
			lg.Error("Failed to read attribute key", zap.String("path", cfg.Secure.AttributeKeyFile), zap.Error(err))
			return 1
		}
		opts = append(opts, printer.WithOpener(envelope.NewOpener(key)))
	}
	out := printer.New(stdout, opts...)

	fmt.Fprintln(stdout, "TopicSubscriber initializing...")

	client, err := subscriber.Connect(ctx, conn, dialer(cfg, lg),
		subscriber.WithLogger(lg),
		subscriber.WithQoS(cfg.QoS))
	if err != nil {
		if ctx.Err() != nil {
			lg.Info("Shutdown signal received")
			return 0
		}
		lg.Error("Failed to connect to broker", zap.String("host", conn.Host), zap.Error(err))
		return errors.ExitCode(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			lg.Warn("Failed to close session", zap.Error(err))
		}
	}()

	if err := client.Subscribe(ctx, topic); err != nil {
		if ctx.Err() != nil {
			lg.Info("Shutdown signal received")
			return 0
		}
		lg.Error("Failed to subscribe", zap.String("topic", topic), zap.Error(err))
		return errors.ExitCode(err)
	}

	if _, err := client.StartReceiving(out.Handle); err != nil {
		lg.Error("Failed to start receiving", zap.String("topic", topic), zap.Error(err))
		return errors.ExitCode(err)
	}

	fmt.Fprintln(stdout, "Connected. Awaiting message...")

	<-ctx.Done()
	lg.Info("Shutdown signal received")

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Close(closeCtx); err != nil {
		lg.Warn("Failed to close session", zap.Error(err))
	}

	s := client.Stats()
	out.Summary(printer.Stats{
		Start:    s.Start,
		End:      s.End,
		Received: s.Received,
		Failed:   s.Failed,
		Dropped:  s.Dropped,
	})
	return 0
}
