package clientmqtt

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"topicsub/internal"
)

const (
	defaultTimeout = 10 * time.Second
	// milliseconds paho waits for in-flight work on disconnect
	disconnectQuiesce = 250
)

type MQTT struct {
	mqttClient paho.Client
	timeout    time.Duration
	logger     *zap.Logger
}

func newPahoMQTT(ctx context.Context, opts Options) (*MQTT, error) {
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultTimeout
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	options := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(opts.CleanSession).
		SetAutoReconnect(opts.AutoReconnect).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			lg.Warn("connection lost", zap.String("broker", opts.BrokerURL), zap.Error(err))
		}).
		SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
			lg.Info("reconnecting", zap.String("broker", opts.BrokerURL))
		})
	if opts.KeepAlive > 0 {
		options.SetKeepAlive(opts.KeepAlive)
	}

	mqttClient := paho.NewClient(options)

	if err := wait(ctx, mqttClient.Connect(), connectTimeout, "connect"); err != nil {
		mqttClient.Disconnect(0)
		return nil, err
	}

	lg.Debug("connected", zap.String("broker", opts.BrokerURL), zap.String("client_id", opts.ClientID))

	return &MQTT{mqttClient: mqttClient, timeout: timeout, logger: lg}, nil
}

func (strct *MQTT) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	return wait(ctx, strct.mqttClient.Publish(topic, qos, retained, payload), strct.timeout, "publish")
}

func (strct *MQTT) Subscribe(ctx context.Context, topic string, qos byte, handler func(internal.Message)) error {
	token := strct.mqttClient.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(internal.Message{
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			QoS:       msg.Qos(),
			Retained:  msg.Retained(),
			Duplicate: msg.Duplicate(),
			MessageID: msg.MessageID(),
		})
	})

	return wait(ctx, token, strct.timeout, "subscribe")
}

func (strct *MQTT) Unsubscribe(ctx context.Context, topic string) error {
	return wait(ctx, strct.mqttClient.Unsubscribe(topic), strct.timeout, "unsubscribe")
}

func (strct *MQTT) Close(_ context.Context) error {
	strct.mqttClient.Disconnect(disconnectQuiesce)
	strct.logger.Debug("disconnected")
	return nil
}

// wait blocks until the token completes, the timeout passes or ctx ends.
func wait(ctx context.Context, token paho.Token, timeout time.Duration, op string) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("%s timeout after %s", op, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}
