package clientmqtt

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"topicsub/internal"
)

// IMQTT is the messaging provider a client talks to. Handlers run on a
// goroutine owned by the provider.
type IMQTT interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(internal.Message)) error
	Unsubscribe(ctx context.Context, topic string) error
	Close(ctx context.Context) error
}

type Options struct {
	BrokerURL        string
	ClientID         string
	Username         string
	Password         string
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	CleanSession     bool
	AutoReconnect    bool
	Logger           *zap.Logger
}

// NewMQTT opens a session with the named provider implementation.
func NewMQTT(ctx context.Context, impl string, opts Options) (IMQTT, error) {
	switch impl {
	case "", "paho":
		return newPahoMQTT(ctx, opts)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", impl)
	}
}
