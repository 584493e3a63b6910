// Package subscriber runs a single-topic subscription against a
// messaging provider and hands each message to a handler.
//
// A Client moves through connected, subscribed, receiving and closed.
// Messages that arrive after Subscribe but before StartReceiving are held
// and delivered first, in order, once a handler is registered.
package subscriber

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"topicsub/internal"
	"topicsub/internal/clientmqtt"
	"topicsub/internal/config"
	"topicsub/internal/errors"
)

const defaultMaxPending = 1024

// Handler processes one message. Errors and panics are contained per
// message. A handler must not call Close or Handle.Stop on its own client.
type Handler func(ctx context.Context, msg internal.InboundMessage) error

// Dialer opens a provider session for cfg.
type Dialer func(ctx context.Context, cfg config.ConnectionConfig) (clientmqtt.IMQTT, error)

type Option func(*Client)

func WithLogger(lg *zap.Logger) Option {
	return func(c *Client) {
		c.logger = lg
	}
}

func WithQoS(qos byte) Option {
	return func(c *Client) {
		c.qos = qos
	}
}

// WithMaxPending bounds the messages held before StartReceiving.
func WithMaxPending(n int) Option {
	return func(c *Client) {
		c.maxPending = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

type Client struct {
	cfg        config.ConnectionConfig
	mqtt       clientmqtt.IMQTT
	logger     *zap.Logger
	qos        byte
	maxPending int
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	topic  string
	handle *Handle
	closed bool

	// dispatchMu serialises handler invocations and guards the fields below
	dispatchMu sync.Mutex
	handler    Handler
	pending    []internal.InboundMessage
	stopped    bool

	stats     stats
	closeOnce sync.Once
	closeErr  error
}

// Connect validates cfg and opens a session through dial. It blocks until
// the provider reports the session up or fails.
func Connect(ctx context.Context, cfg config.ConnectionConfig, dial Dialer, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:        cfg,
		logger:     zap.NewNop(),
		maxPending: defaultMaxPending,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	mqtt, err := dial(ctx, cfg)
	if err != nil {
		return nil, errors.Connection(fmt.Sprintf("connect to %s", cfg.Host), err)
	}

	c.mqtt = mqtt
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.stats.start(c.now())

	c.logger.Info("connected",
		zap.String("host", cfg.Host),
		zap.String("username", cfg.Username),
		zap.String("namespace", cfg.Namespace))

	return c, nil
}

// Subscribe registers interest in topic. A client holds at most one
// subscription.
func (c *Client) Subscribe(ctx context.Context, topic string) error {
	if topic == "" {
		return errors.Subscription("empty topic", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Subscription(fmt.Sprintf("subscribe %q", topic), clientmqtt.ErrClosed)
	}
	if c.topic != "" {
		return errors.Subscription(fmt.Sprintf("already subscribed to %q", c.topic), nil)
	}

	if err := c.mqtt.Subscribe(ctx, topic, c.qos, c.deliver); err != nil {
		return errors.Subscription(fmt.Sprintf("subscribe %q", topic), err)
	}
	c.topic = topic

	c.logger.Info("subscribed", zap.String("topic", topic), zap.Uint8("qos", c.qos))
	return nil
}

// Topic returns the subscribed topic, or "" before Subscribe.
func (c *Client) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

// StartReceiving begins delivery to onMessage and returns at once.
func (c *Client) StartReceiving(onMessage Handler) (*Handle, error) {
	if onMessage == nil {
		return nil, errors.Subscription("nil message handler", nil)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, errors.Subscription("start receiving", clientmqtt.ErrClosed)
	case c.topic == "":
		c.mu.Unlock()
		return nil, errors.Subscription("start receiving before subscribe", nil)
	case c.handle != nil:
		c.mu.Unlock()
		return nil, errors.Subscription("already receiving", nil)
	}
	h := &Handle{client: c}
	c.handle = h
	topic := c.topic
	c.mu.Unlock()

	// handlers may call back into the client, so mu is not held here
	c.dispatchMu.Lock()
	held := c.pending
	c.pending = nil
	if !c.stopped {
		c.handler = onMessage
		for _, msg := range held {
			c.invoke(msg)
		}
	}
	c.dispatchMu.Unlock()

	c.logger.Debug("receiving", zap.String("topic", topic), zap.Int("held", len(held)))
	return h, nil
}

// deliver runs on the provider's dispatch goroutine.
func (c *Client) deliver(raw internal.Message) {
	msg := internal.NewInboundMessage(raw, c.now())

	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	switch {
	case c.stopped:
		c.stats.dropped.Add(1)
	case c.handler == nil:
		if len(c.pending) >= c.maxPending {
			c.stats.dropped.Add(1)
			c.logger.Warn("pending buffer full, dropping message", zap.String("topic", msg.Topic()))
			return
		}
		c.pending = append(c.pending, msg)
	default:
		c.invoke(msg)
	}
}

// invoke must be called with dispatchMu held.
func (c *Client) invoke(msg internal.InboundMessage) {
	c.stats.received.Add(1)
	if err := c.safeCall(msg); err != nil {
		c.stats.failed.Add(1)
		c.logger.Error("message handler failed",
			zap.String("topic", msg.Topic()),
			zap.Uint16("message_id", msg.MessageID()),
			zap.Error(err))
	}
}

func (c *Client) safeCall(msg internal.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Handler("message handler panicked", fmt.Errorf("%v", r))
		}
	}()
	if err := c.handler(c.ctx, msg); err != nil {
		return errors.Handler("message handler", err)
	}
	return nil
}

func (c *Client) stopReceiving(ctx context.Context) error {
	c.dispatchMu.Lock()
	c.stopped = true
	c.handler = nil
	c.pending = nil
	c.dispatchMu.Unlock()

	topic := c.Topic()
	if err := c.mqtt.Unsubscribe(ctx, topic); err != nil {
		return errors.Subscription(fmt.Sprintf("unsubscribe %q", topic), err)
	}
	c.logger.Debug("unsubscribed", zap.String("topic", topic))
	return nil
}

// Close releases the subscription and the session. Only the first call
// does any work; later calls return its result.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		h := c.handle
		c.mu.Unlock()

		if h != nil {
			if err := h.Stop(ctx); err != nil {
				c.logger.Warn("release subscription", zap.Error(err))
			}
		} else {
			c.dispatchMu.Lock()
			c.stopped = true
			c.stats.dropped.Add(int64(len(c.pending)))
			c.pending = nil
			c.dispatchMu.Unlock()
		}

		c.cancel()
		c.stats.finish(c.now())
		if err := c.mqtt.Close(ctx); err != nil {
			c.closeErr = errors.Connection("close session", err)
		}
		c.logger.Info("session closed", zap.String("host", c.cfg.Host))
	})
	return c.closeErr
}

// Stats returns a snapshot of the session counters.
func (c *Client) Stats() Stats {
	return c.stats.snapshot()
}

// Handle is the receiving side of a subscription.
type Handle struct {
	client *Client
	once   sync.Once
	err    error
}

// Stop ends delivery and releases the subscription. It is idempotent.
func (h *Handle) Stop(ctx context.Context) error {
	h.once.Do(func() {
		h.err = h.client.stopReceiving(ctx)
	})
	return h.err
}
