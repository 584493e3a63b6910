package subscriber

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"topicsub/internal"
	"topicsub/internal/clientmqtt"
	"topicsub/internal/config"
	"topicsub/internal/errors"
	"topicsub/internal/printer"
)

const testTopic = "topic/1"

var testConfig = config.ConnectionConfig{
	Host:      "tcp://host:20000",
	Username:  "user",
	Namespace: "vpn",
	Password:  "pass",
}

func dialMQTT(mqtt clientmqtt.IMQTT) Dialer {
	return func(context.Context, config.ConnectionConfig) (clientmqtt.IMQTT, error) {
		return mqtt, nil
	}
}

// receiving connects to broker, subscribes to testTopic and starts
// delivery to handler.
func receiving(t *testing.T, broker clientmqtt.IMQTT, handler Handler, opts ...Option) (*Client, *Handle) {
	t.Helper()
	ctx := context.Background()

	c, err := Connect(ctx, testConfig, dialMQTT(broker), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	require.NoError(t, c.Subscribe(ctx, testTopic))
	h, err := c.StartReceiving(handler)
	require.NoError(t, err)
	return c, h
}

func publish(t *testing.T, broker clientmqtt.IMQTT, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, broker.Publish(context.Background(), testTopic, 0, false, []byte(p)))
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handle(_ context.Context, msg internal.InboundMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, string(msg.Body()))
	return nil
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestDeliversInOrder(t *testing.T) {
	broker := clientmqtt.NewMemory()
	rec := &recorder{}
	c, _ := receiving(t, broker, rec.handle)

	var want []string
	for i := 0; i < 100; i++ {
		want = append(want, fmt.Sprintf("msg-%d", i))
	}
	publish(t, broker, want...)

	assert.Equal(t, want, rec.got())
	assert.Equal(t, int64(100), c.Stats().Received)
	assert.Zero(t, c.Stats().Failed)
}

func TestConcurrentDispatchIsSerialised(t *testing.T) {
	broker := clientmqtt.NewMemory()

	var inFlight, maxInFlight atomic.Int32
	rec := &recorder{}
	handler := func(ctx context.Context, msg internal.InboundMessage) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		return rec.handle(ctx, msg)
	}
	c, _ := receiving(t, broker, handler)

	const publishers = 20
	var start, wg sync.WaitGroup
	start.Add(1)
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start.Wait()
			assert.NoError(t, broker.Publish(context.Background(), testTopic, 0, false, []byte(fmt.Sprintf("msg-%d", i))))
		}(i)
	}
	start.Done()
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
	assert.Len(t, rec.got(), publishers)
	assert.Equal(t, int64(publishers), c.Stats().Received)
}

func TestPrintsOneEntryPerMessage(t *testing.T) {
	broker := clientmqtt.NewMemory()
	var out bytes.Buffer
	receiving(t, broker, printer.New(&out).Handle)

	publish(t, broker, "first", "second", "third")

	s := out.String()
	assert.Equal(t, 3, strings.Count(s, "TextMessage received:"))
	assert.Equal(t, 3, strings.Count(s, "Message Dump:"))
	assert.Less(t, strings.Index(s, "'first'"), strings.Index(s, "'second'"))
	assert.Less(t, strings.Index(s, "'second'"), strings.Index(s, "'third'"))
}

func TestHandlerFailureDoesNotStopDelivery(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	broker := clientmqtt.NewMemory()
	rec := &recorder{}

	handler := func(ctx context.Context, msg internal.InboundMessage) error {
		switch string(msg.Body()) {
		case "bad":
			return stderrors.New("cannot format")
		case "panic":
			panic("boom")
		}
		return rec.handle(ctx, msg)
	}
	c, _ := receiving(t, broker, handler, WithLogger(zap.New(core)))

	publish(t, broker, "1", "bad", "2", "panic", "3")

	assert.Equal(t, []string{"1", "2", "3"}, rec.got())
	stats := c.Stats()
	assert.Equal(t, int64(5), stats.Received)
	assert.Equal(t, int64(2), stats.Failed)

	failures := logs.FilterMessage("message handler failed").All()
	require.Len(t, failures, 2)
	for _, entry := range failures {
		err, ok := entry.ContextMap()["error"].(string)
		require.True(t, ok)
		assert.Contains(t, err, "message handler")
	}
}

func TestHandlerErrorIsHandlerKind(t *testing.T) {
	broker := clientmqtt.NewMemory()
	c, err := Connect(context.Background(), testConfig, dialMQTT(broker))
	require.NoError(t, err)
	defer c.Close(context.Background())

	c.handler = func(context.Context, internal.InboundMessage) error { return stderrors.New("x") }
	err = c.safeCall(internal.NewInboundMessage(internal.Message{Topic: testTopic}, time.Time{}))
	assert.True(t, errors.IsKind(err, errors.KindHandler))

	c.handler = func(context.Context, internal.InboundMessage) error { panic("y") }
	err = c.safeCall(internal.NewInboundMessage(internal.Message{Topic: testTopic}, time.Time{}))
	assert.True(t, errors.IsKind(err, errors.KindHandler))
}

func TestHoldsMessagesUntilReceiving(t *testing.T) {
	ctx := context.Background()
	broker := clientmqtt.NewMemory()
	c, err := Connect(ctx, testConfig, dialMQTT(broker), WithMaxPending(2))
	require.NoError(t, err)
	defer c.Close(ctx)

	require.NoError(t, c.Subscribe(ctx, testTopic))
	publish(t, broker, "early-1", "early-2", "overflow")

	rec := &recorder{}
	_, err = c.StartReceiving(rec.handle)
	require.NoError(t, err)
	publish(t, broker, "late")

	assert.Equal(t, []string{"early-1", "early-2", "late"}, rec.got())
	assert.Equal(t, int64(1), c.Stats().Dropped)
}

func TestHandleStopReleasesSubscription(t *testing.T) {
	broker := clientmqtt.NewMemory()
	rec := &recorder{}
	_, h := receiving(t, broker, rec.handle)
	require.Equal(t, 1, broker.Subscribers(testTopic))

	publish(t, broker, "before")
	require.NoError(t, h.Stop(context.Background()))
	require.NoError(t, h.Stop(context.Background()))
	publish(t, broker, "after")

	assert.Equal(t, []string{"before"}, rec.got())
	assert.Zero(t, broker.Subscribers(testTopic))
}

func TestCloseIsIdempotent(t *testing.T) {
	broker := clientmqtt.NewMemory()
	c, _ := receiving(t, broker, (&recorder{}).handle)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Close(context.Background()))
		}()
	}
	wg.Wait()
	require.NoError(t, c.Close(context.Background()))

	assert.Equal(t, 1, broker.Closes())
	assert.False(t, c.Stats().End.IsZero())
}

func TestCloseWithoutReceiving(t *testing.T) {
	ctx := context.Background()
	broker := clientmqtt.NewMemory()
	c, err := Connect(ctx, testConfig, dialMQTT(broker))
	require.NoError(t, err)
	require.NoError(t, c.Subscribe(ctx, testTopic))

	publish(t, broker, "held-1", "held-2", "held-3")

	require.NoError(t, c.Close(ctx))
	assert.Equal(t, 1, broker.Closes())
	assert.Equal(t, int64(3), c.Stats().Dropped)
	assert.Zero(t, c.Stats().Received)

	_, err = c.StartReceiving((&recorder{}).handle)
	assert.True(t, errors.IsKind(err, errors.KindSubscription))
	assert.True(t, errors.IsKind(c.Subscribe(ctx, "other"), errors.KindSubscription))
}

func TestConnectFailure(t *testing.T) {
	refused := stderrors.New("connection refused")
	dial := func(context.Context, config.ConnectionConfig) (clientmqtt.IMQTT, error) {
		return nil, refused
	}

	_, err := Connect(context.Background(), testConfig, dial)
	require.ErrorIs(t, err, refused)
	assert.True(t, errors.IsKind(err, errors.KindConnection))
	assert.Equal(t, 1, errors.ExitCode(err))
}

func TestConnectRejectsInvalidConfig(t *testing.T) {
	called := false
	dial := func(context.Context, config.ConnectionConfig) (clientmqtt.IMQTT, error) {
		called = true
		return clientmqtt.NewMemory(), nil
	}

	_, err := Connect(context.Background(), config.ConnectionConfig{Host: "h:1", Username: "user"}, dial)
	assert.True(t, errors.IsKind(err, errors.KindArgument))
	assert.False(t, called)
}

type failingSubscribe struct {
	*clientmqtt.Memory
	err error
}

func (f failingSubscribe) Subscribe(context.Context, string, byte, func(internal.Message)) error {
	return f.err
}

func TestSubscribeFailures(t *testing.T) {
	ctx := context.Background()

	notAuthorized := stderrors.New("not authorized")
	c, err := Connect(ctx, testConfig, dialMQTT(failingSubscribe{Memory: clientmqtt.NewMemory(), err: notAuthorized}))
	require.NoError(t, err)
	defer c.Close(ctx)

	err = c.Subscribe(ctx, testTopic)
	require.ErrorIs(t, err, notAuthorized)
	assert.True(t, errors.IsKind(err, errors.KindSubscription))
	assert.Empty(t, c.Topic())

	ok, err := Connect(ctx, testConfig, dialMQTT(clientmqtt.NewMemory()))
	require.NoError(t, err)
	defer ok.Close(ctx)

	assert.True(t, errors.IsKind(ok.Subscribe(ctx, ""), errors.KindSubscription))
	require.NoError(t, ok.Subscribe(ctx, testTopic))
	assert.True(t, errors.IsKind(ok.Subscribe(ctx, "second"), errors.KindSubscription))
	assert.Equal(t, testTopic, ok.Topic())
}

func TestStartReceivingPreconditions(t *testing.T) {
	ctx := context.Background()
	c, err := Connect(ctx, testConfig, dialMQTT(clientmqtt.NewMemory()))
	require.NoError(t, err)
	defer c.Close(ctx)

	_, err = c.StartReceiving((&recorder{}).handle)
	assert.True(t, errors.IsKind(err, errors.KindSubscription), "before subscribe")

	require.NoError(t, c.Subscribe(ctx, testTopic))
	_, err = c.StartReceiving(nil)
	assert.True(t, errors.IsKind(err, errors.KindSubscription), "nil handler")

	_, err = c.StartReceiving((&recorder{}).handle)
	require.NoError(t, err)
	_, err = c.StartReceiving((&recorder{}).handle)
	assert.True(t, errors.IsKind(err, errors.KindSubscription), "twice")
}

func TestStatsClock(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }

	c, _ := receiving(t, clientmqtt.NewMemory(), (&recorder{}).handle, WithClock(clock))
	now = start.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, c.Stats().Duration(now))

	require.NoError(t, c.Close(context.Background()))
	now = start.Add(time.Hour)
	s := c.Stats()
	assert.Equal(t, start, s.Start)
	assert.Equal(t, 90*time.Second, s.Duration(now))
}
