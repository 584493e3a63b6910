// Package poller fetches URLs on an interval and publishes each response
// body on the topic paired with its URL.
package poller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"topicsub/internal/clientmqtt"
)

const (
	defaultRequestTimeout = 10 * time.Second
	maxBodySize           = 1 << 20
)

var ErrNoTargets = errors.New("poller: no targets")

// Target pairs a polled URL with the topic its responses go to.
type Target struct {
	URL   string
	Topic string
}

// ParseTarget reads "url=topic". The last '=' splits the pair so URLs
// with query strings are kept whole.
func ParseTarget(s string) (Target, error) {
	i := strings.LastIndex(s, "=")
	if i < 0 {
		return Target{}, fmt.Errorf("poller: malformed target %q, want url=topic", s)
	}
	raw, topic := strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	if topic == "" {
		return Target{}, fmt.Errorf("poller: no topic in %q", s)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("poller: bad url in %q: %w", s, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Target{}, fmt.Errorf("poller: url %q must be absolute http(s)", raw)
	}
	return Target{URL: raw, Topic: topic}, nil
}

// Sealer encrypts a payload for topic before it is published.
type Sealer interface {
	Seal(topic string, plaintext []byte) ([]byte, error)
}

type Option func(*Poller)

func WithLogger(lg *zap.Logger) Option {
	return func(p *Poller) {
		p.logger = lg
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(p *Poller) {
		p.http = c
	}
}

func WithSealer(s Sealer) Option {
	return func(p *Poller) {
		p.sealer = s
	}
}

func WithQoS(qos byte) Option {
	return func(p *Poller) {
		p.qos = qos
	}
}

func WithRetain(retain bool) Option {
	return func(p *Poller) {
		p.retain = retain
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// Stats is a point-in-time view of a polling session. End is zero while
// Run is active.
type Stats struct {
	Start     time.Time
	End       time.Time
	Requests  int64
	Responses int64
	Published int64
}

type Poller struct {
	mqtt     clientmqtt.IMQTT
	interval time.Duration
	http     *http.Client
	sealer   Sealer
	qos      byte
	retain   bool
	logger   *zap.Logger
	now      func() time.Time

	requests  atomic.Int64
	responses atomic.Int64
	published atomic.Int64

	mu    sync.Mutex
	start time.Time
	end   time.Time
}

func New(mqtt clientmqtt.IMQTT, interval time.Duration, opts ...Option) (*Poller, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poller: interval must be positive, got %s", interval)
	}

	p := &Poller{
		mqtt:     mqtt,
		interval: interval,
		http:     &http.Client{Timeout: defaultRequestTimeout},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run polls every target on its own ticker until ctx ends. A target whose
// URL cannot form a request stops the whole run.
func (p *Poller) Run(ctx context.Context, targets []Target) error {
	if len(targets) == 0 {
		return ErrNoTargets
	}

	p.mu.Lock()
	p.start, p.end = p.now(), time.Time{}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			return p.loop(gctx, t)
		})
	}
	err := g.Wait()

	p.mu.Lock()
	p.end = p.now()
	p.mu.Unlock()

	return err
}

func (p *Poller) loop(ctx context.Context, t Target) error {
	if _, err := http.NewRequest(http.MethodGet, t.URL, nil); err != nil {
		return fmt.Errorf("poller: target %s: %w", t.URL, err)
	}

	p.logger.Info("polling", zap.String("url", t.URL), zap.String("topic", t.Topic), zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.poll(ctx, t)
		}
	}
}

func (p *Poller) poll(ctx context.Context, t Target) {
	p.requests.Add(1)
	body, err := p.fetch(ctx, t.URL)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("request failed", zap.String("url", t.URL), zap.Error(err))
		}
		return
	}
	p.responses.Add(1)

	payload := body
	if p.sealer != nil {
		payload, err = p.sealer.Seal(t.Topic, body)
		if err != nil {
			p.logger.Error("seal failed", zap.String("topic", t.Topic), zap.Error(err))
			return
		}
	}

	if err := p.mqtt.Publish(ctx, t.Topic, p.qos, p.retain, payload); err != nil {
		if ctx.Err() == nil {
			p.logger.Error("publish failed", zap.String("topic", t.Topic), zap.Error(err))
		}
		return
	}
	p.published.Add(1)
	p.logger.Debug("published", zap.String("topic", t.Topic), zap.Int("bytes", len(payload)))
}

func (p *Poller) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Start:     p.start,
		End:       p.end,
		Requests:  p.requests.Load(),
		Responses: p.responses.Load(),
		Published: p.published.Load(),
	}
}
