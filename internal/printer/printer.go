package printer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"topicsub/internal"
	"topicsub/internal/envelope"
)

// Opener decrypts sealed payloads.
type Opener interface {
	Open(topic string, payload []byte) ([]byte, error)
}

// Printer writes one entry per received message. Entries from concurrent
// callers never interleave.
type Printer struct {
	mu     sync.Mutex
	out    io.Writer
	opener Opener
}

type Option func(*Printer)

// WithOpener makes the printer decrypt sealed envelopes before printing.
func WithOpener(opener Opener) Option {
	return func(p *Printer) {
		p.opener = opener
	}
}

func New(out io.Writer, opts ...Option) *Printer {
	p := &Printer{out: out}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Format renders the console entry for a message with the given body.
func Format(msg internal.InboundMessage, body []byte, kind internal.PayloadKind) string {
	return format(msg, body, kind, false)
}

// format renders the entry. When opened is set, body is the plaintext of
// a sealed payload while the dump still shows the payload as received.
func format(msg internal.InboundMessage, body []byte, kind internal.PayloadKind, opened bool) string {
	var b strings.Builder
	if kind == internal.KindText {
		fmt.Fprintf(&b, "TextMessage received: '%s'\n", body)
	} else {
		b.WriteString("Message received.\n")
	}
	if opened {
		fmt.Fprintf(&b, "Sealed Attachment:                      len=%d opened len=%d\n", len(msg.Body()), len(body))
	}
	fmt.Fprintf(&b, "Message Dump:\n%s\n", msg.Dump())
	return b.String()
}

// Handle prints msg. It fails only when a sealed payload cannot be opened
// or the writer rejects the entry.
func (p *Printer) Handle(_ context.Context, msg internal.InboundMessage) error {
	body, kind := msg.Body(), msg.Kind()
	opened := false

	if p.opener != nil {
		plaintext, err := p.opener.Open(msg.Topic(), body)
		switch {
		case err == nil:
			body, kind, opened = plaintext, internal.Classify(plaintext), true
		case errors.Is(err, envelope.ErrNotEnvelope):
		default:
			return fmt.Errorf("open sealed payload on %q: %w", msg.Topic(), err)
		}
	}

	entry := format(msg, body, kind, opened)

	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := io.WriteString(p.out, entry)
	return err
}

// Stats is what Summary reports.
type Stats struct {
	Start    time.Time
	End      time.Time
	Received int64
	Failed   int64
	Dropped  int64
}

func (p *Printer) Summary(s Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sessionHeader(s.Start, s.End)
	fmt.Fprintf(p.out, "- Messages received:   %d\n", s.Received)
	fmt.Fprintf(p.out, "- Handler failures:    %d\n", s.Failed)
	if s.Dropped > 0 {
		fmt.Fprintf(p.out, "- Messages dropped:    %d\n", s.Dropped)
	}
}

// PublishStats is what PublishSummary reports for a polling session.
type PublishStats struct {
	Start     time.Time
	End       time.Time
	Requests  int64
	Responses int64
	Published int64
}

func (p *Printer) PublishSummary(s PublishStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sessionHeader(s.Start, s.End)
	fmt.Fprintf(p.out, "- Requests sent:       %d\n", s.Requests)
	fmt.Fprintf(p.out, "- Responses received:  %d\n", s.Responses)
	fmt.Fprintf(p.out, "- Messages published:  %d\n", s.Published)
}

// sessionHeader must be called with mu held.
func (p *Printer) sessionHeader(start, end time.Time) {
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, "Session stats")
	fmt.Fprintf(p.out, "- Duration:            %s\n", FormatDuration(end.Sub(start)))
	fmt.Fprintf(p.out, "- Start time:          %s\n", start.Format(time.TimeOnly))
	fmt.Fprintf(p.out, "- End time:            %s\n", end.Format(time.TimeOnly))
}

// FormatDuration rounds to the nearest second, e.g. "2 minutes 5 seconds".
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	if m := secs / 60; m > 0 {
		return fmt.Sprintf("%d minutes %d seconds", m, secs%60)
	}
	return fmt.Sprintf("%d seconds", secs)
}
