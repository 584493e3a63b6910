package internal

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Message is what a provider hands to a subscription callback.
type Message struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Duplicate bool
	MessageID uint16
}

type PayloadKind int

const (
	KindOther PayloadKind = iota
	KindText
	KindBinary
)

func (k PayloadKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "other"
	}
}

// Classify reports how a payload should be rendered.
// Empty payloads carry no attachment at all.
func Classify(payload []byte) PayloadKind {
	if len(payload) == 0 {
		return KindOther
	}
	if !utf8.Valid(payload) {
		return KindBinary
	}
	for _, r := range string(payload) {
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return KindBinary
		}
	}
	return KindText
}

// InboundMessage is a received message. It never changes after
// NewInboundMessage returns; Body hands out a copy.
type InboundMessage struct {
	topic      string
	kind       PayloadKind
	body       []byte
	dump       string
	qos        byte
	retained   bool
	duplicate  bool
	messageID  uint16
	receivedAt time.Time
}

func NewInboundMessage(src Message, receivedAt time.Time) InboundMessage {
	body := append([]byte(nil), src.Payload...)
	m := InboundMessage{
		topic:      src.Topic,
		kind:       Classify(body),
		body:       body,
		qos:        src.QoS,
		retained:   src.Retained,
		duplicate:  src.Duplicate,
		messageID:  src.MessageID,
		receivedAt: receivedAt,
	}
	m.dump = dump(m)
	return m
}

func (m InboundMessage) Topic() string { return m.topic }

func (m InboundMessage) Kind() PayloadKind { return m.kind }

func (m InboundMessage) Body() []byte { return append([]byte(nil), m.body...) }

func (m InboundMessage) Dump() string { return m.dump }

func (m InboundMessage) QoS() byte { return m.qos }

func (m InboundMessage) Retained() bool { return m.retained }

func (m InboundMessage) Duplicate() bool { return m.duplicate }

func (m InboundMessage) MessageID() uint16 { return m.messageID }

func (m InboundMessage) ReceivedAt() time.Time { return m.receivedAt }

func dump(m InboundMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Destination:                            Topic '%s'\n", m.topic)
	fmt.Fprintf(&b, "QoS:                                    %d\n", m.qos)
	fmt.Fprintf(&b, "Message Id:                             %d\n", m.messageID)
	fmt.Fprintf(&b, "Retained:                               %t\n", m.retained)
	fmt.Fprintf(&b, "Duplicate:                              %t\n", m.duplicate)
	if !m.receivedAt.IsZero() {
		fmt.Fprintf(&b, "Received:                               %s\n", m.receivedAt.Format(time.RFC3339Nano))
	}
	switch m.kind {
	case KindText:
		fmt.Fprintf(&b, "Text Attachment:                        len=%d\n", len(m.body))
	case KindBinary:
		fmt.Fprintf(&b, "Binary Attachment:                      len=%d\n", len(m.body))
	}
	if len(m.body) > 0 {
		b.WriteString(hex.Dump(m.body))
	}
	return b.String()
}
