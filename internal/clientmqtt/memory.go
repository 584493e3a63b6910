package clientmqtt

import (
	"context"
	"errors"
	"sync"

	"topicsub/internal"
)

var ErrClosed = errors.New("clientmqtt: session closed")

// Memory is a loopback provider: Publish delivers synchronously to every
// handler subscribed to exactly the same topic.
type Memory struct {
	mu       sync.RWMutex
	handlers map[string][]func(internal.Message)
	closed   bool
	closes   int
	nextID   uint16
}

func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[string][]func(internal.Message)),
	}
}

func (m *Memory) Publish(_ context.Context, topic string, qos byte, retained bool, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	hs := append([]func(internal.Message){}, m.handlers[topic]...)
	var id uint16
	if qos > 0 {
		m.nextID++
		id = m.nextID
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(internal.Message{
			Topic:     topic,
			Payload:   append([]byte(nil), payload...),
			QoS:       qos,
			Retained:  retained,
			MessageID: id,
		})
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, topic string, _ byte, handler func(internal.Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.handlers[topic] = append(m.handlers[topic], handler)
	return nil
}

func (m *Memory) Unsubscribe(_ context.Context, topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.handlers, topic)
	return nil
}

func (m *Memory) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	m.closed = true
	m.handlers = make(map[string][]func(internal.Message))
	return nil
}

// Closes reports how many times Close was called.
func (m *Memory) Closes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closes
}

// Subscribers reports the number of handlers registered on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[topic])
}

var _ IMQTT = (*Memory)(nil)
var _ IMQTT = (*MQTT)(nil)
