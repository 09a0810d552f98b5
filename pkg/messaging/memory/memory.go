package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syncwire/syncwire/pkg/messaging"
)

// ErrClosed is returned when publishing on a closed broker.
var ErrClosed = errors.New("broker is closed")

const subscriberBuffer = 64

// Broker is an in-process pub/sub broker. It backs store change
// notifications and status broadcasts when no external broker is
// configured. Slow subscribers drop messages rather than block
// publishers.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]chan []byte
	nextID uint64
	closed bool
}

// New creates an in-process broker.
func New() *Broker {
	return &Broker{subs: make(map[string]map[uint64]chan []byte)}
}

func (b *Broker) Publish(_ context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *Broker) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id := b.nextID
	b.nextID++
	ch := make(chan []byte, subscriberBuffer)
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]chan []byte)
	}
	b.subs[channel][id] = ch

	go func() {
		<-ctx.Done()
		b.unsubscribe(channel, id)
	}()

	return ch, nil
}

func (b *Broker) unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[channel][id]; ok {
		delete(b.subs[channel], id)
		close(ch)
	}
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
	return nil
}

var _ messaging.Broker = (*Broker)(nil)
