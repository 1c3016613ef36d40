package eventbus

import (
	"context"
	"errors"
	"sync"
)

const defaultSubscriberBuffer = 64

// ErrClosed is returned by a broker after Close.
var ErrClosed = errors.New("eventbus: broker closed")

type message struct {
	channel string
	payload []byte
}

type subscription struct {
	id      uint64
	channel string
	ch      chan message
	once    sync.Once
}

// MemoryBroker fans messages out to in-process subscribers. Every subscriber has
// a buffered queue drained by its own goroutine; when the queue is full the
// message is dropped for that subscriber.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription
	nextID uint64
	buffer int
	closed bool
	onDrop func(channel string)
	wg     sync.WaitGroup
}

// NewMemoryBroker creates an in-process broker. onDrop, when set, is called for
// every message a slow subscriber could not accept.
func NewMemoryBroker(buffer int, onDrop func(channel string)) *MemoryBroker {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &MemoryBroker{
		subs:   make(map[string]map[uint64]*subscription),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// Publish enqueues payload for every subscriber of channel without blocking.
func (b *MemoryBroker) Publish(_ context.Context, channel string, payload []byte) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}

	delivered := 0
	for _, sub := range b.subs[channel] {
		select {
		case sub.ch <- message{channel: channel, payload: payload}:
			delivered++
		default:
			if b.onDrop != nil {
				b.onDrop(channel)
			}
		}
	}
	return delivered, nil
}

// Subscribe starts delivering channel messages to handler until the returned
// function is called, ctx is done, or the broker is closed.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	sub := &subscription{id: b.nextID, channel: channel, ch: make(chan message, b.buffer)}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]*subscription)
	}
	b.subs[channel][sub.id] = sub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				handler(ctx, msg.channel, msg.payload)
			case <-ctx.Done():
				b.remove(sub)
				return
			}
		}
	}()

	return func() { b.remove(sub) }, nil
}

func (b *MemoryBroker) remove(sub *subscription) {
	sub.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs := b.subs[sub.channel]; subs != nil {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.subs, sub.channel)
			}
		}
		close(sub.ch)
	})
}

// Close stops every subscription and waits for in-flight handlers.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		b.remove(sub)
	}
	b.wg.Wait()
	return nil
}
