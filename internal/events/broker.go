package events

import (
	"context"
	"iter"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aliskhannn/upscaler/internal/model"
)

const defaultBufferSize = 64

// Broker fans queue events out to any number of subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the event.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[chan model.Event][]model.EventType
	held        []model.Event
	bufferSize  int
	closed      bool
	log         zerolog.Logger
}

// NewBroker creates a Broker. bufferSize <= 0 selects the default.
func NewBroker(bufferSize int, log zerolog.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Broker{
		subscribers: make(map[chan model.Event][]model.EventType),
		bufferSize:  bufferSize,
		log:         log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a channel receiving the given event types, or every
// event when none are given. The channel is closed by Unsubscribe or Close.
func (b *Broker) Subscribe(types ...model.EventType) <-chan model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan model.Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[ch] = types

	// Hand over retained events this subscriber accepts.
	kept := b.held[:0]
	for _, ev := range b.held {
		if !accepts(types, ev) || len(ch) == cap(ch) {
			kept = append(kept, ev)
			continue
		}
		ch <- ev
	}
	clear(b.held[len(kept):])
	b.held = kept

	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (b *Broker) Unsubscribe(ch <-chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub == ch {
			delete(b.subscribers, sub)
			close(sub)
			return
		}
	}
}

// Publish delivers events in order to every interested subscriber.
func (b *Broker) Publish(evs ...model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.publish(evs)
}

// Retain publishes events that nobody may be listening for yet. An event no
// live subscriber accepts is kept and delivered once, to the first later
// subscription that accepts it.
func (b *Broker) Retain(evs ...model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ev := range evs {
		taken := false
		for _, types := range b.subscribers {
			if accepts(types, ev) {
				taken = true
				break
			}
		}
		if !taken {
			b.held = append(b.held, ev)
		}
	}
	b.publish(evs)
}

// Held returns the number of retained events still waiting for a subscriber.
func (b *Broker) Held() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.held)
}

func (b *Broker) publish(evs []model.Event) {
	for _, ev := range evs {
		for ch, types := range b.subscribers {
			if !accepts(types, ev) {
				continue
			}
			select {
			case ch <- ev:
			default:
				b.log.Warn().Str("type", string(ev.Type)).Str("task_id", ev.TaskID).Msg("subscriber buffer full, event dropped")
			}
		}
	}
}

// Stream returns a lazy sequence of events. Each range over it opens its own
// subscription, which ends when the loop breaks, ctx is done or the broker
// closes; ranging again starts a fresh subscription.
func (b *Broker) Stream(ctx context.Context, types ...model.EventType) iter.Seq[model.Event] {
	return func(yield func(model.Event) bool) {
		ch := b.Subscribe(types...)
		defer b.Unsubscribe(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok || !yield(ev) {
					return
				}
			}
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscription. Later subscriptions are closed at once.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
	}
	clear(b.subscribers)
	b.held = nil
}

func accepts(types []model.EventType, ev model.Event) bool {
	return len(types) == 0 || slices.Contains(types, ev.Type)
}
