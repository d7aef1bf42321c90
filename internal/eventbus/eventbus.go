// Package eventbus is the in-process named event multiplexer each client owns.
// It carries lifecycle signals (connect, socket-connected, error, reset) and
// per-key change events between the socket layer and key watchers.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/dblive/internal/loggingutil"
	"pkt.systems/dblive/internal/uuidv7"
	"pkt.systems/pslog"
)

// Handler receives the payload passed to Emit.
type Handler func(data any)

type subscription struct {
	id      string
	event   string
	handler Handler
	once    bool
	fired   bool
}

// Bus multiplexes named events to registered handlers. Handlers run
// synchronously on the emitting goroutine, outside the bus lock, in
// registration order.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	byID   map[string]*subscription
	logger pslog.Base
}

// New returns an empty bus.
func New(logger pslog.Base) *Bus {
	return &Bus{
		subs:   make(map[string][]*subscription),
		byID:   make(map[string]*subscription),
		logger: loggingutil.EnsureBase(logger),
	}
}

// On registers h for every emission of event and returns the subscription id.
func (b *Bus) On(event string, h Handler) string {
	return b.add(event, h, false)
}

// Once registers h for the next emission of event only.
func (b *Bus) Once(event string, h Handler) string {
	return b.add(event, h, true)
}

func (b *Bus) add(event string, h Handler, once bool) string {
	sub := &subscription{
		id:      uuidv7.NewString(),
		event:   event,
		handler: h,
		once:    once,
	}
	b.mu.Lock()
	b.subs[event] = append(b.subs[event], sub)
	b.byID[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Off removes the subscription with the given id. Unknown ids are ignored.
func (b *Bus) Off(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Bus) removeLocked(id string) {
	sub, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	list := b.subs[sub.event]
	for i, candidate := range list {
		if candidate == sub {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, sub.event)
		return
	}
	b.subs[sub.event] = list
}

// Emit delivers data to every handler registered for event. A panicking
// handler is logged and does not prevent delivery to the others.
func (b *Bus) Emit(event string, data any) {
	b.mu.Lock()
	list := b.subs[event]
	targets := make([]*subscription, 0, len(list))
	for _, sub := range list {
		if sub.once {
			if sub.fired {
				continue
			}
			sub.fired = true
			b.removeLocked(sub.id)
		}
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		b.dispatch(event, sub, data)
	}
}

func (b *Bus) dispatch(event string, sub *subscription, data any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("eventbus.handler.panic", "event", event, "subscription", sub.id, "panic", fmt.Sprint(r))
		}
	}()
	sub.handler(data)
}

// Count returns the number of handlers registered for event.
func (b *Bus) Count(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[event])
}

// Wait blocks until event is emitted or ctx ends, returning the payload.
func (b *Bus) Wait(ctx context.Context, event string) (any, error) {
	ch := make(chan any, 1)
	id := b.Once(event, func(data any) {
		ch <- data
	})
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		b.Off(id)
		return nil, ctx.Err()
	}
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.subs = make(map[string][]*subscription)
	b.byID = make(map[string]*subscription)
	b.mu.Unlock()
}
