package searchparameter

import (
	"context"
	"sync"
)

// Listener receives change notifications. Listeners run synchronously on the
// publishing goroutine and must not call back into the status manager's
// update methods.
type Listener func(ctx context.Context, event SearchParametersUpdated)

// Broker fans SearchParametersUpdated out to its subscribers.
type Broker struct {
	mu        sync.RWMutex
	listeners []Listener
}

func NewBroker() *Broker {
	return &Broker{}
}

func (b *Broker) Subscribe(l Listener) {
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// Publish delivers event to every subscriber in subscription order.
func (b *Broker) Publish(ctx context.Context, event SearchParametersUpdated) {
	b.mu.RLock()
	listeners := append([]Listener(nil), b.listeners...)
	b.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, event)
	}
}
