package pricefeed

import (
	"context"
	"sync"

	"auxite/internal/model"
	"auxite/internal/pubsub"
)

// Board keeps the latest tick per metal.
type Board struct {
	mu     sync.RWMutex
	latest map[model.Metal]model.PriceTick

	updates *pubsub.Broadcaster[model.PriceTick]
}

func NewBoard() *Board {
	return &Board{
		latest:  make(map[model.Metal]model.PriceTick),
		updates: pubsub.New[model.PriceTick](),
	}
}

// Run applies ticks from in until ctx ends or in is closed.
func (b *Board) Run(ctx context.Context, in <-chan model.PriceTick) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-in:
			if !ok {
				return
			}
			b.Update(tick)
		}
	}
}

// Update records tick unless a newer tick for the same metal is already held.
func (b *Board) Update(tick model.PriceTick) {
	b.mu.Lock()
	if prev, ok := b.latest[tick.Metal]; ok && tick.Timestamp.Before(prev.Timestamp) {
		b.mu.Unlock()
		return
	}
	b.latest[tick.Metal] = tick
	b.mu.Unlock()
	b.updates.Publish(tick)
}

// Latest returns the most recent tick for metal.
func (b *Board) Latest(metal model.Metal) (model.PriceTick, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.latest[metal]
	return t, ok
}

// Snapshot copies every held tick.
func (b *Board) Snapshot() map[model.Metal]model.PriceTick {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[model.Metal]model.PriceTick, len(b.latest))
	for k, v := range b.latest {
		out[k] = v
	}
	return out
}

func (b *Board) Subscribe(fn func(model.PriceTick)) pubsub.Token {
	return b.updates.Subscribe(fn)
}

func (b *Board) Unsubscribe(t pubsub.Token) {
	b.updates.Unsubscribe(t)
}
