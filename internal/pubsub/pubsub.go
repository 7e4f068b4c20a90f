package pubsub

import (
	"sort"
	"sync"
)

// Token identifies a subscription for Unsubscribe.
type Token uint64

// Broadcaster delivers values synchronously to every current subscriber, in
// subscription order. Safe for concurrent use.
type Broadcaster[T any] struct {
	mu   sync.RWMutex
	next Token
	subs map[Token]func(T)
}

// New creates an empty Broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[Token]func(T))}
}

// Subscribe registers fn and returns its token.
func (b *Broadcaster[T]) Subscribe(fn func(T)) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = fn
	return b.next
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (b *Broadcaster[T]) Unsubscribe(t Token) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, t)
}

// Publish calls every subscriber with v. Subscribers may unsubscribe from inside the callback.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	tokens := make([]Token, 0, len(b.subs))
	for t := range b.subs {
		tokens = append(tokens, t)
	}
	fns := make(map[Token]func(T), len(b.subs))
	for t, fn := range b.subs {
		fns[t] = fn
	}
	b.mu.RUnlock()

	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	for _, t := range tokens {
		fns[t](v)
	}
}

// Len returns the number of subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
