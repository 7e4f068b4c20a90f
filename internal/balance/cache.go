package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"auxite/internal/metrics"
	"auxite/internal/model"
	"auxite/internal/pubsub"
	"auxite/internal/wallet"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	ErrWalletNotConnected = wallet.ErrNotConnected
	// ErrUnavailable means the off-chain ledger could not be read. On-chain data alone
	// is never served.
	ErrUnavailable = errors.New("balance unavailable")
)

// DefaultTTL is how long a fetched balance is served without refetching.
const DefaultTTL = 10 * time.Second

// OffChainSource reads the custodial ledger.
type OffChainSource interface {
	GetBalance(ctx context.Context, address string) (model.Balances, error)
}

// OnChainSource reads metal token holdings from the chain.
type OnChainSource interface {
	Balances(ctx context.Context, owner string) (model.Balances, error)
}

// Wallet supplies the address balances are fetched for.
type Wallet interface {
	RequireConnected() (string, error)
}

// Sufficiency is the answer to "can the user spend this much".
type Sufficiency struct {
	Sufficient bool
	Available  decimal.Decimal
	Required   decimal.Decimal
}

// Cache serves a merged off-chain/on-chain balance view with a short TTL.
type Cache struct {
	logger   *slog.Logger
	offChain OffChainSource
	onChain  OnChainSource
	wallet   Wallet
	ttl      time.Duration
	now      func() time.Time
	metrics  *metrics.Metrics

	mu         sync.RWMutex
	cached     *model.CachedBalance
	generation uint64

	fetchMu sync.Mutex
	updates *pubsub.Broadcaster[*model.CachedBalance]
}

// NewCache creates a Cache. onChain may be nil when no RPC endpoint is configured.
func NewCache(logger *slog.Logger, offChain OffChainSource, onChain OnChainSource, w Wallet, ttl time.Duration, m *metrics.Metrics) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		logger:   logger,
		offChain: offChain,
		onChain:  onChain,
		wallet:   w,
		ttl:      ttl,
		now:      time.Now,
		metrics:  m,
		updates:  pubsub.New[*model.CachedBalance](),
	}
}

// WithClock replaces the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Subscribe registers fn for balance updates. fn receives nil when the cache is cleared.
func (c *Cache) Subscribe(fn func(*model.CachedBalance)) pubsub.Token {
	return c.updates.Subscribe(fn)
}

// Unsubscribe removes a subscription.
func (c *Cache) Unsubscribe(t pubsub.Token) {
	c.updates.Unsubscribe(t)
}

// Get returns the balance of the connected address, refetching when the cached
// value is older than the TTL or forceRefresh is set.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) (model.CachedBalance, error) {
	address, err := c.wallet.RequireConnected()
	if err != nil {
		return model.CachedBalance{}, ErrWalletNotConnected
	}

	if !forceRefresh {
		if cb, ok := c.fresh(address); ok {
			c.metrics.BalanceCache("hit")
			return cb, nil
		}
	}
	c.metrics.BalanceCache("miss")

	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	// Another caller may have refreshed while we waited.
	if !forceRefresh {
		if cb, ok := c.fresh(address); ok {
			return cb, nil
		}
	}

	c.mu.RLock()
	generation := c.generation
	c.mu.RUnlock()

	merged, err := c.fetch(ctx, address)
	if err != nil {
		return model.CachedBalance{}, err
	}
	cb := model.CachedBalance{Balances: merged, FetchedAt: c.now(), Address: address}

	c.mu.Lock()
	if c.generation != generation {
		c.mu.Unlock()
		c.logger.Debug("BalanceCache: dropping fetch that raced a clear", "address", address)
		return cb, nil
	}
	stored := cb
	stored.Balances = merged.Clone()
	c.cached = &stored
	c.mu.Unlock()

	c.logger.Debug("BalanceCache: refreshed", "address", address)
	published := cb
	published.Balances = merged.Clone()
	c.updates.Publish(&published)
	return cb, nil
}

// Refresh forces a fetch.
func (c *Cache) Refresh(ctx context.Context) (model.CachedBalance, error) {
	return c.Get(ctx, true)
}

// HasSufficient reports whether the balance behind symbol covers amount. The symbol
// AUXM is checked against the total stable balance including bonus.
func (c *Cache) HasSufficient(ctx context.Context, symbol string, amount decimal.Decimal) (Sufficiency, error) {
	asset, err := model.ResolveSymbol(symbol)
	if err != nil {
		return Sufficiency{}, err
	}
	cb, err := c.Get(ctx, false)
	if err != nil {
		return Sufficiency{}, err
	}
	available := cb.Balances.Get(asset)
	return Sufficiency{
		Sufficient: available.GreaterThanOrEqual(amount),
		Available:  available,
		Required:   amount,
	}, nil
}

// Invalidate drops the cached value so the next Get fetches. Mutating operations call
// it right after they succeed.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.generation++
	c.mu.Unlock()
}

// Clear drops the cached value and tells subscribers there is no balance.
func (c *Cache) Clear() {
	c.Invalidate()
	c.updates.Publish(nil)
}

func (c *Cache) fresh(address string) (model.CachedBalance, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil || c.cached.Address != address {
		return model.CachedBalance{}, false
	}
	if c.now().Sub(c.cached.FetchedAt) >= c.ttl {
		return model.CachedBalance{}, false
	}
	cb := *c.cached
	cb.Balances = cb.Balances.Clone()
	return cb, true
}

// fetch reads both sources concurrently and merges them, on-chain metal values winning.
func (c *Cache) fetch(ctx context.Context, address string) (model.Balances, error) {
	var offChain, onChain model.Balances

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := c.offChain.GetBalance(gctx, address)
		if err != nil {
			return err
		}
		offChain = b
		return nil
	})
	if c.onChain != nil {
		g.Go(func() error {
			b, err := c.onChain.Balances(gctx, address)
			if err != nil {
				c.logger.Warn("BalanceCache: on-chain read failed, using ledger values", "address", address, "error", err)
				return nil
			}
			onChain = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("BalanceCache: off-chain read failed", "address", address, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return Merge(offChain, onChain), nil
}

// Merge overlays on-chain metal balances onto the off-chain ledger. A metal the chain
// did not report keeps its ledger value; non-metal assets always come from the ledger.
func Merge(offChain, onChain model.Balances) model.Balances {
	merged := offChain.Clone()
	for _, metal := range model.Metals {
		if v, ok := onChain[metal.Asset()]; ok {
			merged[metal.Asset()] = v
		}
	}
	return merged
}
