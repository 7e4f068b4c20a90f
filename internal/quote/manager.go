package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"auxite/internal/apiclient"
	"auxite/internal/config"
	"auxite/internal/metrics"
	"auxite/internal/model"
	"auxite/internal/pubsub"
	"auxite/internal/ratelimit"
	"auxite/internal/wallet"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotConnected = wallet.ErrNotConnected
	ErrInvalidInstrument  = errors.New("invalid instrument")
	ErrBelowMinimum       = errors.New("quantity below instrument minimum")
	ErrBackend            = errors.New("backend error")
	ErrNoActiveQuote      = errors.New("no active quote")
	ErrQuoteExpired       = errors.New("quote expired")
	// ErrSuperseded is returned by a RequestQuote whose response arrived after a newer
	// request or a Clear; the response is discarded.
	ErrSuperseded = errors.New("quote request superseded")
)

// Backend is the subset of the API client the manager needs.
type Backend interface {
	RequestQuote(ctx context.Context, r apiclient.QuoteRequest) (model.Quote, error)
	ExecuteTrade(ctx context.Context, quoteID, address string) (model.TradeResult, error)
}

// Wallet gates every operation on a connected address.
type Wallet interface {
	RequireConnected() (string, error)
}

// Options tune a Manager. Zero values get defaults.
type Options struct {
	Minimums     map[model.Metal]decimal.Decimal
	TickInterval time.Duration
	Clock        func() time.Time
	Metrics      *metrics.Metrics
	// OnExecuted runs after a successful execution, before Execute returns.
	OnExecuted func(model.Quote, model.TradeResult)
}

// MinimumsFromConfig converts configured instrument minimums keyed by lower-case symbol.
func MinimumsFromConfig(instruments map[string]config.InstrumentConfig) map[model.Metal]decimal.Decimal {
	out := make(map[model.Metal]decimal.Decimal, len(instruments))
	for sym, ic := range instruments {
		m, err := model.ParseMetal(sym)
		if err != nil {
			continue
		}
		out[m] = decimal.NewFromFloat(ic.MinGrams)
	}
	return out
}

// Manager holds at most one active quote, counts it down and gates its execution.
type Manager struct {
	logger       *slog.Logger
	backend      Backend
	wallet       Wallet
	minimums     map[model.Metal]decimal.Decimal
	tickInterval time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	onExecuted   func(model.Quote, model.TradeResult)

	mu       sync.Mutex
	current  *model.Quote
	token    uint64
	stopTick chan struct{}
	version  uint64

	deliverMu sync.Mutex
	delivered uint64
	updates   *pubsub.Broadcaster[*model.Quote]
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger, backend Backend, w Wallet, opts Options) *Manager {
	m := &Manager{
		logger:       logger,
		backend:      backend,
		wallet:       w,
		minimums:     opts.Minimums,
		tickInterval: opts.TickInterval,
		now:          opts.Clock,
		metrics:      opts.Metrics,
		onExecuted:   opts.OnExecuted,
		updates:      pubsub.New[*model.Quote](),
	}
	if m.minimums == nil {
		m.minimums = map[model.Metal]decimal.Decimal{}
		for _, metal := range model.Metals {
			m.minimums[metal] = decimal.Zero
		}
	}
	if m.tickInterval <= 0 {
		m.tickInterval = time.Second
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Subscribe registers fn for quote updates: the quote on creation and every tick,
// nil when the quote is cleared, expires or is consumed. Updates arrive in state order
// and fn must not call back into the Manager.
func (m *Manager) Subscribe(fn func(*model.Quote)) pubsub.Token {
	return m.updates.Subscribe(fn)
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(t pubsub.Token) {
	m.updates.Unsubscribe(t)
}

// RequestQuote replaces any active quote with a fresh one from the backend.
func (m *Manager) RequestQuote(ctx context.Context, direction model.Direction, metal model.Metal, grams decimal.Decimal) (model.Quote, error) {
	address, err := m.wallet.RequireConnected()
	if err != nil {
		return model.Quote{}, ErrWalletNotConnected
	}
	if direction != model.Buy && direction != model.Sell {
		return model.Quote{}, fmt.Errorf("%w: direction %q", ErrInvalidInstrument, direction)
	}
	minimum, ok := m.minimums[metal]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %q", ErrInvalidInstrument, metal)
	}
	if !grams.IsPositive() || grams.LessThan(minimum) {
		return model.Quote{}, fmt.Errorf("%w: %s < %s grams", ErrBelowMinimum, grams, minimum)
	}

	m.mu.Lock()
	cleared := m.clearLocked()
	m.token++
	token := m.token
	m.mu.Unlock()
	if cleared != 0 {
		m.notify(cleared, nil)
	}

	q, err := m.backend.RequestQuote(ctx, apiclient.QuoteRequest{Type: direction, Metal: metal, Grams: grams, Address: address})

	m.mu.Lock()
	if token != m.token {
		m.mu.Unlock()
		m.metrics.QuoteEvent("superseded")
		m.logger.Debug("QuoteManager: discarding superseded quote response", "metal", metal, "token", token)
		return model.Quote{}, ErrSuperseded
	}
	if err != nil {
		m.mu.Unlock()
		m.metrics.QuoteEvent("failed")
		m.logger.Warn("QuoteManager: quote request failed", "metal", metal, "error", err)
		return model.Quote{}, wrapBackend(err)
	}
	now := m.now()
	if q.Expired(now) {
		m.mu.Unlock()
		m.metrics.QuoteEvent("expired")
		return model.Quote{}, fmt.Errorf("%w: received already expired", ErrQuoteExpired)
	}
	q.Remaining = q.RemainingAt(now)
	m.current = &q
	m.startTickerLocked()
	v := m.bumpLocked()
	m.mu.Unlock()

	m.metrics.QuoteEvent("requested")
	m.logger.Info("QuoteManager: quote active",
		"id", q.ID,
		"direction", q.Direction,
		"metal", q.Metal,
		"grams", q.Grams,
		"pricePerGram", q.PricePerGram,
		"remaining", q.Remaining,
	)
	snapshot := q
	m.notify(v, &snapshot)
	return q, nil
}

// Current returns the active quote if it has not expired. An expired quote is purged.
func (m *Manager) Current() (model.Quote, bool) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return model.Quote{}, false
	}
	now := m.now()
	if m.current.Expired(now) {
		id := m.current.ID
		v := m.clearLocked()
		m.mu.Unlock()
		m.metrics.QuoteEvent("expired")
		m.logger.Info("QuoteManager: quote expired", "id", id)
		m.notify(v, nil)
		return model.Quote{}, false
	}
	m.current.Remaining = m.current.RemainingAt(now)
	q := *m.current
	m.mu.Unlock()
	return q, true
}

// Execute trades the active quote. The quote is consumed whether the backend accepts
// it or not, except when the call was rejected locally by the rate limiter.
// Failures are never retried.
func (m *Manager) Execute(ctx context.Context) (model.TradeResult, error) {
	address, err := m.wallet.RequireConnected()
	if err != nil {
		return model.TradeResult{}, ErrWalletNotConnected
	}

	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return model.TradeResult{}, ErrNoActiveQuote
	}
	q := *m.current
	expired := q.Expired(m.now())
	v := m.clearLocked()
	m.token++
	token := m.token
	onExecuted := m.onExecuted
	m.mu.Unlock()
	m.notify(v, nil)

	if expired {
		m.metrics.QuoteEvent("expired")
		return model.TradeResult{}, ErrQuoteExpired
	}

	result, err := m.backend.ExecuteTrade(ctx, q.ID, address)
	if err != nil {
		var rejected *ratelimit.RejectedError
		if errors.As(err, &rejected) {
			m.restore(q, token)
			return model.TradeResult{}, err
		}
		m.metrics.QuoteEvent("failed")
		m.logger.Warn("QuoteManager: execution failed", "id", q.ID, "error", err)
		if IsExpiredError(err) {
			return model.TradeResult{}, fmt.Errorf("%w: %w", ErrQuoteExpired, err)
		}
		return model.TradeResult{}, wrapBackend(err)
	}

	m.metrics.QuoteEvent("executed")
	m.logger.Info("QuoteManager: quote executed", "id", q.ID, "transaction", result.Transaction.ID)
	if onExecuted != nil {
		onExecuted(q, result)
	}
	return result, nil
}

// restore puts back a quote whose execution never left the client, unless something
// else happened to the manager in the meantime.
func (m *Manager) restore(q model.Quote, token uint64) {
	m.mu.Lock()
	now := m.now()
	if m.token != token || m.current != nil || q.Expired(now) {
		m.mu.Unlock()
		return
	}
	q.Remaining = q.RemainingAt(now)
	m.current = &q
	m.startTickerLocked()
	v := m.bumpLocked()
	m.mu.Unlock()

	snapshot := q
	m.notify(v, &snapshot)
}

// Clear discards the active quote, stops the countdown and orphans any in-flight request.
func (m *Manager) Clear() {
	m.mu.Lock()
	v := m.clearLocked()
	m.token++
	m.mu.Unlock()
	if v != 0 {
		m.notify(v, nil)
	}
}

// clearLocked drops the quote and stops the ticker. It returns the new version, or 0
// when there was nothing to clear.
func (m *Manager) clearLocked() uint64 {
	if m.stopTick != nil {
		close(m.stopTick)
		m.stopTick = nil
	}
	if m.current == nil {
		return 0
	}
	m.current = nil
	return m.bumpLocked()
}

func (m *Manager) bumpLocked() uint64 {
	m.version++
	return m.version
}

func (m *Manager) startTickerLocked() {
	stop := make(chan struct{})
	m.stopTick = stop
	go m.runTicker(stop)
}

func (m *Manager) runTicker(stop <-chan struct{}) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.tick(stop) {
				return
			}
		}
	}
}

// tick recomputes the countdown. It returns false once the ticker should stop.
func (m *Manager) tick(stop <-chan struct{}) bool {
	m.mu.Lock()
	select {
	case <-stop:
		m.mu.Unlock()
		return false
	default:
	}
	if m.current == nil {
		m.mu.Unlock()
		return false
	}

	now := m.now()
	if m.current.Expired(now) {
		id := m.current.ID
		v := m.clearLocked()
		m.mu.Unlock()
		m.metrics.QuoteEvent("expired")
		m.logger.Info("QuoteManager: quote expired", "id", id)
		m.notify(v, nil)
		return false
	}

	m.current.Remaining = m.current.RemainingAt(now)
	q := *m.current
	v := m.bumpLocked()
	m.mu.Unlock()

	m.notify(v, &q)
	return true
}

// notify publishes unless a newer state has already been delivered.
func (m *Manager) notify(version uint64, q *model.Quote) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	if version <= m.delivered {
		return
	}
	m.delivered = version
	m.updates.Publish(q)
}

// IsExpiredError reports whether err means the quote expired, whether detected locally
// or reported by the backend.
func IsExpiredError(err error) bool {
	if errors.Is(err, ErrQuoteExpired) {
		return true
	}
	var be *apiclient.BackendError
	if errors.As(err, &be) {
		return strings.Contains(strings.ToLower(be.Message), "expired")
	}
	return false
}

func wrapBackend(err error) error {
	var rejected *ratelimit.RejectedError
	if errors.As(err, &rejected) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrBackend, err)
}
