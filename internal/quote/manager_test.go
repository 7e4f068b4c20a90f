package quote

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"auxite/internal/apiclient"
	"auxite/internal/logging"
	"auxite/internal/model"
	"auxite/internal/ratelimit"
	"auxite/internal/wallet"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) RequestQuote(ctx context.Context, r apiclient.QuoteRequest) (model.Quote, error) {
	args := m.Called(ctx, r)
	return args.Get(0).(model.Quote), args.Error(1)
}

func (m *MockBackend) ExecuteTrade(ctx context.Context, quoteID, address string) (model.TradeResult, error) {
	args := m.Called(ctx, quoteID, address)
	return args.Get(0).(model.TradeResult), args.Error(1)
}

type stubWallet struct{ connected bool }

func (w *stubWallet) RequireConnected() (string, error) {
	if !w.connected {
		return "", wallet.ErrNotConnected
	}
	return "0xabc", nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quoteAt(id string, now time.Time, ttl time.Duration) model.Quote {
	return model.Quote{
		ID:           id,
		Direction:    model.Sell,
		Metal:        model.Gold,
		Grams:        decimal.NewFromInt(5),
		PricePerGram: decimal.NewFromInt(85),
		CreatedAtMS:  now.UnixMilli(),
		ExpiresAtMS:  now.Add(ttl).UnixMilli(),
	}
}

func newManager(backend Backend, w Wallet, c *clock, tick time.Duration) *Manager {
	return NewManager(logging.Discard(), backend, w, Options{
		Minimums: map[model.Metal]decimal.Decimal{
			model.Gold:   decimal.RequireFromString("0.01"),
			model.Silver: decimal.NewFromInt(1),
		},
		TickInterval: tick,
		Clock:        c.Now,
	})
}

func TestRequestQuote_Validation(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)

	m := newManager(backend, &stubWallet{connected: false}, c, time.Hour)
	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrWalletNotConnected)

	m = newManager(backend, &stubWallet{connected: true}, c, time.Hour)
	_, err = m.RequestQuote(context.Background(), model.Sell, model.Platinum, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrInvalidInstrument)

	_, err = m.RequestQuote(context.Background(), model.Buy, model.Silver, decimal.RequireFromString("0.5"))
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, err = m.RequestQuote(context.Background(), model.Buy, model.Gold, decimal.Zero)
	assert.ErrorIs(t, err, ErrBelowMinimum)

	backend.AssertNotCalled(t, "RequestQuote")
}

func TestRequestQuote_ReplacesPreviousQuote(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, time.Hour)
	defer m.Clear()

	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-1", c.Now(), 30*time.Second), nil).Once()
	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-2", c.Now(), 30*time.Second), nil).Once()

	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)
	_, err = m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)

	q, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "q-2", q.ID)
	backend.AssertExpectations(t)
}

func TestRequestQuote_StaleResponseIsDiscarded(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, time.Hour)
	defer m.Clear()

	release := make(chan struct{})
	started := make(chan struct{})
	backend.On("RequestQuote", mock.Anything, mock.MatchedBy(func(r apiclient.QuoteRequest) bool {
		return r.Grams.Equal(decimal.NewFromInt(1))
	})).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(quoteAt("slow", c.Now(), 30*time.Second), nil).Once()
	backend.On("RequestQuote", mock.Anything, mock.MatchedBy(func(r apiclient.QuoteRequest) bool {
		return r.Grams.Equal(decimal.NewFromInt(2))
	})).Return(quoteAt("fast", c.Now(), 30*time.Second), nil).Once()

	slowErr := make(chan error, 1)
	go func() {
		_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(1))
		slowErr <- err
	}()
	<-started

	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(2))
	require.NoError(t, err)

	close(release)
	assert.ErrorIs(t, <-slowErr, ErrSuperseded)

	q, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "fast", q.ID)
}

func TestRequestQuote_BackendFailureLeavesNoQuote(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, time.Hour)
	defer m.Clear()

	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-1", c.Now(), 30*time.Second), nil).Once()
	backend.On("RequestQuote", mock.Anything, mock.Anything).
		Return(model.Quote{}, &apiclient.BackendError{Endpoint: apiclient.QuotePath, Status: 503, Message: "down"}).Once()

	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)
	_, err = m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrBackend)
	var be *apiclient.BackendError
	assert.True(t, errors.As(err, &be))

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestCurrent_PurgesExpiredQuote(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, time.Hour)
	defer m.Clear()

	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-1", c.Now(), 30*time.Second), nil).Once()
	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)

	c.Advance(29 * time.Second)
	q, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, time.Second, q.Remaining)

	c.Advance(time.Second)
	_, ok = m.Current()
	assert.False(t, ok)

	m.mu.Lock()
	assert.Nil(t, m.current)
	assert.Nil(t, m.stopTick)
	m.mu.Unlock()

	_, err = m.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveQuote)
}

func TestCountdown_NotifiesAndExpires(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, 5*time.Millisecond)
	defer m.Clear()

	var mu sync.Mutex
	var updates []*model.Quote
	m.Subscribe(func(q *model.Quote) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, q)
	})
	last := func() (*model.Quote, int) {
		mu.Lock()
		defer mu.Unlock()
		if len(updates) == 0 {
			return nil, 0
		}
		return updates[len(updates)-1], len(updates)
	}

	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-1", c.Now(), 3*time.Second), nil).Once()
	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)

	c.Advance(2 * time.Second)
	assert.Eventually(t, func() bool {
		q, _ := last()
		return q != nil && q.Remaining == time.Second
	}, time.Second, 5*time.Millisecond)

	c.Advance(time.Second)
	assert.Eventually(t, func() bool {
		q, n := last()
		return n > 0 && q == nil
	}, time.Second, 5*time.Millisecond)

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestExecute_Success(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	var hooked []string
	m := NewManager(logging.Discard(), backend, &stubWallet{connected: true}, Options{
		TickInterval: time.Hour,
		Clock:        c.Now,
		OnExecuted: func(q model.Quote, r model.TradeResult) {
			hooked = append(hooked, q.ID+"/"+r.Transaction.ID)
		},
	})

	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-1", c.Now(), 30*time.Second), nil).Once()
	backend.On("ExecuteTrade", mock.Anything, "q-1", "0xabc").
		Return(model.TradeResult{Transaction: model.Transaction{ID: "tx-1"}}, nil).Once()

	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)

	res, err := m.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.Transaction.ID)
	assert.Equal(t, []string{"q-1/tx-1"}, hooked)

	_, ok := m.Current()
	assert.False(t, ok)
	backend.AssertExpectations(t)
}

func TestExecute_ExpiredLocallyNeverCallsBackend(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, time.Hour)

	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-1", c.Now(), 30*time.Second), nil).Once()
	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)

	c.Advance(31 * time.Second)
	_, err = m.Execute(context.Background())
	assert.ErrorIs(t, err, ErrQuoteExpired)
	backend.AssertNotCalled(t, "ExecuteTrade", mock.Anything, mock.Anything, mock.Anything)
}

func TestExecute_BackendExpiryIsClassified(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, time.Hour)

	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-1", c.Now(), 30*time.Second), nil).Once()
	backend.On("ExecuteTrade", mock.Anything, "q-1", "0xabc").
		Return(model.TradeResult{}, &apiclient.BackendError{Endpoint: apiclient.TradeExecutePath, Status: 400, Message: "Quote has expired"}).Once()

	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)

	_, err = m.Execute(context.Background())
	assert.ErrorIs(t, err, ErrQuoteExpired)
	assert.True(t, IsExpiredError(err))

	// The failed attempt consumed the quote; nothing is retried.
	_, err = m.Execute(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveQuote)
	backend.AssertNumberOfCalls(t, "ExecuteTrade", 1)
}

func TestExecute_RateLimitedKeepsQuote(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, time.Hour)
	defer m.Clear()

	backend.On("RequestQuote", mock.Anything, mock.Anything).Return(quoteAt("q-1", c.Now(), 30*time.Second), nil).Once()
	backend.On("ExecuteTrade", mock.Anything, "q-1", "0xabc").
		Return(model.TradeResult{}, &ratelimit.RejectedError{Category: ratelimit.Trade, RetryAfter: 5 * time.Second}).Once()

	_, err := m.RequestQuote(context.Background(), model.Sell, model.Gold, decimal.NewFromInt(5))
	require.NoError(t, err)

	_, err = m.Execute(context.Background())
	var rejected *ratelimit.RejectedError
	require.True(t, errors.As(err, &rejected))

	q, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "q-1", q.ID)
}

func TestClear_OrphansInFlightRequest(t *testing.T) {
	c := &clock{t: time.UnixMilli(1_700_000_000_000)}
	backend := new(MockBackend)
	m := newManager(backend, &stubWallet{connected: true}, c, time.Hour)

	release := make(chan struct{})
	started := make(chan struct{})
	backend.On("RequestQuote", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		close(started)
		<-release
	}).Return(quoteAt("late", c.Now(), 30*time.Second), nil).Once()

	done := make(chan error, 1)
	go func() {
		_, err := m.RequestQuote(context.Background(), model.Buy, model.Gold, decimal.NewFromInt(1))
		done <- err
	}()
	<-started
	m.Clear()
	close(release)

	assert.ErrorIs(t, <-done, ErrSuperseded)
	_, ok := m.Current()
	assert.False(t, ok)
}

func TestNotify_DeliversInStateOrder(t *testing.T) {
	m := newManager(new(MockBackend), &stubWallet{connected: true}, &clock{t: time.Now()}, time.Hour)

	var mu sync.Mutex
	var seen []int64
	m.Subscribe(func(q *model.Quote) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, q.CreatedAtMS)
	})

	const n = 200
	var wg sync.WaitGroup
	for v := uint64(1); v <= n; v++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			m.notify(v, &model.Quote{CreatedAtMS: int64(v)})
		}(v)
	}
	wg.Wait()

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
	assert.Equal(t, int64(n), seen[len(seen)-1])
}
