// Package app builds the client's services once per session and wires them together.
//
// Wiring:
//   - wallet disconnect clears the active quote and the balance cache
//   - every accepted mutation (trade, withdrawal, stake, conversion) invalidates the
//     balance cache and is journaled when a journal is configured
//   - History reads the journal back for the connected wallet
package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"auxite/internal/apiclient"
	"auxite/internal/balance"
	"auxite/internal/chain"
	"auxite/internal/config"
	"auxite/internal/database"
	"auxite/internal/ledger"
	"auxite/internal/metrics"
	"auxite/internal/model"
	"auxite/internal/pricefeed"
	"auxite/internal/quote"
	"auxite/internal/ratelimit"
	"auxite/internal/wallet"
	"auxite/internal/withdraw"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const journalTimeout = 5 * time.Second

var (
	// ErrPriceFeedDisabled is returned by StartPriceFeed when no feed URL is configured.
	ErrPriceFeedDisabled = errors.New("price feed not configured")
	// ErrJournalDisabled is returned by History when no journal is configured.
	ErrJournalDisabled = errors.New("activity journal not configured")
)

// App owns every service of one client session.
type App struct {
	Config  config.Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	Limiter     *ratelimit.Limiter
	API         *apiclient.Client
	Wallet      *wallet.Session
	Quotes      *quote.Manager
	Balances    *balance.Cache
	Withdrawals *withdraw.Service
	Ledger      *ledger.Service
	Prices      *pricefeed.Board

	feed    pricefeed.Stream
	journal database.Repository
	onChain balance.OnChainSource

	closers      []func()
	unsubscribes []func()
}

type options struct {
	metrics *metrics.Metrics
	onChain balance.OnChainSource
	journal database.Repository
	feed    pricefeed.Stream
}

// Option customizes New.
type Option func(*options)

// WithMetrics records into m instead of a fresh registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithOnChainSource replaces the RPC-backed token reader.
func WithOnChainSource(src balance.OnChainSource) Option {
	return func(o *options) { o.onChain = src }
}

// WithJournal replaces the Postgres journal.
func WithJournal(j database.Repository) Option {
	return func(o *options) { o.journal = j }
}

// WithPriceFeed replaces the websocket price stream.
func WithPriceFeed(s pricefeed.Stream) Option {
	return func(o *options) { o.feed = s }
}

// New builds and wires every service. Optional infrastructure (chain RPC, journal
// database, price feed) is connected only when configured and not overridden.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: o.metrics,
		journal: o.journal,
		onChain: o.onChain,
		feed:    o.feed,
	}

	if err := a.connectInfrastructure(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Limiter = ratelimit.New(ratelimit.LimitsFromConfig(cfg.RateLimits), a.Metrics)
	a.API = apiclient.New(cfg.API, a.Limiter, logger, a.Metrics)
	a.Wallet = wallet.NewSession(logger)
	a.Balances = balance.NewCache(logger, a.API, a.onChain, a.Wallet, cfg.Balance.CacheTTL, a.Metrics)
	a.Quotes = quote.NewManager(logger, a.API, a.Wallet, quote.Options{
		Minimums:     quote.MinimumsFromConfig(cfg.Instruments),
		TickInterval: cfg.Quote.TickInterval,
		Metrics:      a.Metrics,
		OnExecuted:   a.tradeExecuted,
	})
	a.Withdrawals = withdraw.NewService(logger, a.API, a.Balances, a.Wallet, a.mutationCompleted)
	a.Ledger = ledger.NewService(logger, a.API, a.Wallet, a.mutationCompleted)
	a.Prices = pricefeed.NewBoard()

	a.unsubscribes = append(a.unsubscribes, a.Wallet.OnDisconnect(func(prev model.WalletSession) {
		logger.Info("App: wallet disconnected, clearing session state", "address", prev.Address)
		a.Quotes.Clear()
		a.Balances.Clear()
	}))

	return a, nil
}

func (a *App) connectInfrastructure(ctx context.Context) error {
	cfg := a.Config

	if a.onChain == nil && cfg.Chain.RPCURL != "" {
		tokens, err := chain.ContractsFromConfig(cfg.Chain.TokenContracts)
		if err != nil {
			return err
		}
		client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Close)
		reader := chain.NewERC20Reader(a.Logger, client, tokens, chainLimiter(cfg.Chain))
		a.onChain = reader
		a.checkChainID(ctx, client, cfg.Chain.ChainID)
		a.checkTokenSymbols(ctx, reader, tokens)
	}

	if a.journal == nil && cfg.Database.Enabled {
		repo, err := database.NewPostgresRepository(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		a.closers = append(a.closers, repo.Close)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		a.journal = repo
	}

	if a.feed == nil && cfg.PriceFeed.URL != "" {
		a.feed = pricefeed.NewClient(a.Logger, cfg.PriceFeed.URL)
	}
	return nil
}

func (a *App) checkChainID(ctx context.Context, client *ethclient.Client, want int64) {
	got, err := client.ChainID(ctx)
	if err != nil {
		a.Logger.Warn("App: could not read chain id", "error", err)
		return
	}
	if want != 0 && got.Int64() != want {
		a.Logger.Warn("App: RPC endpoint serves a different chain", "configured", want, "actual", got.Int64())
	}
}

type symbolReader interface {
	Symbol(ctx context.Context, metal model.Metal) (string, error)
}

// checkTokenSymbols warns when a configured contract does not report its metal's symbol.
func (a *App) checkTokenSymbols(ctx context.Context, r symbolReader, tokens map[model.Metal]common.Address) {
	for _, metal := range model.Metals {
		contract, ok := tokens[metal]
		if !ok {
			continue
		}
		sym, err := r.Symbol(ctx, metal)
		if err != nil {
			a.Logger.Warn("App: could not read token symbol", "metal", metal, "contract", contract.Hex(), "error", err)
			continue
		}
		if !strings.EqualFold(sym, string(metal)) {
			a.Logger.Warn("App: token contract reports a different symbol", "metal", metal, "contract", contract.Hex(), "symbol", sym)
		}
	}
}

func chainLimiter(cfg config.ChainConfig) *rate.Limiter {
	if cfg.RequestsPerSec <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst)
}

// Connect attaches a wallet, using the configured chain id when chainID is 0.
func (a *App) Connect(address string, chainID int64) error {
	if chainID == 0 {
		chainID = a.Config.Chain.ChainID
	}
	return a.Wallet.Connect(address, chainID)
}

// StartPriceFeed streams prices into Prices until ctx ends.
func (a *App) StartPriceFeed(ctx context.Context) error {
	if a.feed == nil {
		return ErrPriceFeedDisabled
	}
	ticks := make(chan model.PriceTick, 16)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ticks)
		return a.feed.StartStream(gctx, ticks)
	})
	g.Go(func() error {
		a.Prices.Run(gctx, ticks)
		return nil
	})
	return g.Wait()
}

// History returns the connected wallet's most recent journaled activity, newest first.
func (a *App) History(ctx context.Context, limit int) ([]model.ActivityRecord, error) {
	address, err := a.Wallet.RequireConnected()
	if err != nil {
		return nil, err
	}
	if a.journal == nil {
		return nil, ErrJournalDisabled
	}
	return a.journal.Recent(ctx, address, limit)
}

// Close stops the quote countdown and releases connections.
func (a *App) Close() {
	for _, unsubscribe := range a.unsubscribes {
		unsubscribe()
	}
	a.unsubscribes = nil
	if a.Quotes != nil {
		a.Quotes.Clear()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) tradeExecuted(q model.Quote, res model.TradeResult) {
	address, _ := a.Wallet.Address()
	a.mutationCompleted(database.TradeRecord(address, q, res))
}

// mutationCompleted runs after every accepted balance mutation.
func (a *App) mutationCompleted(rec model.ActivityRecord) {
	a.Balances.Invalidate()

	if a.journal == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := a.journal.LogActivity(ctx, rec); err != nil {
		a.Logger.Error("App: failed to journal activity", "kind", rec.Kind, "reference", rec.Reference, "error", err)
	}
}
