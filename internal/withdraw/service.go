package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"auxite/internal/apiclient"
	"auxite/internal/balance"
	"auxite/internal/model"
	"auxite/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotConnected  = wallet.ErrNotConnected
	ErrInvalidAmount       = errors.New("withdrawal amount must be positive")
	ErrInvalidDestination  = errors.New("invalid withdrawal destination")
	ErrTwoFactorRequired   = errors.New("two-factor code required")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// minCodeLength is a client-side plausibility check. The backend verifies the code.
const minCodeLength = 6

// Backend submits withdrawals.
type Backend interface {
	Withdraw(ctx context.Context, r apiclient.WithdrawRequest) (apiclient.WithdrawResponse, error)
}

// Balances answers sufficiency questions before a withdrawal is submitted.
type Balances interface {
	HasSufficient(ctx context.Context, symbol string, amount decimal.Decimal) (balance.Sufficiency, error)
}

// Wallet supplies the withdrawing address.
type Wallet interface {
	RequireConnected() (string, error)
}

// Request is a user withdrawal.
type Request struct {
	Coin          string
	Amount        decimal.Decimal
	Destination   string
	Memo          string
	TwoFactorCode string
}

// Result is the outcome of Withdraw. Requires2FA is set whenever a code must be
// (re-)entered, whether the client or the backend decided so.
type Result struct {
	Withdrawal  model.Withdrawal
	Requires2FA bool
	Sufficiency balance.Sufficiency
}

// Service submits withdrawals once they pass client-side checks.
type Service struct {
	logger      *slog.Logger
	backend     Backend
	balances    Balances
	wallet      Wallet
	onCompleted func(model.ActivityRecord)
}

// NewService creates a Service. onCompleted runs after every accepted withdrawal and may be nil.
func NewService(logger *slog.Logger, backend Backend, balances Balances, w Wallet, onCompleted func(model.ActivityRecord)) *Service {
	return &Service{
		logger:      logger,
		backend:     backend,
		balances:    balances,
		wallet:      w,
		onCompleted: onCompleted,
	}
}

// Withdraw validates the request, checks the balance and submits it.
func (s *Service) Withdraw(ctx context.Context, r Request) (Result, error) {
	address, err := s.wallet.RequireConnected()
	if err != nil {
		return Result{}, ErrWalletNotConnected
	}

	coin := strings.ToUpper(strings.TrimSpace(r.Coin))
	if _, err := model.ResolveSymbol(coin); err != nil {
		return Result{}, err
	}
	if !r.Amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if err := validateDestination(coin, r.Destination); err != nil {
		return Result{}, err
	}
	if len(strings.TrimSpace(r.TwoFactorCode)) < minCodeLength {
		return Result{Requires2FA: true}, ErrTwoFactorRequired
	}

	suff, err := s.balances.HasSufficient(ctx, coin, r.Amount)
	if err != nil {
		return Result{}, fmt.Errorf("check balance: %w", err)
	}
	if !suff.Sufficient {
		return Result{Sufficiency: suff}, fmt.Errorf("%w: %s %s available, %s required", ErrInsufficientBalance, suff.Available, coin, suff.Required)
	}

	resp, err := s.backend.Withdraw(ctx, apiclient.WithdrawRequest{
		Address:         address,
		Coin:            coin,
		Amount:          r.Amount,
		WithdrawAddress: strings.TrimSpace(r.Destination),
		Memo:            r.Memo,
		TwoFactorCode:   strings.TrimSpace(r.TwoFactorCode),
	})
	if err != nil {
		s.logger.Warn("Withdraw: backend rejected withdrawal", "coin", coin, "amount", r.Amount, "error", err)
		if resp.Requires2FA {
			return Result{Requires2FA: true, Sufficiency: suff}, fmt.Errorf("%w: %w", ErrTwoFactorRequired, err)
		}
		return Result{Sufficiency: suff}, err
	}

	s.logger.Info("Withdraw: submitted", "id", resp.Withdrawal.ID, "coin", coin, "amount", r.Amount, "status", resp.Withdrawal.Status)
	if s.onCompleted != nil {
		s.onCompleted(model.ActivityRecord{
			Timestamp: time.Now().UTC(),
			Address:   address,
			Kind:      model.ActivityWithdrawal,
			Asset:     coin,
			Amount:    r.Amount,
			Reference: resp.Withdrawal.ID,
			Status:    resp.Withdrawal.Status,
		})
	}
	return Result{Withdrawal: resp.Withdrawal, Requires2FA: resp.Requires2FA, Sufficiency: suff}, nil
}

// validateDestination requires a non-empty destination, and a hex address for coins
// that settle on an EVM chain.
func validateDestination(coin, destination string) error {
	dest := strings.TrimSpace(destination)
	if dest == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDestination)
	}
	switch coin {
	case "ETH", "USDT":
		if !common.IsHexAddress(dest) {
			return fmt.Errorf("%w: %q is not an EVM address", ErrInvalidDestination, dest)
		}
	}
	return nil
}
