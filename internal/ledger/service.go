// Package ledger submits balance mutations other than trades and withdrawals:
// metal staking and asset conversion.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"auxite/internal/apiclient"
	"auxite/internal/model"
	"auxite/internal/wallet"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotConnected = wallet.ErrNotConnected
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidDuration    = errors.New("unsupported staking duration")
	ErrSameAsset          = errors.New("cannot convert an asset into itself")
)

// StakeDurations lists the lock periods, in months, the platform offers.
var StakeDurations = []int{3, 6, 12}

// Backend submits ledger mutations.
type Backend interface {
	Stake(ctx context.Context, r apiclient.StakeRequest) (model.Stake, error)
	Convert(ctx context.Context, r apiclient.ConvertRequest) (model.Conversion, error)
}

// Wallet supplies the acting address.
type Wallet interface {
	RequireConnected() (string, error)
}

type Service struct {
	logger      *slog.Logger
	backend     Backend
	wallet      Wallet
	onCompleted func(model.ActivityRecord)
}

// NewService creates a Service. onCompleted runs after every accepted mutation and may be nil.
func NewService(logger *slog.Logger, backend Backend, w Wallet, onCompleted func(model.ActivityRecord)) *Service {
	return &Service{logger: logger, backend: backend, wallet: w, onCompleted: onCompleted}
}

// Stake locks grams of a metal for durationMonths.
func (s *Service) Stake(ctx context.Context, metal model.Metal, grams decimal.Decimal, durationMonths int) (model.Stake, error) {
	address, err := s.wallet.RequireConnected()
	if err != nil {
		return model.Stake{}, ErrWalletNotConnected
	}
	if _, err := model.ParseMetal(string(metal)); err != nil {
		return model.Stake{}, err
	}
	if !grams.IsPositive() {
		return model.Stake{}, ErrInvalidAmount
	}
	if !validDuration(durationMonths) {
		return model.Stake{}, fmt.Errorf("%w: %d months", ErrInvalidDuration, durationMonths)
	}

	stake, err := s.backend.Stake(ctx, apiclient.StakeRequest{Address: address, Metal: metal, Grams: grams, DurationMonths: durationMonths})
	if err != nil {
		s.logger.Warn("Ledger: stake rejected", "metal", metal, "grams", grams, "error", err)
		return model.Stake{}, err
	}

	s.logger.Info("Ledger: stake opened", "id", stake.ID, "metal", metal, "grams", grams, "months", durationMonths)
	s.completed(model.ActivityRecord{
		Address:   address,
		Kind:      model.ActivityStake,
		Asset:     string(metal),
		Amount:    grams,
		Price:     stake.APY,
		Reference: stake.ID,
		Status:    stake.Status,
	})
	return stake, nil
}

// Convert swaps amount of one asset into another at the backend's rate.
func (s *Service) Convert(ctx context.Context, from, to string, amount decimal.Decimal) (model.Conversion, error) {
	address, err := s.wallet.RequireConnected()
	if err != nil {
		return model.Conversion{}, ErrWalletNotConnected
	}
	from = strings.ToUpper(strings.TrimSpace(from))
	to = strings.ToUpper(strings.TrimSpace(to))
	for _, sym := range []string{from, to} {
		if _, err := model.ResolveSymbol(sym); err != nil {
			return model.Conversion{}, err
		}
	}
	if from == to {
		return model.Conversion{}, fmt.Errorf("%w: %s", ErrSameAsset, from)
	}
	if !amount.IsPositive() {
		return model.Conversion{}, ErrInvalidAmount
	}

	conv, err := s.backend.Convert(ctx, apiclient.ConvertRequest{Address: address, From: from, To: to, Amount: amount})
	if err != nil {
		s.logger.Warn("Ledger: conversion rejected", "from", from, "to", to, "amount", amount, "error", err)
		return model.Conversion{}, err
	}

	s.logger.Info("Ledger: converted", "id", conv.ID, "from", from, "to", to, "amount", amount, "received", conv.ToAmount)
	s.completed(model.ActivityRecord{
		Address:   address,
		Kind:      model.ActivityConversion,
		Asset:     from + "/" + to,
		Amount:    amount,
		Price:     conv.Rate,
		Reference: conv.ID,
		Status:    "completed",
	})
	return conv, nil
}

func (s *Service) completed(rec model.ActivityRecord) {
	if s.onCompleted == nil {
		return
	}
	rec.Timestamp = time.Now().UTC()
	s.onCompleted(rec)
}

func validDuration(months int) bool {
	for _, d := range StakeDurations {
		if d == months {
			return true
		}
	}
	return false
}
