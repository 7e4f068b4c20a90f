package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is a short-lived, server-issued price lock for a proposed trade.
type Quote struct {
	ID            string          `json:"id"`
	Direction     Direction       `json:"type"`
	Metal         Metal           `json:"metal"`
	Grams         decimal.Decimal `json:"grams"`
	PricePerGram  decimal.Decimal `json:"pricePerGram"`
	SpreadPercent decimal.Decimal `json:"spreadPercent"`
	TotalUSD      decimal.Decimal `json:"totalUSD"`
	TotalAUXM     decimal.Decimal `json:"totalAUXM"`
	CreatedAtMS   int64           `json:"createdAt"`
	ExpiresAtMS   int64           `json:"expiresAt"`

	// Remaining is recomputed locally on every countdown tick.
	Remaining time.Duration `json:"-"`
}

// CreatedAt returns the creation time.
func (q Quote) CreatedAt() time.Time {
	return time.UnixMilli(q.CreatedAtMS)
}

// ExpiresAt returns the expiry time.
func (q Quote) ExpiresAt() time.Time {
	return time.UnixMilli(q.ExpiresAtMS)
}

// Expired reports whether the quote can no longer be executed at now.
func (q Quote) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt())
}

// RemainingAt returns max(0, expiresAt - now) rounded up to whole seconds, so a
// quote that is still executable never reports zero.
func (q Quote) RemainingAt(now time.Time) time.Duration {
	d := q.ExpiresAt().Sub(now)
	if d <= 0 {
		return 0
	}
	if r := d % time.Second; r != 0 {
		d += time.Second - r
	}
	return d
}
