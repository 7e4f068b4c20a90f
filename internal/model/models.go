package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick represents a single live price update for a metal.
type PriceTick struct {
	Metal     Metal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Mid returns the midpoint between bid and ask.
func (t PriceTick) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// WalletSession is the connection state that gates every data fetch.
type WalletSession struct {
	Connected bool
	Address   string
	ChainID   int64
}

// Transaction is the backend's record of an executed trade.
type Transaction struct {
	ID           string          `json:"id"`
	Type         Direction       `json:"type"`
	Metal        Metal           `json:"metal"`
	Grams        decimal.Decimal `json:"grams"`
	PricePerGram decimal.Decimal `json:"pricePerGram"`
	TotalUSD     decimal.Decimal `json:"totalUSD"`
	TotalAUXM    decimal.Decimal `json:"totalAUXM"`
	Status       string          `json:"status"`
	Timestamp    int64           `json:"timestamp"`
}

// TradeResult is returned by a successful quote execution.
type TradeResult struct {
	Transaction Transaction
	NewBalance  Balances
}

// Withdrawal is the backend's record of a withdrawal request.
type Withdrawal struct {
	ID          string          `json:"id"`
	Coin        string          `json:"coin"`
	Amount      decimal.Decimal `json:"amount"`
	Destination string          `json:"withdrawAddress"`
	Memo        string          `json:"memo,omitempty"`
	Status      string          `json:"status"`
	TxHash      string          `json:"txHash,omitempty"`
}

// Stake is the backend's record of a metal staking position.
type Stake struct {
	ID             string          `json:"id"`
	Metal          Metal           `json:"metal"`
	Grams          decimal.Decimal `json:"grams"`
	DurationMonths int             `json:"durationMonths"`
	APY            decimal.Decimal `json:"apy"`
	Status         string          `json:"status"`
}

// Conversion is the backend's record of an asset conversion.
type Conversion struct {
	ID         string          `json:"id"`
	From       string          `json:"fromToken"`
	To         string          `json:"toToken"`
	FromAmount decimal.Decimal `json:"fromAmount"`
	ToAmount   decimal.Decimal `json:"toAmount"`
	Rate       decimal.Decimal `json:"rate"`
}

// ActivityRecord is a journaled user mutation (trade, withdrawal, stake, conversion).
type ActivityRecord struct {
	ID        string          `db:"id"`
	Timestamp time.Time       `db:"timestamp"`
	Address   string          `db:"address"`
	Kind      string          `db:"kind"`
	Asset     string          `db:"asset"`
	Amount    decimal.Decimal `db:"amount"`
	Price     decimal.Decimal `db:"price"`
	Reference string          `db:"reference"`
	Status    string          `db:"status"`
}

// Activity kinds.
const (
	ActivityTrade      = "trade"
	ActivityWithdrawal = "withdrawal"
	ActivityStake      = "stake"
	ActivityConversion = "conversion"
)

// CachedBalance is a merged balance view and the moment it was fetched.
type CachedBalance struct {
	Balances  Balances
	FetchedAt time.Time
	Address   string
}
