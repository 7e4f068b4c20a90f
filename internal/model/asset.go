package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// ParseDirection accepts "buy" or "sell" in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("unknown trade direction %q", s)
}

// Metal is a tradable metal token symbol.
type Metal string

const (
	Gold      Metal = "AUXG"
	Silver    Metal = "AUXS"
	Platinum  Metal = "AUXPT"
	Palladium Metal = "AUXPD"
)

// Metals lists every tradable metal.
var Metals = []Metal{Gold, Silver, Platinum, Palladium}

// ParseMetal accepts a metal symbol in any case.
func ParseMetal(s string) (Metal, error) {
	m := Metal(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Metals {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown metal %q", s)
}

// Asset returns the balance field holding this metal.
func (m Metal) Asset() Asset {
	return Asset(strings.ToLower(string(m)))
}

// Asset is a balance field as reported by the backend ledger.
type Asset string

const (
	USD       Asset = "usd"
	AUXM      Asset = "auxm"
	BonusAUXM Asset = "bonusAuxm"
	USDT      Asset = "usdt"
	AUXG      Asset = "auxg"
	AUXS      Asset = "auxs"
	AUXPT     Asset = "auxpt"
	AUXPD     Asset = "auxpd"
	BTC       Asset = "btc"
	ETH       Asset = "eth"
	XRP       Asset = "xrp"
	SOL       Asset = "sol"

	// TotalAUXM is not a ledger field: it is auxm plus bonusAuxm.
	TotalAUXM Asset = "totalAuxm"
)

// Assets lists every ledger field in wire order.
var Assets = []Asset{USD, AUXM, BonusAUXM, USDT, AUXG, AUXS, AUXPT, AUXPD, BTC, ETH, XRP, SOL}

func isLedgerAsset(a Asset) bool {
	for _, known := range Assets {
		if a == known {
			return true
		}
	}
	return false
}

// ResolveSymbol maps a user-facing symbol ("AUXG", "btc", "AUXM") to a balance field.
// AUXM resolves to the total stable balance including bonus.
func ResolveSymbol(symbol string) (Asset, error) {
	s := strings.TrimSpace(symbol)
	if strings.EqualFold(s, "AUXM") {
		return TotalAUXM, nil
	}
	if strings.EqualFold(s, string(BonusAUXM)) {
		return BonusAUXM, nil
	}
	a := Asset(strings.ToLower(s))
	if !isLedgerAsset(a) {
		return "", fmt.Errorf("unknown asset symbol %q", symbol)
	}
	return a, nil
}

// Balances holds per-asset amounts. Missing keys mean the source did not report the asset.
type Balances map[Asset]decimal.Decimal

// Get returns the amount for an asset, computing TotalAUXM from its parts.
// Missing assets read as zero.
func (b Balances) Get(a Asset) decimal.Decimal {
	if a == TotalAUXM {
		return b[AUXM].Add(b[BonusAUXM])
	}
	return b[a]
}

// Clone returns an independent copy.
func (b Balances) Clone() Balances {
	out := make(Balances, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// UnmarshalJSON decodes the backend balance object, ignoring fields it does not know.
func (b *Balances) UnmarshalJSON(data []byte) error {
	var raw map[string]decimal.NullDecimal
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Balances, len(raw))
	for k, v := range raw {
		a := Asset(k)
		if !isLedgerAsset(a) || !v.Valid {
			continue
		}
		out[a] = v.Decimal
	}
	*b = out
	return nil
}
