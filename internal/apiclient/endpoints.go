package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"auxite/internal/model"
	"auxite/internal/ratelimit"

	"github.com/shopspring/decimal"
)

// Backend routes.
const (
	QuotePath        = "/api/quote"
	TradeExecutePath = "/api/trade/execute"
	BalancePath      = "/api/user/balance"
	WithdrawPath     = "/api/withdraw"
	StakePath        = "/api/stake"
	ConvertPath      = "/api/convert"
)

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

// QuoteRequest asks the backend for a price lock.
type QuoteRequest struct {
	Type    model.Direction
	Metal   model.Metal
	Grams   decimal.Decimal
	Address string
}

type quoteBody struct {
	Type    model.Direction `json:"type"`
	Metal   model.Metal     `json:"metal"`
	Grams   json.Number     `json:"grams"`
	Address string          `json:"address"`
}

// RequestQuote calls POST /api/quote.
func (c *Client) RequestQuote(ctx context.Context, r QuoteRequest) (model.Quote, error) {
	call := Call{
		Method:   http.MethodPost,
		Endpoint: QuotePath,
		Category: ratelimit.Trade,
		Body:     quoteBody{Type: r.Type, Metal: r.Metal, Grams: number(r.Grams), Address: r.Address},
	}
	var out struct {
		Quote *model.Quote `json:"quote"`
	}
	if err := c.do(ctx, call, &out); err != nil {
		return model.Quote{}, err
	}
	if out.Quote == nil || out.Quote.ID == "" {
		return model.Quote{}, &BackendError{Endpoint: QuotePath, Status: http.StatusOK, Message: "response carried no quote"}
	}
	return *out.Quote, nil
}

// ExecuteTrade calls POST /api/trade/execute for a quote.
func (c *Client) ExecuteTrade(ctx context.Context, quoteID, address string) (model.TradeResult, error) {
	call := Call{
		Method:   http.MethodPost,
		Endpoint: TradeExecutePath,
		Category: ratelimit.Trade,
		Body: map[string]string{
			"quoteId": quoteID,
			"address": address,
		},
	}
	var out struct {
		Transaction model.Transaction `json:"transaction"`
		NewBalance  model.Balances    `json:"newBalance"`
	}
	if err := c.do(ctx, call, &out); err != nil {
		return model.TradeResult{}, err
	}
	return model.TradeResult{Transaction: out.Transaction, NewBalance: out.NewBalance}, nil
}

// GetBalance calls GET /api/user/balance for an address.
func (c *Client) GetBalance(ctx context.Context, address string) (model.Balances, error) {
	call := Call{
		Method:   http.MethodGet,
		Endpoint: BalancePath,
		Category: ratelimit.General,
		Query:    map[string]string{"address": address},
	}
	var out struct {
		Balances model.Balances `json:"balances"`
	}
	if err := c.do(ctx, call, &out); err != nil {
		return nil, err
	}
	if out.Balances == nil {
		return nil, &BackendError{Endpoint: BalancePath, Status: http.StatusOK, Message: "response carried no balances"}
	}
	return out.Balances, nil
}

// WithdrawRequest is the withdrawal payload.
type WithdrawRequest struct {
	Address         string
	Coin            string
	Amount          decimal.Decimal
	WithdrawAddress string
	Memo            string
	TwoFactorCode   string
}

type withdrawBody struct {
	Address         string      `json:"address"`
	Coin            string      `json:"coin"`
	Amount          json.Number `json:"amount"`
	WithdrawAddress string      `json:"withdrawAddress"`
	Memo            string      `json:"memo,omitempty"`
	TwoFactorCode   string      `json:"twoFactorCode"`
}

// WithdrawResponse carries the backend's answer, including a 2FA demand on failure.
type WithdrawResponse struct {
	Withdrawal  model.Withdrawal
	Requires2FA bool
}

// Withdraw calls POST /api/withdraw. Requires2FA is populated even when an error is returned.
func (c *Client) Withdraw(ctx context.Context, r WithdrawRequest) (WithdrawResponse, error) {
	call := Call{
		Method:   http.MethodPost,
		Endpoint: WithdrawPath,
		Category: ratelimit.Withdraw,
		Body: withdrawBody{
			Address:         r.Address,
			Coin:            r.Coin,
			Amount:          number(r.Amount),
			WithdrawAddress: r.WithdrawAddress,
			Memo:            r.Memo,
			TwoFactorCode:   r.TwoFactorCode,
		},
	}
	var out struct {
		Withdrawal  model.Withdrawal `json:"withdrawal"`
		Requires2FA bool             `json:"requires2FA"`
	}
	resp := c.Request(ctx, call)
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &out); err != nil && resp.Success {
			return WithdrawResponse{}, decodeError(call, resp, err)
		}
	}
	result := WithdrawResponse{Withdrawal: out.Withdrawal, Requires2FA: out.Requires2FA}
	return result, resp.Err(call)
}

// StakeRequest opens a staking position.
type StakeRequest struct {
	Address        string
	Metal          model.Metal
	Grams          decimal.Decimal
	DurationMonths int
}

// Stake calls POST /api/stake.
func (c *Client) Stake(ctx context.Context, r StakeRequest) (model.Stake, error) {
	call := Call{
		Method:   http.MethodPost,
		Endpoint: StakePath,
		Category: ratelimit.Trade,
		Body: map[string]any{
			"address":  r.Address,
			"metal":    r.Metal,
			"grams":    number(r.Grams),
			"duration": r.DurationMonths,
		},
	}
	var out struct {
		Stake model.Stake `json:"stake"`
	}
	if err := c.do(ctx, call, &out); err != nil {
		return model.Stake{}, err
	}
	return out.Stake, nil
}

// ConvertRequest swaps one asset for another.
type ConvertRequest struct {
	Address string
	From    string
	To      string
	Amount  decimal.Decimal
}

// Convert calls POST /api/convert.
func (c *Client) Convert(ctx context.Context, r ConvertRequest) (model.Conversion, error) {
	call := Call{
		Method:   http.MethodPost,
		Endpoint: ConvertPath,
		Category: ratelimit.Trade,
		Body: map[string]any{
			"address":   r.Address,
			"fromToken": r.From,
			"toToken":   r.To,
			"amount":    number(r.Amount),
		},
	}
	var out struct {
		Conversion model.Conversion `json:"conversion"`
	}
	if err := c.do(ctx, call, &out); err != nil {
		return model.Conversion{}, err
	}
	return out.Conversion, nil
}

// do runs the call and decodes a successful body into out.
func (c *Client) do(ctx context.Context, call Call, out any) error {
	resp := c.Request(ctx, call)
	if err := resp.Err(call); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return decodeError(call, resp, err)
	}
	return nil
}

func decodeError(call Call, resp Response, err error) error {
	return &BackendError{Endpoint: call.Endpoint, Status: resp.Status, Message: fmt.Sprintf("decode response: %v", err)}
}
