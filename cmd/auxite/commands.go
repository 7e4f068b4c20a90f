package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"auxite/internal/app"
	"auxite/internal/database"
	"auxite/internal/model"
	"auxite/internal/withdraw"

	"github.com/shopspring/decimal"
)

var errUsage = errors.New("invalid arguments, see -help")

type command struct {
	app     *app.App
	out     io.Writer
	address string
}

func (c *command) run(ctx context.Context, name string, args []string) error {
	if name == "prices" {
		return c.prices(ctx)
	}

	if c.address == "" {
		return errors.New("no wallet address: pass -address or set AUXITE_WALLET_ADDRESS")
	}
	if err := c.app.Connect(c.address, 0); err != nil {
		return err
	}

	switch name {
	case "balance":
		return c.balance(ctx, args)
	case "check":
		return c.check(ctx, args)
	case "quote":
		return c.quote(ctx, args, false)
	case "trade":
		return c.quote(ctx, args, true)
	case "withdraw":
		return c.withdraw(ctx, args)
	case "stake":
		return c.stake(ctx, args)
	case "convert":
		return c.convert(ctx, args)
	case "history":
		return c.history(ctx, args)
	}
	return fmt.Errorf("unknown command %q", name)
}

func (c *command) balance(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ContinueOnError)
	refresh := fs.Bool("refresh", false, "Bypass the cache")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cb, err := c.app.Balances.Get(ctx, *refresh)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ASSET\tAMOUNT\n")
	for _, asset := range model.Assets {
		if v, ok := cb.Balances[asset]; ok {
			fmt.Fprintf(w, "%s\t%s\n", asset, v)
		}
	}
	fmt.Fprintf(w, "%s\t%s\n", model.TotalAUXM, cb.Balances.Get(model.TotalAUXM))
	fmt.Fprintf(w, "\nfetched %s for %s\n", cb.FetchedAt.Format(time.RFC3339), cb.Address)
	return w.Flush()
}

func (c *command) check(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	amount, err := parseAmount(args[1])
	if err != nil {
		return err
	}
	s, err := c.app.Balances.HasSufficient(ctx, args[0], amount)
	if err != nil {
		return err
	}
	verdict := "sufficient"
	if !s.Sufficient {
		verdict = "insufficient"
	}
	fmt.Fprintf(c.out, "%s: available %s, required %s\n", verdict, s.Available, s.Required)
	return nil
}

// quote requests a quote and either follows its countdown or executes it.
func (c *command) quote(ctx context.Context, args []string, execute bool) error {
	direction, metal, grams, err := parseTradeArgs(args)
	if err != nil {
		return err
	}

	expired := make(chan struct{})
	var once sync.Once
	token := c.app.Quotes.Subscribe(func(q *model.Quote) {
		if q == nil {
			once.Do(func() { close(expired) })
			return
		}
		if !execute {
			fmt.Fprintf(c.out, "\r%s left ", q.Remaining)
		}
	})
	defer c.app.Quotes.Unsubscribe(token)

	q, err := c.app.Quotes.RequestQuote(ctx, direction, metal, grams)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "quote %s: %s %s g %s at %s/g, total %s USD (%s AUXM), expires in %s\n",
		q.ID, q.Direction, q.Grams, q.Metal, q.PricePerGram, q.TotalUSD, q.TotalAUXM, q.Remaining)

	if execute {
		res, err := c.app.Quotes.Execute(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "executed: transaction %s (%s)\n", res.Transaction.ID, res.Transaction.Status)
		return nil
	}

	select {
	case <-expired:
		fmt.Fprintln(c.out, "\nquote expired")
	case <-ctx.Done():
		c.app.Quotes.Clear()
		fmt.Fprintln(c.out)
	}
	return nil
}

func (c *command) withdraw(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("withdraw", flag.ContinueOnError)
	coin := fs.String("coin", "", "Coin to withdraw (USDT, BTC, ETH, XRP, SOL)")
	amountStr := fs.String("amount", "", "Amount to withdraw")
	to := fs.String("to", "", "Destination address")
	memo := fs.String("memo", "", "Destination memo or tag")
	code := fs.String("code", "", "Two-factor code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	amount, err := parseAmount(*amountStr)
	if err != nil {
		return err
	}

	res, err := c.app.Withdrawals.Withdraw(ctx, withdraw.Request{
		Coin:          *coin,
		Amount:        amount,
		Destination:   *to,
		Memo:          *memo,
		TwoFactorCode: *code,
	})
	if res.Requires2FA {
		fmt.Fprintln(c.out, "a valid two-factor code is required (-code)")
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "withdrawal %s: %s %s to %s (%s)\n", res.Withdrawal.ID, res.Withdrawal.Amount, res.Withdrawal.Coin, res.Withdrawal.Destination, res.Withdrawal.Status)
	return nil
}

func (c *command) stake(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	metal, err := model.ParseMetal(args[0])
	if err != nil {
		return err
	}
	grams, err := parseAmount(args[1])
	if err != nil {
		return err
	}
	months, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid duration %q", args[2])
	}
	s, err := c.app.Ledger.Stake(ctx, metal, grams, months)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "stake %s: %s g %s for %d months at %s%% APY (%s)\n", s.ID, grams, metal, months, s.APY, s.Status)
	return nil
}

func (c *command) convert(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return errUsage
	}
	amount, err := parseAmount(args[2])
	if err != nil {
		return err
	}
	conv, err := c.app.Ledger.Convert(ctx, args[0], args[1], amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "conversion %s: %s -> %s at %s\n", conv.ID, conv.FromAmount, conv.ToAmount, conv.Rate)
	return nil
}

func (c *command) history(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("n", database.DefaultRecentLimit, "Number of entries to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	recs, err := c.app.History(ctx, *limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TIME\tKIND\tASSET\tAMOUNT\tPRICE\tSTATUS\tREFERENCE\n")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Format(time.RFC3339), r.Kind, r.Asset, r.Amount, r.Price, r.Status, r.Reference)
	}
	return w.Flush()
}

func (c *command) prices(ctx context.Context) error {
	token := c.app.Prices.Subscribe(func(t model.PriceTick) {
		fmt.Fprintf(c.out, "%s  %-5s bid %s ask %s mid %s\n", t.Timestamp.Format(time.TimeOnly), t.Metal, t.Bid, t.Ask, t.Mid())
	})
	defer c.app.Prices.Unsubscribe(token)

	err := c.app.StartPriceFeed(ctx)

	snapshot := c.app.Prices.Snapshot()
	metals := make([]string, 0, len(snapshot))
	for m := range snapshot {
		metals = append(metals, string(m))
	}
	sort.Strings(metals)
	if len(metals) > 0 {
		fmt.Fprintf(c.out, "last prices held for %v\n", metals)
	}
	return err
}

func parseTradeArgs(args []string) (model.Direction, model.Metal, decimal.Decimal, error) {
	if len(args) != 3 {
		return "", "", decimal.Decimal{}, errUsage
	}
	direction, err := model.ParseDirection(args[0])
	if err != nil {
		return "", "", decimal.Decimal{}, err
	}
	metal, err := model.ParseMetal(args[1])
	if err != nil {
		return "", "", decimal.Decimal{}, err
	}
	grams, err := parseAmount(args[2])
	if err != nil {
		return "", "", decimal.Decimal{}, err
	}
	return direction, metal, grams, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}
