package main

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/client"
	"github.com/0gfoundation/0g-voucher/internal/lifecycle"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// ── voucherd commands ─────────────────────────────────────────────────────────

func (a *app) create(c *cli.Context) error {
	api, err := a.api(c, true)
	if err != nil {
		return err
	}
	res, err := api.Create(c.Context, client.CreateParams{
		Amount:       c.String("amount"),
		Token:        c.String("token"),
		Password:     c.String("password"),
		IncludeGas:   c.Bool("gas"),
		ExpiresInSec: int64(c.Duration("expires-in").Seconds()),
		NoExpiry:     c.Bool("no-expiry"),
	})
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		a.log.Warn("create warning", zap.String("step", w.Step), zap.String("message", w.Message))
	}
	return a.print(res)
}

func (a *app) inspect(c *cli.Context) error {
	link, err := firstArg(c, "link")
	if err != nil {
		return err
	}
	var res *lifecycle.Inspection
	if c.Bool("hosted") {
		api, _ := a.api(c, false)
		res, err = api.Inspect(c.Context, link, c.String("password"))
	} else {
		var ctrl *lifecycle.Controller
		if ctrl, err = a.redeemer(c); err != nil {
			return err
		}
		res, err = ctrl.Inspect(c.Context, link, c.String("password"))
	}
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) redeem(c *cli.Context) error {
	link, err := firstArg(c, "link")
	if err != nil {
		return err
	}
	var res *lifecycle.RedeemResult
	if c.Bool("hosted") {
		api, _ := a.api(c, false)
		res, err = api.Redeem(c.Context, client.RedeemParams{
			Link:     link,
			Password: c.String("password"),
			Claimant: c.String("to"),
			Strategy: c.String("strategy"),
		})
	} else {
		res, err = a.redeemLocal(c, link)
	}
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		a.log.Warn("redeem warning", zap.String("step", w.Step), zap.String("message", w.Message))
	}
	if res.PrivateKey != "" {
		a.log.Warn("the printed private_key controls the voucher funds; import it into a wallet and keep it secret")
	}
	return a.print(res)
}

func (a *app) redeemLocal(c *cli.Context, link string) (*lifecycle.RedeemResult, error) {
	strategy, err := lifecycle.ParseStrategy(c.String("strategy"))
	if err != nil {
		return nil, err
	}
	ctrl, err := a.redeemer(c)
	if err != nil {
		return nil, err
	}
	return ctrl.Redeem(c.Context, lifecycle.RedeemRequest{
		Link:     link,
		Password: c.String("password"),
		Claimant: c.String("to"),
		Strategy: strategy,
	})
}

func (a *app) cancel(c *cli.Context) error {
	id, err := firstArg(c, "voucher id")
	if err != nil {
		return err
	}
	api, err := a.api(c, true)
	if err != nil {
		return err
	}
	res, err := api.Cancel(c.Context, id)
	var apiErr *client.Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnprocessableEntity && c.Bool("remove-on-failure") {
		a.log.Warn("cancel failed, removing listing", zap.String("voucher", id), zap.Error(err))
		removed, rerr := api.RemoveListing(c.Context, id)
		if rerr != nil {
			return rerr
		}
		return a.print(removed)
	}
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) remove(c *cli.Context) error {
	id, err := firstArg(c, "voucher id")
	if err != nil {
		return err
	}
	if !c.Bool("yes") {
		return errors.New("removal only drops the listing and cannot be undone; pass --yes to confirm")
	}
	api, err := a.api(c, true)
	if err != nil {
		return err
	}
	res, err := api.RemoveListing(c.Context, id)
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) list(c *cli.Context) error {
	api, err := a.api(c, true)
	if err != nil {
		return err
	}
	records, err := api.List(c.Context)
	if err != nil {
		return err
	}
	return a.print(records)
}

// ── chain commands ────────────────────────────────────────────────────────────

type balances struct {
	Address string            `json:"address"`
	Token   voucher.TokenKind `json:"token"`
	Balance string            `json:"balance"`
	GasWei  string            `json:"gas_wei"`
}

func (a *app) balance(c *cli.Context) error {
	addr, err := addressArg(c)
	if err != nil {
		return err
	}
	kind, err := voucher.ParseTokenKind(c.String("token"))
	if err != nil {
		return err
	}
	ledger, err := a.dial(c)
	if err != nil {
		return err
	}
	decimals, err := ledger.Decimals(c.Context, kind)
	if err != nil {
		return err
	}
	bal, err := ledger.TokenBalance(c.Context, kind, addr)
	if err != nil {
		return err
	}
	gas, err := ledger.NativeBalance(c.Context, addr)
	if err != nil {
		return err
	}
	return a.print(balances{
		Address: addr.Hex(),
		Token:   kind,
		Balance: voucher.FromBaseUnits(bal, decimals),
		GasWei:  gas.String(),
	})
}

func (a *app) watch(c *cli.Context) error {
	addr, err := addressArg(c)
	if err != nil {
		return err
	}
	kind, err := voucher.ParseTokenKind(c.String("token"))
	if err != nil {
		return err
	}
	ledger, err := a.dial(c)
	if err != nil {
		return err
	}
	decimals, err := ledger.Decimals(c.Context, kind)
	if err != nil {
		return err
	}
	want, err := voucher.ToBaseUnits(c.String("min"), decimals)
	if err != nil {
		return fmt.Errorf("--min: %w", err)
	}
	a.log.Info("watching balance", zap.String("address", addr.Hex()), zap.String("token", string(kind)))
	bal, err := ledger.WaitForTokenBalance(c.Context, kind, addr, want, c.Duration("poll"), c.Duration("timeout"))
	if err != nil {
		if errors.Is(err, chain.ErrMonitorTimeout) && bal != nil {
			return fmt.Errorf("%w: last balance %s", err, voucher.FromBaseUnits(bal, decimals))
		}
		return err
	}
	return a.print(balances{Address: addr.Hex(), Token: kind, Balance: voucher.FromBaseUnits(bal, decimals)})
}

type txResult struct {
	TxHash string `json:"tx_hash"`
	Block  uint64 `json:"block"`
	Amount string `json:"amount"`
}

// tokenAmount resolves --token and --amount into a kind and base units.
func tokenAmount(c *cli.Context, ledger Ledger) (voucher.TokenKind, string, *big.Int, error) {
	kind, err := voucher.ParseTokenKind(c.String("token"))
	if err != nil {
		return "", "", nil, err
	}
	decimals, err := ledger.Decimals(c.Context, kind)
	if err != nil {
		return "", "", nil, err
	}
	base, err := voucher.ToBaseUnits(c.String("amount"), decimals)
	if err != nil {
		return "", "", nil, fmt.Errorf("--amount: %w", err)
	}
	return kind, voucher.FromBaseUnits(base, decimals), base, nil
}

func addressFlag(c *cli.Context, name string) (common.Address, error) {
	s := c.String(name)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: %q is not an address", name, s)
	}
	return common.HexToAddress(s), nil
}

func (a *app) mint(c *cli.Context) error {
	key, err := creatorKey(c)
	if err != nil {
		return err
	}
	to, err := addressFlag(c, "to")
	if err != nil {
		return err
	}
	ledger, err := a.dial(c)
	if err != nil {
		return err
	}
	kind, amount, base, err := tokenAmount(c, ledger)
	if err != nil {
		return err
	}
	rcpt, err := ledger.Mint(c.Context, key, kind, to, base)
	if err != nil {
		return err
	}
	return a.print(txResult{TxHash: rcpt.TxHash.Hex(), Block: rcpt.BlockNumber, Amount: amount})
}

func (a *app) burn(c *cli.Context) error {
	key, err := creatorKey(c)
	if err != nil {
		return err
	}
	ledger, err := a.dial(c)
	if err != nil {
		return err
	}
	kind, amount, base, err := tokenAmount(c, ledger)
	if err != nil {
		return err
	}
	rcpt, err := ledger.Burn(c.Context, key, kind, base)
	if err != nil {
		return err
	}
	return a.print(txResult{TxHash: rcpt.TxHash.Hex(), Block: rcpt.BlockNumber, Amount: amount})
}

func (a *app) approve(c *cli.Context) error {
	key, err := creatorKey(c)
	if err != nil {
		return err
	}
	spender, err := addressFlag(c, "spender")
	if err != nil {
		return err
	}
	ledger, err := a.dial(c)
	if err != nil {
		return err
	}
	kind, amount, base, err := tokenAmount(c, ledger)
	if err != nil {
		return err
	}
	rcpt, err := ledger.Approve(c.Context, key, kind, spender, base)
	if err != nil {
		return err
	}
	return a.print(txResult{TxHash: rcpt.TxHash.Hex(), Block: rcpt.BlockNumber, Amount: amount})
}
