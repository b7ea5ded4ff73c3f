package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/index"
	"github.com/0gfoundation/0g-voucher/internal/vault"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

type CancelResult struct {
	ID       string            `json:"id"`
	Amount   string            `json:"amount"`
	Token    voucher.TokenKind `json:"token"`
	TxHash   common.Hash       `json:"tx_hash"`
	Warnings []Warning         `json:"warnings,omitempty"`
}

// staleListingHint accompanies every CancelFailed error.
const staleListingHint = "the listing may be stale and the voucher may have been redeemed concurrently; " +
	"remove the listing locally with explicit confirmation"

// Cancel moves a voucher's funds back to the creator, signing with the
// reclaim copy of the bearer key. When the bearer address cannot pay the
// transfer fee the creator tops it up first.
func (c *Controller) Cancel(ctx context.Context, id string, caller common.Address) (*CancelResult, error) {
	const op = "cancel"
	if c.creatorKey == nil || caller != c.creator {
		return nil, newError(op, KindForbidden, fmt.Errorf("caller %s", caller.Hex()))
	}
	if c.vault == nil {
		return nil, newError(op, KindInternal, errors.New("no vault configured"))
	}
	rec, err := c.vault.ReclaimKey(ctx, id)
	if isNotFound(err) {
		return nil, newError(op, KindNotFound, err)
	}
	if err != nil {
		return nil, newError(op, KindInternal, err)
	}
	bearerKey := rec.Key
	defer func() { bearerKey.D.SetInt64(0) }()
	bearer := crypto.PubkeyToAddress(bearerKey.PublicKey)
	log := c.log.With(zap.String("voucher", id), zap.String("bearer", bearer.Hex()))

	failed := func(err error) error {
		log.Warn("cancel failed", zap.Error(err))
		return newError(op, KindCancelFailed, fmt.Errorf("%w; %s", err, staleListingHint))
	}

	balance, err := c.ledger.TokenBalance(ctx, rec.Token, bearer)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	if balance.Sign() == 0 {
		return nil, failed(fmt.Errorf("bearer balance is zero: %w", ErrAlreadyRedeemed))
	}
	decimals, err := c.ledger.Decimals(ctx, rec.Token)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}

	fee, err := c.ledger.TokenTransferFee(ctx, rec.Token, bearer, c.creator, balance)
	if err != nil {
		return nil, failed(c.raceAware(ctx, rec.Token, bearer, fmt.Errorf("price reclaim: %w", err)))
	}
	gas, err := c.ledger.NativeBalance(ctx, bearer)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	if short := new(big.Int).Sub(fee.Total(), gas); short.Sign() > 0 {
		if _, err := c.ledger.SendNative(ctx, c.creatorKey, bearer, short, chain.Fee{}); err != nil {
			return nil, failed(fmt.Errorf("top up reclaim gas: %w", err))
		}
		log.Info("reclaim gas topped up", zap.String("amount_wei", short.String()))
	}

	rcpt, err := c.ledger.TransferToken(ctx, bearerKey, rec.Token, c.creator, balance, fee)
	if err != nil {
		return nil, failed(c.raceAware(ctx, rec.Token, bearer, fmt.Errorf("reclaim transfer: %w", err)))
	}
	res := &CancelResult{
		ID:     id,
		Amount: voucher.FromBaseUnits(balance, decimals),
		Token:  rec.Token,
		TxHash: rcpt.TxHash,
	}
	log.Info("voucher cancelled", zap.String("amount", res.Amount), zap.String("tx", rcpt.TxHash.Hex()))

	sweep := c.sweepResidual(ctx, bearerKey, c.creator)
	res.Warnings = appendWarning(res.Warnings, sweep)
	if sweep == nil {
		if err := c.vault.DeleteReclaimKey(context.WithoutCancel(ctx), id); err != nil {
			res.Warnings = appendWarning(res.Warnings, c.warn(StepReclaimKey, "drop reclaim key", err, zap.String("voucher", id)))
		}
	}

	at := c.now().Unix()
	res.Warnings = appendWarning(res.Warnings, c.syncIndex(ctx,
		vault.OutboxEntry{VoucherID: id, Op: vault.OpCancel, At: at},
		func(ctx context.Context) error { return c.index.MarkCancelled(ctx, id, at) }))
	return res, nil
}

// raceAware tags err with ErrAlreadyRedeemed when the bearer was drained.
func (c *Controller) raceAware(ctx context.Context, kind voucher.TokenKind, bearer common.Address, err error) error {
	if c.ledgerKind(ctx, kind, bearer, KindLedger) == KindAlreadyRedeemed {
		return fmt.Errorf("%w (%w)", ErrAlreadyRedeemed, err)
	}
	return err
}

type RemoveResult struct {
	ID       string    `json:"id"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// RemoveListing drops a voucher from the creator's listing without touching
// the ledger. It is the fallback offered after CancelFailed and only runs
// with confirm set.
func (c *Controller) RemoveListing(ctx context.Context, id string, caller common.Address, confirm bool) (*RemoveResult, error) {
	const op = "remove_listing"
	if !confirm {
		return nil, newError(op, KindConfirmationRequired,
			errors.New("removing a listing does not recover funds; repeat with confirmation"))
	}
	if c.creatorKey == nil || caller != c.creator {
		return nil, newError(op, KindForbidden, fmt.Errorf("caller %s", caller.Hex()))
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, newError(op, KindNotFound, errors.New("empty voucher id"))
	}

	res := &RemoveResult{ID: id}
	if c.vault != nil {
		if err := c.vault.Hide(ctx, id); err != nil {
			return nil, newError(op, KindInternal, err)
		}
	}
	res.Warnings = appendWarning(res.Warnings, c.syncIndex(ctx,
		vault.OutboxEntry{VoucherID: id, Op: vault.OpDelete},
		func(ctx context.Context) error {
			if err := c.index.Delete(ctx, id); err != nil && !errors.Is(err, index.ErrNotFound) {
				return err
			}
			return nil
		}))
	c.log.Info("listing removed locally", zap.String("voucher", id))
	return res, nil
}
