package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/vault"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

type CreateRequest struct {
	Amount     string
	Token      voucher.TokenKind
	Password   string
	IncludeGas bool
	// ExpiresIn overrides the configured TTL. NoExpiry issues a voucher
	// without an advisory expiry.
	ExpiresIn time.Duration
	NoExpiry  bool
}

type CreateResult struct {
	ID        string            `json:"id"`
	Link      string            `json:"link"`
	Bearer    common.Address    `json:"bearer"`
	Amount    string            `json:"amount"`
	Token     voucher.TokenKind `json:"token"`
	CreatedAt int64             `json:"created_at"`
	ExpiresAt int64             `json:"expires_at,omitempty"`
	FundTx    common.Hash       `json:"fund_tx"`
	GasFunded bool              `json:"gas_funded"`
	Warnings  []Warning         `json:"warnings,omitempty"`
}

// Create funds a fresh bearer address and returns a password-sealed link to
// it. Once the funding transfer is confirmed the creator's tokens sit on the
// bearer address; every later failure leaves them recoverable via Cancel.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	const op = "create"
	if c.creatorKey == nil {
		return nil, newError(op, KindForbidden, errors.New("no creator key configured"))
	}
	if !req.Token.Valid() {
		return nil, newError(op, KindInvalidToken, fmt.Errorf("%w: %q", voucher.ErrUnknownToken, req.Token))
	}

	decimals, err := c.ledger.Decimals(ctx, req.Token)
	if errors.Is(err, chain.ErrTokenUnknown) {
		return nil, newError(op, KindInvalidToken, err)
	}
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	base, err := voucher.ToBaseUnits(req.Amount, decimals)
	if err != nil {
		return nil, newError(op, KindInvalidAmount, err)
	}
	amount := voucher.FromBaseUnits(base, decimals)

	have, err := c.ledger.TokenBalance(ctx, req.Token, c.creator)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	if have.Cmp(base) < 0 {
		return nil, newError(op, KindInsufficientBalance,
			fmt.Errorf("creator holds %s %s, voucher needs %s", voucher.FromBaseUnits(have, decimals), req.Token, amount))
	}

	secret, err := voucher.GenerateWallet()
	if err != nil {
		return nil, newError(op, KindEntropyUnavailable, err)
	}
	defer secret.Wipe()

	id := uuid.NewString()
	now := c.now()
	res := &CreateResult{
		ID:        id,
		Bearer:    secret.Address,
		Amount:    amount,
		Token:     req.Token,
		CreatedAt: now.Unix(),
	}
	switch {
	case req.NoExpiry:
	case req.ExpiresIn > 0:
		res.ExpiresAt = expiryAfter(now, req.ExpiresIn)
	case c.cfg.DefaultTTL > 0:
		res.ExpiresAt = expiryAfter(now, c.cfg.DefaultTTL)
	}

	payload := &voucher.Payload{
		ID:        id,
		Secret:    *secret,
		Amount:    amount,
		Token:     req.Token,
		CreatedAt: res.CreatedAt,
		ExpiresAt: res.ExpiresAt,
		Creator:   c.creator,
	}
	// Anything Encrypt would refuse must be refused before value moves.
	if err := payload.Validate(); err != nil {
		return nil, newError(op, KindInternal, err)
	}

	// The reclaim copy is stored before any value moves so Cancel can always
	// reach funds parked on the bearer address.
	if c.vault != nil {
		if err := c.vault.PutReclaimKey(ctx, id, req.Token, secret.Key); err != nil {
			return nil, newError(op, KindInternal, fmt.Errorf("store reclaim key: %w", err))
		}
	}

	log := c.log.With(zap.String("voucher", id), zap.String("bearer", secret.Address.Hex()))

	rcpt, err := c.ledger.TransferToken(ctx, c.creatorKey, req.Token, secret.Address, base, chain.Fee{})
	if err != nil {
		if c.vault != nil && !errors.Is(err, chain.ErrUnconfirmed) {
			c.vault.DeleteReclaimKey(context.WithoutCancel(ctx), id) //nolint:errcheck
		}
		return nil, newError(op, KindLedger, fmt.Errorf("fund bearer: %w", err))
	}
	res.FundTx = rcpt.TxHash
	log.Info("voucher funded", zap.String("amount", amount), zap.String("token", string(req.Token)), zap.String("tx", rcpt.TxHash.Hex()))

	if req.IncludeGas && c.cfg.GasTopUp.Sign() > 0 {
		if _, err := c.ledger.SendNative(ctx, c.creatorKey, secret.Address, c.cfg.GasTopUp, chain.Fee{}); err != nil {
			res.Warnings = appendWarning(res.Warnings, c.warn(StepGasTopUp,
				"gas top-up (voucher still redeemable by key import)", err, zap.String("voucher", id)))
		} else {
			res.GasFunded = true
		}
	}

	if _, err := chain.WaitForBalance(ctx, func(ctx context.Context) (*big.Int, error) {
		return c.ledger.TokenBalance(ctx, req.Token, secret.Address)
	}, base, c.cfg.MonitorPoll, c.cfg.MonitorMax); err != nil {
		res.Warnings = appendWarning(res.Warnings, c.warn(StepFundingCheck, "confirm bearer funding", err, zap.String("voucher", id)))
	}

	enc, err := voucher.Encrypt(payload, req.Password)
	if err != nil {
		kind := KindInternal
		if errors.Is(err, voucher.ErrEntropyUnavailable) {
			kind = KindEntropyUnavailable
		}
		return nil, newError(op, kind, fmt.Errorf("seal voucher %s (funds reclaimable by cancel): %w", id, err))
	}
	res.Link, err = voucher.EncodeLink(enc, c.cfg.BaseURL)
	if err != nil {
		return nil, newError(op, KindInternal, fmt.Errorf("encode link for %s (funds reclaimable by cancel): %w", id, err))
	}

	rec := voucher.Record{
		ID:        id,
		Amount:    amount,
		Token:     req.Token,
		Creator:   strings.ToLower(c.creator.Hex()),
		Bearer:    strings.ToLower(secret.Address.Hex()),
		CreatedAt: res.CreatedAt,
		ExpiresAt: res.ExpiresAt,
	}
	res.Warnings = appendWarning(res.Warnings, c.syncIndex(ctx,
		vault.OutboxEntry{VoucherID: id, Op: vault.OpRegister, Record: &rec},
		func(ctx context.Context) error { return c.index.Register(ctx, rec) }))

	log.Info("voucher issued", zap.Bool("gas_funded", res.GasFunded), zap.Int("warnings", len(res.Warnings)))
	return res, nil
}

// expiryAfter rounds now+ttl up to whole seconds, so a positive ttl always
// lands strictly after now.Unix().
func expiryAfter(now time.Time, ttl time.Duration) int64 {
	exp := now.Add(ttl)
	sec := exp.Unix()
	if exp.After(time.Unix(sec, 0)) {
		sec++
	}
	return sec
}
