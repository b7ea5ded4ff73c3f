// Package lifecycle drives vouchers from creation to redemption or
// cancellation. The ledger is authoritative throughout; the index and the
// vault outbox are bookkeeping that may lag behind it.
package lifecycle

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/vault"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// Ledger is the fungible-asset collaborator. *chain.Client implements it.
// Implementations must order concurrent transactions from one key; the
// Controller signs every Create and top-up with the same creator key.
type Ledger interface {
	Decimals(ctx context.Context, kind voucher.TokenKind) (uint8, error)
	TokenBalance(ctx context.Context, kind voucher.TokenKind, addr common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	TokenTransferFee(ctx context.Context, kind voucher.TokenKind, from, to common.Address, amount *big.Int) (chain.Fee, error)
	NativeTransferFee(ctx context.Context) (chain.Fee, error)
	TransferToken(ctx context.Context, key *ecdsa.PrivateKey, kind voucher.TokenKind, to common.Address, amount *big.Int, fee chain.Fee) (*chain.Receipt, error)
	SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int, fee chain.Fee) (*chain.Receipt, error)
}

// Index is the voucher listing collaborator. *index.RedisIndex implements it.
type Index interface {
	Register(ctx context.Context, r voucher.Record) error
	MarkClaimed(ctx context.Context, id, claimant string, at int64) error
	MarkCancelled(ctx context.Context, id string, at int64) error
	Delete(ctx context.Context, id string) error
}

// Vault is the creator-local store. *vault.Vault implements it.
type Vault interface {
	PutReclaimKey(ctx context.Context, voucherID string, token voucher.TokenKind, key *ecdsa.PrivateKey) error
	ReclaimKey(ctx context.Context, voucherID string) (*vault.Reclaim, error)
	DeleteReclaimKey(ctx context.Context, voucherID string) error
	Enqueue(ctx context.Context, e vault.OutboxEntry) error
	Hide(ctx context.Context, voucherID string) error
}

type Config struct {
	BaseURL     string
	DefaultTTL  time.Duration
	GasTopUp    *big.Int
	MonitorPoll time.Duration
	MonitorMax  time.Duration
}

// Controller is safe for concurrent use. It holds no per-voucher state: two
// concurrent redemptions of one voucher race on the ledger and exactly one
// transfer wins.
type Controller struct {
	ledger     Ledger
	index      Index
	vault      Vault
	creatorKey *ecdsa.PrivateKey
	creator    common.Address
	cfg        Config
	log        *zap.Logger
	now        func() time.Time
}

// New builds a Controller. creatorKey may be nil for a redeem-only
// deployment, in which case Create, Cancel and RemoveListing are refused.
func New(ledger Ledger, index Index, v Vault, creatorKey *ecdsa.PrivateKey, cfg Config, log *zap.Logger) *Controller {
	if cfg.GasTopUp == nil {
		cfg.GasTopUp = new(big.Int)
	}
	if cfg.MonitorPoll <= 0 {
		cfg.MonitorPoll = 2 * time.Second
	}
	if cfg.MonitorMax <= 0 {
		cfg.MonitorMax = time.Minute
	}
	c := &Controller{
		ledger:     ledger,
		index:      index,
		vault:      v,
		creatorKey: creatorKey,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
	if creatorKey != nil {
		c.creator = crypto.PubkeyToAddress(creatorKey.PublicKey)
	}
	return c
}

// Creator returns the address vouchers are funded from.
func (c *Controller) Creator() common.Address { return c.creator }

// ledgerKind classifies a failed transfer: a bearer balance that reads zero
// afterwards means another transaction drained it first.
func (c *Controller) ledgerKind(ctx context.Context, kind voucher.TokenKind, bearer common.Address, fallback Kind) Kind {
	bal, err := c.ledger.TokenBalance(ctx, kind, bearer)
	if err == nil && bal.Sign() == 0 {
		return KindAlreadyRedeemed
	}
	return fallback
}

// sweepResidual returns whatever native gas is left on the bearer address to
// the creator. Best-effort: the returned warning is nil on success or when
// the residual does not cover the sweep fee.
func (c *Controller) sweepResidual(ctx context.Context, bearerKey *ecdsa.PrivateKey, to common.Address) *Warning {
	bearer := crypto.PubkeyToAddress(bearerKey.PublicKey)
	residual, err := c.ledger.NativeBalance(ctx, bearer)
	if err != nil {
		return c.warn(StepGasSweep, "read residual gas", err, zap.String("bearer", bearer.Hex()))
	}
	fee, err := c.ledger.NativeTransferFee(ctx)
	if err != nil {
		return c.warn(StepGasSweep, "price sweep", err, zap.String("bearer", bearer.Hex()))
	}
	if residual.Cmp(fee.Total()) <= 0 {
		return nil
	}
	amount := new(big.Int).Sub(residual, fee.Total())
	if _, err := c.ledger.SendNative(ctx, bearerKey, to, amount, fee); err != nil {
		return c.warn(StepGasSweep, "sweep residual gas", err, zap.String("bearer", bearer.Hex()))
	}
	c.log.Info("residual gas swept",
		zap.String("bearer", bearer.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount_wei", amount.String()),
	)
	return nil
}

// syncIndex runs an index write; on failure the write is parked in the vault
// outbox for the reconciler and a warning is returned.
func (c *Controller) syncIndex(ctx context.Context, entry vault.OutboxEntry, write func(context.Context) error) *Warning {
	err := write(ctx)
	if err == nil {
		return nil
	}
	w := c.warn(StepIndexSync, "index "+string(entry.Op), err, zap.String("voucher", entry.VoucherID))
	if c.vault == nil {
		return w
	}
	entry.LastError = err.Error()
	// The caller may have given up waiting; the outbox write must still land.
	if qerr := c.vault.Enqueue(context.WithoutCancel(ctx), entry); qerr != nil {
		c.log.Error("outbox enqueue failed", zap.String("voucher", entry.VoucherID), zap.Error(qerr))
		w.Message += "; retry not queued: " + qerr.Error()
	} else {
		w.Message += "; queued for retry"
	}
	return w
}

func (c *Controller) warn(step, msg string, err error, fields ...zap.Field) *Warning {
	c.log.Warn(msg+" failed", append(fields, zap.String("step", step), zap.Error(err))...)
	return &Warning{Step: step, Message: msg + ": " + err.Error()}
}

func appendWarning(ws []Warning, w *Warning) []Warning {
	if w == nil {
		return ws
	}
	return append(ws, *w)
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, vault.ErrNotFound)
}
