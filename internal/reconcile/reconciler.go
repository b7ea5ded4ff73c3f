// Package reconcile keeps the voucher index in line with the ledger. It
// replays index writes parked in the vault outbox and marks listings whose
// bearer address was drained outside the lifecycle controller.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/index"
	"github.com/0gfoundation/0g-voucher/internal/vault"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

const (
	defaultBatchSize = 50
	defaultInterval  = 5 * time.Minute

	// sweepMinAge keeps the sweep away from vouchers whose funding may not
	// be visible yet.
	sweepMinAge = 2 * time.Minute

	// maxMissingAttempts bounds retries of a claim or cancel whose record
	// never shows up in the index.
	maxMissingAttempts = 10
)

type Index interface {
	Register(ctx context.Context, r voucher.Record) error
	Get(ctx context.Context, id string) (*voucher.Record, error)
	List(ctx context.Context, owner string) ([]voucher.Record, error)
	MarkClaimed(ctx context.Context, id, claimant string, at int64) error
	MarkCancelled(ctx context.Context, id string, at int64) error
	Delete(ctx context.Context, id string) error
}

// Outbox is the vault's queue of undelivered index writes.
type Outbox interface {
	Due(ctx context.Context, now time.Time, limit int) ([]vault.OutboxEntry, error)
	Ack(ctx context.Context, seq int64) error
	Fail(ctx context.Context, e vault.OutboxEntry, now time.Time, cause error) error
	Pending(ctx context.Context) (int, error)
}

type BalanceReader interface {
	TokenBalance(ctx context.Context, kind voucher.TokenKind, addr common.Address) (*big.Int, error)
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

type Reconciler struct {
	index   Index
	outbox  Outbox
	ledger  BalanceReader
	creator common.Address
	cfg     Config
	log     *zap.Logger
	now     func() time.Time
}

// New builds a Reconciler. outbox may be nil when no vault is configured;
// a zero creator disables the listing sweep.
func New(idx Index, outbox Outbox, ledger BalanceReader, creator common.Address, cfg Config, log *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Reconciler{
		index:   idx,
		outbox:  outbox,
		ledger:  ledger,
		creator: creator,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
	}
}

// Run reconciles once immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	r.log.Info("reconciler started",
		zap.Duration("interval", r.cfg.Interval),
		zap.String("creator", r.creator.Hex()),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one drain and, once the outbox is empty, one sweep.
func (r *Reconciler) Tick(ctx context.Context) {
	stats, err := r.Drain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("reconcile: outbox drain", zap.Error(err))
		}
		return
	}
	if stats.Delivered+stats.Dropped+stats.Deferred > 0 {
		r.log.Info("outbox drained",
			zap.Int("delivered", stats.Delivered),
			zap.Int("dropped", stats.Dropped),
			zap.Int("deferred", stats.Deferred),
		)
	}
	// A pending write may be a cancel the sweep would misread as a drain.
	if r.outbox != nil {
		n, err := r.outbox.Pending(ctx)
		if err != nil || n > 0 {
			r.log.Debug("listing sweep skipped", zap.Int("pending", n), zap.Error(err))
			return
		}
	}
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.log.Error("reconcile: listing sweep", zap.Error(err))
	}
}

// ── outbox drain ──────────────────────────────────────────────────────────────

type DrainStats struct {
	Delivered int
	Dropped   int
	Deferred  int
}

// Drain delivers due outbox entries in order. Once a write for a voucher
// fails, later writes for the same voucher wait for the next round.
func (r *Reconciler) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	if r.outbox == nil {
		return stats, nil
	}
	entries, err := r.outbox.Due(ctx, r.now(), r.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	blocked := make(map[string]bool)
	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if blocked[e.VoucherID] {
			stats.Deferred++
			continue
		}

		err := r.deliver(ctx, e)
		switch {
		case err == nil:
			stats.Delivered++
		case errors.Is(err, errUndeliverable):
			r.log.Error("outbox entry dropped",
				zap.Int64("seq", e.Seq),
				zap.String("voucher", e.VoucherID),
				zap.String("op", string(e.Op)),
				zap.Int("attempts", e.Attempts),
				zap.Error(err),
			)
			stats.Dropped++
		default:
			blocked[e.VoucherID] = true
			stats.Deferred++
			if ferr := r.outbox.Fail(ctx, e, r.now(), err); ferr != nil {
				return stats, fmt.Errorf("reschedule outbox %d: %w", e.Seq, ferr)
			}
			r.log.Warn("outbox delivery failed",
				zap.Int64("seq", e.Seq),
				zap.String("voucher", e.VoucherID),
				zap.String("op", string(e.Op)),
				zap.Duration("retry_in", vault.Backoff(e.Attempts+1)),
				zap.Error(err),
			)
			continue
		}
		if err := r.outbox.Ack(ctx, e.Seq); err != nil {
			return stats, fmt.Errorf("ack outbox %d: %w", e.Seq, err)
		}
	}
	return stats, nil
}

var errUndeliverable = errors.New("undeliverable")

func (r *Reconciler) deliver(ctx context.Context, e vault.OutboxEntry) error {
	var err error
	switch e.Op {
	case vault.OpRegister:
		if e.Record == nil {
			return fmt.Errorf("%w: register without record", errUndeliverable)
		}
		err = r.index.Register(ctx, *e.Record)
	case vault.OpClaim:
		err = r.index.MarkClaimed(ctx, e.VoucherID, e.Claimant, e.At)
	case vault.OpCancel:
		err = r.index.MarkCancelled(ctx, e.VoucherID, e.At)
	case vault.OpDelete:
		err = r.index.Delete(ctx, e.VoucherID)
		if errors.Is(err, index.ErrNotFound) {
			return nil
		}
	default:
		return fmt.Errorf("%w: unknown op %q", errUndeliverable, e.Op)
	}
	if errors.Is(err, index.ErrNotFound) && e.Attempts+1 >= maxMissingAttempts {
		return fmt.Errorf("%w: %v", errUndeliverable, err)
	}
	return err
}

// ── claim reports ─────────────────────────────────────────────────────────────

// ErrNotDrained is returned by ConfirmClaim when the bearer address still
// holds tokens.
var ErrNotDrained = errors.New("bearer address still holds tokens")

// ConfirmClaim records a redemption reported by a redeemer that moved the
// funds itself. The report is trusted only as far as the ledger backs it:
// the listing is marked claimed once its bearer balance reads zero. A
// listing that is already settled is left as is.
func (r *Reconciler) ConfirmClaim(ctx context.Context, id, claimant string) error {
	if r.ledger == nil {
		return errors.New("no ledger configured")
	}
	rec, err := r.index.Get(ctx, id)
	if err != nil {
		return err
	}
	if !rec.Open() {
		return nil
	}
	if !rec.Token.Valid() || !common.IsHexAddress(rec.Bearer) {
		return fmt.Errorf("listing %s is malformed", id)
	}
	bal, err := r.ledger.TokenBalance(ctx, rec.Token, common.HexToAddress(rec.Bearer))
	if err != nil {
		return fmt.Errorf("read bearer balance: %w", err)
	}
	if bal.Sign() != 0 {
		return ErrNotDrained
	}
	claimant = strings.ToLower(strings.TrimSpace(claimant))
	if !common.IsHexAddress(claimant) {
		claimant = voucher.ClaimantUnknown
	}
	if err := r.index.MarkClaimed(ctx, id, claimant, r.now().Unix()); err != nil {
		return err
	}
	r.log.Info("reported claim confirmed", zap.String("voucher", id), zap.String("claimant", claimant))
	return nil
}

// ── listing sweep ─────────────────────────────────────────────────────────────

// Sweep marks every open listing of the creator whose bearer balance reads
// zero as claimed by an unknown party. It returns the number corrected.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	if r.creator == (common.Address{}) || r.ledger == nil {
		return 0, nil
	}
	records, err := r.index.List(ctx, strings.ToLower(r.creator.Hex()))
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", r.creator.Hex(), err)
	}

	corrected := 0
	for _, rec := range records {
		if !rec.Open() || r.now().Sub(time.Unix(rec.CreatedAt, 0)) < sweepMinAge {
			continue
		}
		if ctx.Err() != nil {
			return corrected, ctx.Err()
		}
		if !rec.Token.Valid() || !common.IsHexAddress(rec.Bearer) {
			r.log.Warn("skipping malformed listing", zap.String("voucher", rec.ID))
			continue
		}
		bal, err := r.ledger.TokenBalance(ctx, rec.Token, common.HexToAddress(rec.Bearer))
		if err != nil {
			r.log.Warn("sweep: balance read failed", zap.String("voucher", rec.ID), zap.Error(err))
			continue
		}
		if bal.Sign() != 0 {
			continue
		}
		if err := r.index.MarkClaimed(ctx, rec.ID, voucher.ClaimantUnknown, r.now().Unix()); err != nil {
			r.log.Warn("sweep: mark claimed failed", zap.String("voucher", rec.ID), zap.Error(err))
			continue
		}
		corrected++
		r.log.Info("stale listing corrected",
			zap.String("voucher", rec.ID),
			zap.String("bearer", rec.Bearer),
		)
	}
	return corrected, nil
}
