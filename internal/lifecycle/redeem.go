package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/index"
	"github.com/0gfoundation/0g-voucher/internal/vault"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// Strategy selects how a voucher is redeemed.
type Strategy string

const (
	// StrategyDirect has the bearer key sign a transfer to the claimant.
	StrategyDirect Strategy = "direct"
	// StrategyImport hands the bearer key to the redeemer; no transaction.
	StrategyImport Strategy = "import"
	// StrategyAuto is direct when the bearer can pay the fee, import otherwise.
	StrategyAuto Strategy = "auto"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StrategyAuto, nil
	case StrategyDirect, StrategyImport, StrategyAuto:
		return st, nil
	}
	return "", fmt.Errorf("unknown redeem strategy %q", s)
}

type RedeemRequest struct {
	Link     string
	Password string
	Claimant string
	Strategy Strategy
}

type RedeemResult struct {
	ID       string            `json:"id"`
	Amount   string            `json:"amount"`
	Token    voucher.TokenKind `json:"token"`
	Strategy Strategy          `json:"strategy"`
	Claimant string            `json:"claimant,omitempty"`
	TxHash   *common.Hash      `json:"tx_hash,omitempty"`
	// PrivateKey is set only for StrategyImport.
	PrivateKey string    `json:"private_key,omitempty"`
	Bearer     string    `json:"bearer"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// Redeem claims the funds behind a voucher link. The live bearer balance is
// the only double-spend check; the index is never consulted.
func (c *Controller) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	const op = "redeem"
	if req.Strategy == "" {
		req.Strategy = StrategyAuto
	}

	enc, ok := voucher.DecodeLink(req.Link)
	if !ok {
		return nil, newError(op, KindInvalidLink, nil)
	}
	p, ok := voucher.Decrypt(enc, req.Password)
	if !ok {
		return nil, newError(op, KindWrongPasswordOrCorruptLink, nil)
	}
	defer p.Secret.Wipe()

	if p.Expired(c.now()) {
		return nil, newError(op, KindVoucherExpired, fmt.Errorf("expired at %d", p.ExpiresAt))
	}

	var claimant common.Address
	if req.Strategy != StrategyImport {
		var err error
		if claimant, err = parseClaimant(req.Claimant, p.Secret.Address); err != nil {
			return nil, newError(op, KindInvalidClaimant, err)
		}
	}

	id := p.VoucherID()
	bearer := p.Secret.Address
	log := c.log.With(zap.String("voucher", id), zap.String("bearer", bearer.Hex()))

	balance, err := c.ledger.TokenBalance(ctx, p.Token, bearer)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	if balance.Sign() == 0 {
		return nil, newError(op, KindAlreadyRedeemed, nil)
	}
	decimals, err := c.ledger.Decimals(ctx, p.Token)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}

	res := &RedeemResult{
		ID:     id,
		Amount: voucher.FromBaseUnits(balance, decimals),
		Token:  p.Token,
		Bearer: strings.ToLower(bearer.Hex()),
	}

	strategy := req.Strategy
	if strategy != StrategyImport {
		fee, err := c.ledger.TokenTransferFee(ctx, p.Token, bearer, claimant, balance)
		if err != nil {
			return nil, newError(op, c.ledgerKind(ctx, p.Token, bearer, KindLedger), err)
		}
		gas, err := c.ledger.NativeBalance(ctx, bearer)
		if err != nil {
			return nil, newError(op, KindLedger, err)
		}
		if gas.Cmp(fee.Total()) < 0 {
			if strategy == StrategyDirect {
				return nil, newError(op, c.ledgerKind(ctx, p.Token, bearer, KindInsufficientGas),
					fmt.Errorf("bearer holds %s wei, transfer needs %s wei; redeem by key import instead", gas, fee.Total()))
			}
			strategy = StrategyImport
		} else {
			rcpt, err := c.ledger.TransferToken(ctx, p.Secret.Key, p.Token, claimant, balance, fee)
			if err != nil {
				return nil, newError(op, c.ledgerKind(ctx, p.Token, bearer, KindLedger), err)
			}
			strategy = StrategyDirect
			res.TxHash = &rcpt.TxHash
			res.Claimant = strings.ToLower(claimant.Hex())
			log.Info("voucher redeemed", zap.String("claimant", claimant.Hex()), zap.String("tx", rcpt.TxHash.Hex()))
		}
	}
	res.Strategy = strategy

	if strategy == StrategyImport {
		// Funds stay on the bearer address until the redeemer moves them, so
		// the index is not told anything yet; the reconciler notices the drain.
		res.PrivateKey = p.Secret.PrivateKeyHex()
		log.Info("voucher key released for import")
		return res, nil
	}

	if p.Creator != (common.Address{}) {
		res.Warnings = appendWarning(res.Warnings, c.sweepResidual(ctx, p.Secret.Key, p.Creator))
	}
	at := c.now().Unix()
	res.Warnings = appendWarning(res.Warnings, c.syncIndex(ctx,
		vault.OutboxEntry{VoucherID: id, Op: vault.OpClaim, Claimant: res.Claimant, At: at},
		func(ctx context.Context) error {
			err := c.index.MarkClaimed(ctx, id, res.Claimant, at)
			if p.ID == "" && errors.Is(err, index.ErrNotFound) {
				// Vouchers without an id predate the index.
				return nil
			}
			return err
		}))
	return res, nil
}

func parseClaimant(s string, bearer common.Address) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address", s)
	}
	addr := common.HexToAddress(s)
	switch addr {
	case common.Address{}:
		return common.Address{}, errors.New("zero address")
	case bearer:
		return common.Address{}, errors.New("claimant is the voucher's own bearer address")
	}
	return addr, nil
}

type Inspection struct {
	ID            string            `json:"id"`
	Amount        string            `json:"amount"`
	Token         voucher.TokenKind `json:"token"`
	Balance       string            `json:"balance"`
	CreatedAt     int64             `json:"created_at"`
	ExpiresAt     int64             `json:"expires_at,omitempty"`
	Expired       bool              `json:"expired"`
	Creator       string            `json:"creator"`
	Bearer        string            `json:"bearer"`
	GasSufficient bool              `json:"gas_sufficient"`
	Redeemable    bool              `json:"redeemable"`
}

// Inspect opens a voucher and reports its live state without moving funds.
func (c *Controller) Inspect(ctx context.Context, link, password string) (*Inspection, error) {
	const op = "inspect"
	enc, ok := voucher.DecodeLink(link)
	if !ok {
		return nil, newError(op, KindInvalidLink, nil)
	}
	p, ok := voucher.Decrypt(enc, password)
	if !ok {
		return nil, newError(op, KindWrongPasswordOrCorruptLink, nil)
	}
	defer p.Secret.Wipe()
	bearer := p.Secret.Address

	in := &Inspection{
		ID:        p.VoucherID(),
		Amount:    p.Amount,
		Token:     p.Token,
		CreatedAt: p.CreatedAt,
		ExpiresAt: p.ExpiresAt,
		Expired:   p.Expired(c.now()),
		Creator:   strings.ToLower(p.Creator.Hex()),
		Bearer:    strings.ToLower(bearer.Hex()),
	}

	balance, err := c.ledger.TokenBalance(ctx, p.Token, bearer)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	decimals, err := c.ledger.Decimals(ctx, p.Token)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	in.Balance = voucher.FromBaseUnits(balance, decimals)
	in.Redeemable = balance.Sign() > 0 && !in.Expired
	if balance.Sign() == 0 {
		return in, nil
	}

	// Price the transfer as if it went back to the creator; the fee does not
	// depend on the recipient for a plain ERC-20 transfer to a funded account.
	to := p.Creator
	if to == (common.Address{}) {
		to = feeProbeAddress
	}
	fee, err := c.ledger.TokenTransferFee(ctx, p.Token, bearer, to, balance)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	gas, err := c.ledger.NativeBalance(ctx, bearer)
	if err != nil {
		return nil, newError(op, KindLedger, err)
	}
	in.GasSufficient = gas.Cmp(fee.Total()) >= 0
	return in, nil
}

// feeProbeAddress stands in for the recipient when pricing a transfer for a
// legacy voucher that carries no creator.
var feeProbeAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
