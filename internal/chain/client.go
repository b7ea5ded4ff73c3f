package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

var (
	ErrReverted     = errors.New("transaction reverted")
	ErrUnconfirmed  = errors.New("transaction broadcast but not confirmed")
	ErrTokenUnknown = errors.New("token not configured")
)

// NativeTransferGas is the fixed gas cost of a plain value transfer.
const NativeTransferGas = 21000

// gasBufferPct pads token-transfer estimates; unused gas is not charged.
const gasBufferPct = 10

const defaultReceiptTimeout = 2 * time.Minute

// Backend is the subset of ethclient.Client the ledger needs. The go-ethereum
// simulated backend satisfies it too.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Fee is a gas limit and a legacy gas price. A legacy transaction is charged
// at most GasLimit*GasPrice, which keeps residual sweeps exact.
type Fee struct {
	GasLimit uint64
	GasPrice *big.Int
}

func (f Fee) Total() *big.Int {
	if f.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(f.GasLimit), f.GasPrice)
}

func (f Fee) zero() bool { return f.GasLimit == 0 || f.GasPrice == nil }

// Receipt summarises a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Client is the fungible-asset ledger: pegged-token contracts plus the
// chain's native gas currency.
type Client struct {
	backend        Backend
	chainID        *big.Int
	tokens         map[voucher.TokenKind]*PegToken
	receiptTimeout time.Duration

	mu       sync.Mutex
	decimals map[voucher.TokenKind]uint8
	senders  map[common.Address]*sender
}

// sender serializes the transactions of one signing address. next is the
// nonce after the last transaction this client broadcast for it.
type sender struct {
	mu   sync.Mutex
	next uint64
	used bool
}

func NewClient(cfg *config.Config) (*Client, error) {
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	tokens := make(map[voucher.TokenKind]common.Address)
	for kind, addr := range cfg.Chain.TokenAddresses() {
		tokens[voucher.TokenKind(kind)] = common.HexToAddress(addr)
	}
	c := NewClientWithBackend(eth, big.NewInt(cfg.Chain.ChainID), tokens)
	if cfg.Chain.ReceiptTimeoutSec > 0 {
		c.receiptTimeout = time.Duration(cfg.Chain.ReceiptTimeoutSec) * time.Second
	}
	return c, nil
}

func NewClientWithBackend(backend Backend, chainID *big.Int, tokens map[voucher.TokenKind]common.Address) *Client {
	bound := make(map[voucher.TokenKind]*PegToken, len(tokens))
	for kind, addr := range tokens {
		bound[kind] = NewPegToken(addr, backend)
	}
	return &Client{
		backend:        backend,
		chainID:        chainID,
		tokens:         bound,
		receiptTimeout: defaultReceiptTimeout,
		decimals:       make(map[voucher.TokenKind]uint8),
		senders:        make(map[common.Address]*sender),
	}
}

// ChainID returns the configured chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

func (c *Client) Token(kind voucher.TokenKind) (*PegToken, error) {
	t, ok := c.tokens[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTokenUnknown, kind)
	}
	return t, nil
}

// Decimals reads and caches the token's decimals().
func (c *Client) Decimals(ctx context.Context, kind voucher.TokenKind) (uint8, error) {
	c.mu.Lock()
	d, ok := c.decimals[kind]
	c.mu.Unlock()
	if ok {
		return d, nil
	}
	t, err := c.Token(kind)
	if err != nil {
		return 0, err
	}
	d, err = t.Decimals(&bind.CallOpts{Context: ctx})
	if err != nil {
		return 0, fmt.Errorf("decimals %s: %w", kind, err)
	}
	c.mu.Lock()
	c.decimals[kind] = d
	c.mu.Unlock()
	return d, nil
}

func (c *Client) TokenBalance(ctx context.Context, kind voucher.TokenKind, addr common.Address) (*big.Int, error) {
	t, err := c.Token(kind)
	if err != nil {
		return nil, err
	}
	bal, err := t.BalanceOf(&bind.CallOpts{Context: ctx}, addr)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

func (c *Client) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("balance %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

// NativeTransferFee prices a plain value transfer at the current gas price.
func (c *Client) NativeTransferFee(ctx context.Context) (Fee, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Fee{}, fmt.Errorf("suggest gas price: %w", err)
	}
	return Fee{GasLimit: NativeTransferGas, GasPrice: price}, nil
}

// TokenTransferFee estimates the fee for from to move amount of kind to to.
func (c *Client) TokenTransferFee(ctx context.Context, kind voucher.TokenKind, from, to common.Address, amount *big.Int) (Fee, error) {
	t, err := c.Token(kind)
	if err != nil {
		return Fee{}, err
	}
	data, err := t.PackTransfer(to, amount)
	if err != nil {
		return Fee{}, err
	}
	tokenAddr := t.Address()
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &tokenAddr, Data: data})
	if err != nil {
		return Fee{}, fmt.Errorf("estimate transfer gas: %w", err)
	}
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return Fee{}, fmt.Errorf("suggest gas price: %w", err)
	}
	return Fee{GasLimit: gas + gas*gasBufferPct/100, GasPrice: price}, nil
}

// TransferToken signs transfer(to, amount) with key and waits for the receipt.
// A zero fee is estimated on the spot.
func (c *Client) TransferToken(ctx context.Context, key *ecdsa.PrivateKey, kind voucher.TokenKind, to common.Address, amount *big.Int, fee Fee) (*Receipt, error) {
	t, err := c.Token(kind)
	if err != nil {
		return nil, err
	}
	if fee.zero() {
		fee, err = c.TokenTransferFee(ctx, kind, crypto.PubkeyToAddress(key.PublicKey), to, amount)
		if err != nil {
			return nil, err
		}
	}
	tx, err := c.transact(ctx, key, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		opts.GasLimit = fee.GasLimit
		opts.GasPrice = fee.GasPrice
		return t.Transfer(opts, to, amount)
	})
	if err != nil {
		return nil, fmt.Errorf("transfer tx: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// SendNative moves amount of the native gas currency from key to to.
func (c *Client) SendNative(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount *big.Int, fee Fee) (*Receipt, error) {
	var err error
	if fee.zero() {
		if fee, err = c.NativeTransferFee(ctx); err != nil {
			return nil, err
		}
	}
	signed, err := c.send(ctx, key, func(nonce uint64) (*types.Transaction, error) {
		tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &to,
			Value:    amount,
			Gas:      fee.GasLimit,
			GasPrice: fee.GasPrice,
		}), types.LatestSignerForChainID(c.chainID), key)
		if err != nil {
			return nil, fmt.Errorf("sign tx: %w", err)
		}
		if err := c.backend.SendTransaction(ctx, tx); err != nil {
			return nil, fmt.Errorf("send tx: %w", err)
		}
		return tx, nil
	})
	if err != nil {
		return nil, err
	}
	return c.waitMined(ctx, signed)
}

// Mint issues new tokens; key must be the token owner.
func (c *Client) Mint(ctx context.Context, key *ecdsa.PrivateKey, kind voucher.TokenKind, to common.Address, amount *big.Int) (*Receipt, error) {
	t, err := c.Token(kind)
	if err != nil {
		return nil, err
	}
	tx, err := c.transact(ctx, key, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Mint(opts, to, amount)
	})
	if err != nil {
		return nil, fmt.Errorf("mint tx: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// Burn destroys amount from key's own balance (collateral redemption).
func (c *Client) Burn(ctx context.Context, key *ecdsa.PrivateKey, kind voucher.TokenKind, amount *big.Int) (*Receipt, error) {
	t, err := c.Token(kind)
	if err != nil {
		return nil, err
	}
	tx, err := c.transact(ctx, key, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Burn(opts, amount)
	})
	if err != nil {
		return nil, fmt.Errorf("burn tx: %w", err)
	}
	return c.waitMined(ctx, tx)
}

// Approve sets spender's allowance over key's tokens.
func (c *Client) Approve(ctx context.Context, key *ecdsa.PrivateKey, kind voucher.TokenKind, spender common.Address, amount *big.Int) (*Receipt, error) {
	t, err := c.Token(kind)
	if err != nil {
		return nil, err
	}
	tx, err := c.transact(ctx, key, func(opts *bind.TransactOpts) (*types.Transaction, error) {
		return t.Approve(opts, spender, amount)
	})
	if err != nil {
		return nil, fmt.Errorf("approve tx: %w", err)
	}
	return c.waitMined(ctx, tx)
}

func (c *Client) Allowance(ctx context.Context, kind voucher.TokenKind, owner, spender common.Address) (*big.Int, error) {
	t, err := c.Token(kind)
	if err != nil {
		return nil, err
	}
	return t.Allowance(&bind.CallOpts{Context: ctx}, owner, spender)
}

// send assigns the next nonce of key's address and runs broadcast with it.
// Sends from one address are serialized, so concurrent callers never reuse
// a nonce even when the node's pending count lags behind.
func (c *Client) send(ctx context.Context, key *ecdsa.PrivateKey, broadcast func(nonce uint64) (*types.Transaction, error)) (*types.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	c.mu.Lock()
	s, ok := c.senders[from]
	if !ok {
		s = &sender{}
		c.senders[from] = s
	}
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce %s: %w", from.Hex(), err)
	}
	if s.used && s.next > nonce {
		nonce = s.next
	}
	tx, err := broadcast(nonce)
	if err != nil {
		// Nothing was broadcast with this nonce; resync from the node.
		s.used = false
		return nil, err
	}
	s.next, s.used = nonce+1, true
	return tx, nil
}

// transact runs an abigen call signed by key with a nonce from send.
func (c *Client) transact(ctx context.Context, key *ecdsa.PrivateKey, call func(opts *bind.TransactOpts) (*types.Transaction, error)) (*types.Transaction, error) {
	return c.send(ctx, key, func(nonce uint64) (*types.Transaction, error) {
		opts, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
		if err != nil {
			return nil, err
		}
		opts.Context = ctx
		opts.Nonce = new(big.Int).SetUint64(nonce)
		return call(opts)
	})
}

// waitMined waits for tx on a context detached from the caller's cancellation:
// once broadcast a transaction cannot be recalled, so its outcome is awaited
// up to receiptTimeout regardless.
func (c *Client) waitMined(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnconfirmed, tx.Hash().Hex(), err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("%w: %s", ErrReverted, tx.Hash().Hex())
	}
	return &Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}
