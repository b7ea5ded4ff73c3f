package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/client"
	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/lifecycle"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// Ledger is the slice of *chain.Client the chain commands and the local
// redeemer use.
type Ledger interface {
	lifecycle.Ledger
	WaitForTokenBalance(ctx context.Context, kind voucher.TokenKind, addr common.Address, min *big.Int, poll, max time.Duration) (*big.Int, error)
	Mint(ctx context.Context, key *ecdsa.PrivateKey, kind voucher.TokenKind, to common.Address, amount *big.Int) (*chain.Receipt, error)
	Burn(ctx context.Context, key *ecdsa.PrivateKey, kind voucher.TokenKind, amount *big.Int) (*chain.Receipt, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, kind voucher.TokenKind, spender common.Address, amount *big.Int) (*chain.Receipt, error)
}

type dialFunc func(c *cli.Context) (Ledger, error)

// dialLedger connects to the RPC endpoint named by the global flags.
func dialLedger(c *cli.Context) (Ledger, error) {
	eth, err := ethclient.DialContext(c.Context, c.String("rpc"))
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	tokens := make(map[voucher.TokenKind]common.Address)
	for kind, addr := range (config.ChainConfig{
		TokenA: c.String("token-a"),
		TokenB: c.String("token-b"),
		TokenC: c.String("token-c"),
	}).TokenAddresses() {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("token %s: %q is not an address", kind, addr)
		}
		tokens[voucher.TokenKind(kind)] = common.HexToAddress(addr)
	}
	return chain.NewClientWithBackend(eth, big.NewInt(c.Int64("chain-id")), tokens), nil
}

func newApp(out io.Writer, dial dialFunc, log *zap.Logger) *cli.App {
	a := &app{out: out, dial: dial, log: log}
	return &cli.App{
		Name:   "voucherctl",
		Usage:  "create, redeem and manage pegged-token vouchers",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "server", Value: "http://localhost:8080", EnvVars: []string{"VOUCHER_SERVER"}, Usage: "voucherd base URL"},
			&cli.StringFlag{Name: "key", EnvVars: []string{"CREATOR_PRIVATE_KEY"}, Usage: "creator private key (hex)"},
			&cli.StringFlag{Name: "rpc", Value: "http://localhost:8545", EnvVars: []string{"RPC_URL"}},
			&cli.Int64Flag{Name: "chain-id", Value: 16602, EnvVars: []string{"CHAIN_ID"}},
			&cli.StringFlag{Name: "token-a", EnvVars: []string{"TOKEN_A_ADDRESS"}},
			&cli.StringFlag{Name: "token-b", EnvVars: []string{"TOKEN_B_ADDRESS"}},
			&cli.StringFlag{Name: "token-c", EnvVars: []string{"TOKEN_C_ADDRESS"}},
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "fund a new voucher and print its link",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "amount", Required: true},
					&cli.StringFlag{Name: "token", Value: "A"},
					&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"VOUCHER_PASSWORD"}},
					&cli.BoolFlag{Name: "gas", Usage: "also fund the bearer with gas for a direct redeem"},
					&cli.DurationFlag{Name: "expires-in", Usage: "advisory expiry (server default when unset)"},
					&cli.BoolFlag{Name: "no-expiry"},
				},
				Action: a.create,
			},
			{
				Name:      "inspect",
				Usage:     "show a voucher's live state without redeeming it",
				ArgsUsage: "<link>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"VOUCHER_PASSWORD"}},
					hostedFlag,
				},
				Action: a.inspect,
			},
			{
				Name:      "redeem",
				Usage:     "claim a voucher",
				ArgsUsage: "<link>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"VOUCHER_PASSWORD"}},
					&cli.StringFlag{Name: "to", Usage: "claimant address (not needed for import)"},
					&cli.StringFlag{Name: "strategy", Value: "auto", Usage: "direct, import or auto"},
					hostedFlag,
				},
				Action: a.redeem,
			},
			{
				Name:      "cancel",
				Usage:     "reclaim an unredeemed voucher's funds",
				ArgsUsage: "<voucher-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "remove-on-failure", Usage: "drop the listing locally if the cancel fails"},
				},
				Action: a.cancel,
			},
			{
				Name:      "remove",
				Usage:     "drop a listing locally without touching funds",
				ArgsUsage: "<voucher-id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "confirm the removal"},
				},
				Action: a.remove,
			},
			{
				Name:   "list",
				Usage:  "list the creator's vouchers",
				Action: a.list,
			},
			{
				Name:      "balance",
				Usage:     "print token and gas balances of an address",
				ArgsUsage: "<address>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Value: "A"},
				},
				Action: a.balance,
			},
			{
				Name:      "watch",
				Usage:     "wait until an address holds at least --min tokens",
				ArgsUsage: "<address>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Value: "A"},
					&cli.StringFlag{Name: "min", Value: "0.00000001"},
					&cli.DurationFlag{Name: "poll", Value: 2 * time.Second},
					&cli.DurationFlag{Name: "timeout", Value: time.Minute},
				},
				Action: a.watch,
			},
			{
				Name:  "mint",
				Usage: "issue tokens (token owner only, test networks)",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Value: "A"},
					&cli.StringFlag{Name: "to", Required: true},
					&cli.StringFlag{Name: "amount", Required: true},
				},
				Action: a.mint,
			},
			{
				Name:  "burn",
				Usage: "burn tokens held by --key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Value: "A"},
					&cli.StringFlag{Name: "amount", Required: true},
				},
				Action: a.burn,
			},
			{
				Name:  "approve",
				Usage: "set a spender allowance over --key's tokens",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "token", Value: "A"},
					&cli.StringFlag{Name: "spender", Required: true},
					&cli.StringFlag{Name: "amount", Required: true},
				},
				Action: a.approve,
			},
		},
	}
}

// hostedFlag sends the link and password to --server instead of opening
// the voucher locally.
var hostedFlag = &cli.BoolFlag{
	Name:  "hosted",
	Usage: "let --server open the voucher (sends the password; direct transfers only)",
}

type app struct {
	out  io.Writer
	dial dialFunc
	log  *zap.Logger
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func creatorKey(c *cli.Context) (*ecdsa.PrivateKey, error) {
	raw := c.String("key")
	if raw == "" {
		return nil, errors.New("--key (or CREATOR_PRIVATE_KEY) is required")
	}
	return config.ChainConfig{CreatorPrivateKey: raw}.CreatorKey()
}

func (a *app) api(c *cli.Context, signed bool) (*client.Client, error) {
	if !signed {
		return client.New(c.String("server"), nil), nil
	}
	key, err := creatorKey(c)
	if err != nil {
		return nil, err
	}
	return client.New(c.String("server"), key), nil
}

// redeemer opens vouchers in this process. The chain does the work; the
// server only hears about a direct redeem, by voucher id and claimant.
func (a *app) redeemer(c *cli.Context) (*lifecycle.Controller, error) {
	ledger, err := a.dial(c)
	if err != nil {
		return nil, err
	}
	claims := client.New(c.String("server"), nil).ClaimIndex()
	return lifecycle.New(ledger, claims, nil, nil, lifecycle.Config{}, a.log), nil
}

func firstArg(c *cli.Context, what string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s argument", what)
	}
	return strings.TrimSpace(c.Args().First()), nil
}

func addressArg(c *cli.Context) (common.Address, error) {
	s, err := firstArg(c, "address")
	if err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q is not an address", s)
	}
	return common.HexToAddress(s), nil
}
