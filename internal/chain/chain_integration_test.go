package chain_test

// Integration test: deploys a pegged token on an in-process simulated EVM and
// exercises the ledger operations the voucher lifecycle relies on.

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	sim    *chain.SimulatedChain
	ledger *chain.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sim := chain.NewSimulatedChain(3)
	t.Cleanup(func() { sim.Close() }) //nolint:errcheck

	tokenAddr, err := sim.DeployPegToken(sim.Accounts[0])
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return &fixture{
		sim:    sim,
		ledger: sim.Ledger(map[voucher.TokenKind]common.Address{voucher.TokenA: tokenAddr}),
	}
}

// ── token operations ──────────────────────────────────────────────────────────

func TestLedger_MintTransferBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.sim.Accounts[0]
	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)
	other := crypto.PubkeyToAddress(f.sim.Accounts[1].PublicKey)

	dec, err := f.ledger.Decimals(ctx, voucher.TokenA)
	if err != nil {
		t.Fatalf("Decimals: %v", err)
	}
	if dec != 8 {
		t.Errorf("decimals: got %d want 8", dec)
	}

	if _, err := f.ledger.Mint(ctx, owner, voucher.TokenA, ownerAddr, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	rcpt, err := f.ledger.TransferToken(ctx, owner, voucher.TokenA, other, big.NewInt(400_000), chain.Fee{})
	if err != nil {
		t.Fatalf("TransferToken: %v", err)
	}
	if rcpt.GasUsed == 0 {
		t.Error("receipt reports zero gas used")
	}

	got, _ := f.ledger.TokenBalance(ctx, voucher.TokenA, other)
	if got.Int64() != 400_000 {
		t.Errorf("recipient balance: got %s want 400000", got)
	}
	got, _ = f.ledger.TokenBalance(ctx, voucher.TokenA, ownerAddr)
	if got.Int64() != 600_000 {
		t.Errorf("owner balance: got %s want 600000", got)
	}
}

// Transactions from one key issued concurrently must each get their own
// nonce.
func TestLedger_ConcurrentSendsFromOneKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.sim.Accounts[0]
	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)
	if _, err := f.ledger.Mint(ctx, owner, voucher.TokenA, ownerAddr, big.NewInt(1_000)); err != nil {
		t.Fatalf("Mint: %v", err)
	}

	const n = 6
	recipients := make([]common.Address, n)
	for i := range recipients {
		k, _ := crypto.GenerateKey()
		recipients[i] = crypto.PubkeyToAddress(k.PublicKey)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for _, to := range recipients {
		wg.Add(2)
		go func(to common.Address) {
			defer wg.Done()
			if _, err := f.ledger.TransferToken(ctx, owner, voucher.TokenA, to, big.NewInt(10), chain.Fee{}); err != nil {
				errs <- err
			}
		}(to)
		go func(to common.Address) {
			defer wg.Done()
			if _, err := f.ledger.SendNative(ctx, owner, to, big.NewInt(1_000), chain.Fee{}); err != nil {
				errs <- err
			}
		}(to)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent send: %v", err)
	}

	for _, to := range recipients {
		tok, _ := f.ledger.TokenBalance(ctx, voucher.TokenA, to)
		gas, _ := f.ledger.NativeBalance(ctx, to)
		if tok.Int64() != 10 || gas.Int64() != 1_000 {
			t.Errorf("%s: token %s gas %s", to.Hex(), tok, gas)
		}
	}
}

func TestLedger_MintNotOwnerReverts(t *testing.T) {
	f := newFixture(t)
	intruder := f.sim.Accounts[1]
	to := crypto.PubkeyToAddress(intruder.PublicKey)

	// EstimateGas fails for a call that would revert, before anything is sent.
	if _, err := f.ledger.Mint(context.Background(), intruder, voucher.TokenA, to, big.NewInt(1)); err == nil {
		t.Fatal("expected mint by non-owner to fail")
	}
}

func TestLedger_Burn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.sim.Accounts[0]
	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)

	if _, err := f.ledger.Mint(ctx, owner, voucher.TokenA, ownerAddr, big.NewInt(500)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := f.ledger.Burn(ctx, owner, voucher.TokenA, big.NewInt(200)); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	got, _ := f.ledger.TokenBalance(ctx, voucher.TokenA, ownerAddr)
	if got.Int64() != 300 {
		t.Errorf("balance after burn: got %s want 300", got)
	}
}

func TestLedger_ApproveAllowance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.sim.Accounts[0]
	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)
	spender := crypto.PubkeyToAddress(f.sim.Accounts[2].PublicKey)

	if _, err := f.ledger.Approve(ctx, owner, voucher.TokenA, spender, big.NewInt(750)); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	got, err := f.ledger.Allowance(ctx, voucher.TokenA, ownerAddr, spender)
	if err != nil {
		t.Fatalf("Allowance: %v", err)
	}
	if got.Int64() != 750 {
		t.Errorf("allowance: got %s want 750", got)
	}
}

func TestLedger_UnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.TokenBalance(context.Background(), voucher.TokenB, common.Address{})
	if !errors.Is(err, chain.ErrTokenUnknown) {
		t.Fatalf("expected ErrTokenUnknown, got %v", err)
	}
}

// ── native transfers ──────────────────────────────────────────────────────────

// A legacy transfer is charged exactly GasLimit*GasPrice, so a full sweep
// leaves nothing behind.
func TestLedger_SendNativeExactSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	from := f.sim.Accounts[1]
	fresh, _ := crypto.GenerateKey()
	freshAddr := crypto.PubkeyToAddress(fresh.PublicKey)

	fund := big.NewInt(1_000_000_000_000_000) // 0.001
	if _, err := f.ledger.SendNative(ctx, from, freshAddr, fund, chain.Fee{}); err != nil {
		t.Fatalf("SendNative fund: %v", err)
	}
	bal, _ := f.ledger.NativeBalance(ctx, freshAddr)
	if bal.Cmp(fund) != 0 {
		t.Fatalf("funded balance: got %s want %s", bal, fund)
	}

	fee, err := f.ledger.NativeTransferFee(ctx)
	if err != nil {
		t.Fatalf("NativeTransferFee: %v", err)
	}
	residual := new(big.Int).Sub(bal, fee.Total())
	back := crypto.PubkeyToAddress(from.PublicKey)
	if _, err := f.ledger.SendNative(ctx, fresh, back, residual, fee); err != nil {
		t.Fatalf("SendNative sweep: %v", err)
	}
	bal, _ = f.ledger.NativeBalance(ctx, freshAddr)
	if bal.Sign() != 0 {
		t.Errorf("residual after sweep: got %s want 0", bal)
	}
}

// ── balance monitor ───────────────────────────────────────────────────────────

func TestWaitForBalance_Reached(t *testing.T) {
	calls := 0
	read := func(context.Context) (*big.Int, error) {
		calls++
		if calls < 3 {
			return big.NewInt(0), nil
		}
		return big.NewInt(10), nil
	}
	got, err := chain.WaitForBalance(context.Background(), read, big.NewInt(10), time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("WaitForBalance: %v", err)
	}
	if got.Int64() != 10 || calls != 3 {
		t.Errorf("got balance %s after %d reads", got, calls)
	}
}

func TestWaitForBalance_Timeout(t *testing.T) {
	read := func(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
	_, err := chain.WaitForBalance(context.Background(), read, big.NewInt(10), 5*time.Millisecond, 30*time.Millisecond)
	if !errors.Is(err, chain.ErrMonitorTimeout) {
		t.Fatalf("expected ErrMonitorTimeout, got %v", err)
	}
}

func TestWaitForBalance_ReadErrorsAreTransient(t *testing.T) {
	calls := 0
	read := func(context.Context) (*big.Int, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("rpc hiccup")
		}
		return big.NewInt(5), nil
	}
	if _, err := chain.WaitForBalance(context.Background(), read, big.NewInt(5), time.Millisecond, time.Second); err != nil {
		t.Fatalf("WaitForBalance: %v", err)
	}
}

func TestWaitForBalance_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	read := func(context.Context) (*big.Int, error) { return big.NewInt(0), nil }
	_, err := chain.WaitForBalance(ctx, read, big.NewInt(1), time.Second, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitForBalance_RejectsNonPositiveWindow(t *testing.T) {
	read := func(context.Context) (*big.Int, error) { return big.NewInt(1), nil }
	for _, tc := range []struct {
		name      string
		poll, max time.Duration
	}{
		{"zero poll", 0, time.Second},
		{"negative poll", -time.Millisecond, time.Second},
		{"zero max", time.Millisecond, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := chain.WaitForBalance(context.Background(), read, big.NewInt(1), tc.poll, tc.max)
			if !errors.Is(err, chain.ErrMonitorWindow) {
				t.Fatalf("expected ErrMonitorWindow, got %v", err)
			}
		})
	}
}

func TestLedger_WaitForTokenBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.sim.Accounts[0]
	ownerAddr := crypto.PubkeyToAddress(owner.PublicKey)
	if _, err := f.ledger.Mint(ctx, owner, voucher.TokenA, ownerAddr, big.NewInt(42)); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	got, err := f.ledger.WaitForTokenBalance(ctx, voucher.TokenA, ownerAddr, big.NewInt(42), 10*time.Millisecond, time.Second)
	if err != nil || got.Int64() != 42 {
		t.Fatalf("WaitForTokenBalance: got %v, %v", got, err)
	}
}
