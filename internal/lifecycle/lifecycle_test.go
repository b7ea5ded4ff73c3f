package lifecycle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/index"
	"github.com/0gfoundation/0g-voucher/internal/vault"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// ── Create ────────────────────────────────────────────────────────────────────

func TestCreate_FundsBearerAndRegisters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.create(t, "10", true)

	if !strings.HasPrefix(res.Link, testBaseURL+"/#/redeem/") {
		t.Errorf("link %q lacks redeem route", res.Link)
	}
	if res.Amount != "10" || res.Token != voucher.TokenA {
		t.Errorf("amount/token: %s %s", res.Amount, res.Token)
	}
	if got := h.ledger.Tokens(voucher.TokenA, res.Bearer); got.Cmp(tokens(10)) != 0 {
		t.Errorf("bearer tokens: got %s, want %s", got, tokens(10))
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.creator); got.Cmp(tokens(990)) != 0 {
		t.Errorf("creator tokens: got %s, want %s", got, tokens(990))
	}
	if !res.GasFunded {
		t.Error("GasFunded = false")
	}
	if got := h.ledger.Native(res.Bearer); got.Cmp(gasTopUp) != 0 {
		t.Errorf("bearer gas: got %s, want %s", got, gasTopUp)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unexpected warnings: %+v", res.Warnings)
	}
	if want := testEpoch.Add(7 * 24 * time.Hour).Unix(); res.ExpiresAt != want {
		t.Errorf("ExpiresAt: got %d, want %d", res.ExpiresAt, want)
	}

	rec, err := h.index.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("index.Get: %v", err)
	}
	if !rec.Open() || rec.Bearer != strings.ToLower(res.Bearer.Hex()) || rec.Creator != strings.ToLower(h.creator.Hex()) {
		t.Errorf("record: %+v", rec)
	}

	reclaim, err := h.vault.ReclaimKey(ctx, res.ID)
	if err != nil {
		t.Fatalf("ReclaimKey: %v", err)
	}
	if crypto.PubkeyToAddress(reclaim.Key.PublicKey) != res.Bearer || reclaim.Token != voucher.TokenA {
		t.Error("reclaim key does not match bearer")
	}
}

func TestCreate_LinkOpensWithPassword(t *testing.T) {
	h := newHarness(t)
	res := h.create(t, "2.5", false)

	enc, ok := voucher.DecodeLink(res.Link)
	if !ok {
		t.Fatal("DecodeLink failed")
	}
	p, ok := voucher.Decrypt(enc, testPassword)
	if !ok {
		t.Fatal("Decrypt failed")
	}
	if p.ID != res.ID || p.Amount != "2.5" || p.Creator != h.creator || p.Secret.Address != res.Bearer {
		t.Errorf("payload: %+v", p)
	}
}

func TestCreate_ExpiryOptions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.c.Create(ctx, CreateRequest{Amount: "1", Token: voucher.TokenA, Password: "pw", NoExpiry: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.ExpiresAt != 0 {
		t.Errorf("NoExpiry: ExpiresAt = %d", res.ExpiresAt)
	}

	res, err = h.c.Create(ctx, CreateRequest{Amount: "1", Token: voucher.TokenA, Password: "pw", ExpiresIn: time.Hour})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if want := testEpoch.Add(time.Hour).Unix(); res.ExpiresAt != want {
		t.Errorf("ExpiresIn: got %d, want %d", res.ExpiresAt, want)
	}
}

// A sub-second TTL still yields an expiry strictly after creation, and the
// voucher is issued rather than failing after funds moved.
func TestCreate_SubSecondExpiryRoundsUp(t *testing.T) {
	for _, tc := range []struct {
		name   string
		offset time.Duration
		ttl    time.Duration
	}{
		{"crosses second", 700 * time.Millisecond, 300 * time.Millisecond},
		{"within second", 100 * time.Millisecond, 300 * time.Millisecond},
		{"whole second start", 0, time.Millisecond},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.now = testEpoch.Add(tc.offset)

			res, err := h.c.Create(context.Background(), CreateRequest{
				Amount: "1", Token: voucher.TokenA, Password: testPassword, ExpiresIn: tc.ttl,
			})
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if res.CreatedAt != testEpoch.Unix() || res.ExpiresAt != testEpoch.Unix()+1 {
				t.Errorf("created %d expires %d, want %d and %d", res.CreatedAt, res.ExpiresAt, testEpoch.Unix(), testEpoch.Unix()+1)
			}
			in, err := h.c.Inspect(context.Background(), res.Link, testPassword)
			if err != nil {
				t.Fatalf("Inspect: %v", err)
			}
			if in.Expired || !in.Redeemable {
				t.Errorf("inspection: %+v", in)
			}
		})
	}
}

func TestExpiryAfter(t *testing.T) {
	base := time.Unix(100, 0)
	cases := []struct {
		now  time.Time
		ttl  time.Duration
		want int64
	}{
		{base, time.Hour, 3700},
		{base, time.Nanosecond, 101},
		{base.Add(999 * time.Millisecond), time.Millisecond, 101},
		{base.Add(999 * time.Millisecond), 2 * time.Millisecond, 102},
	}
	for _, tc := range cases {
		if got := expiryAfter(tc.now, tc.ttl); got != tc.want {
			t.Errorf("expiryAfter(%v, %s) = %d, want %d", tc.now.UnixNano(), tc.ttl, got, tc.want)
		}
	}
}

// Funding succeeds but the gas top-up does not: the voucher is still issued,
// flagged, and redeemable by key import.
func TestCreate_GasTopUpFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.failSendNative = errors.New("replacement transaction underpriced")

	res := h.create(t, "4", true)
	if res.GasFunded {
		t.Error("GasFunded reported after a failed top-up")
	}
	if !hasWarning(res.Warnings, StepGasTopUp) {
		t.Fatalf("warnings: %+v", res.Warnings)
	}
	if got := h.ledger.Tokens(voucher.TokenA, res.Bearer); got.Cmp(tokens(4)) != 0 {
		t.Errorf("bearer tokens: %s", got)
	}
	if got := h.ledger.Native(res.Bearer); got.Sign() != 0 {
		t.Errorf("bearer gas: %s", got)
	}

	_, err := h.redeem(res.Link, testPassword, StrategyDirect)
	assertKind(t, err, KindInsufficientGas)

	imported, err := h.redeem(res.Link, testPassword, StrategyImport)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(imported.PrivateKey, "0x"))
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != res.Bearer {
		t.Error("released key does not control the bearer address")
	}
}

func TestCreate_Rejections(t *testing.T) {
	h := newHarness(t)
	h.ledger.unconfigured = voucher.TokenC
	ctx := context.Background()

	cases := []struct {
		name   string
		amount string
		token  voucher.TokenKind
		want   Kind
	}{
		{"zero", "0", voucher.TokenA, KindInvalidAmount},
		{"negative", "-1", voucher.TokenA, KindInvalidAmount},
		{"garbage", "ten", voucher.TokenA, KindInvalidAmount},
		{"too precise", "1.123456789", voucher.TokenA, KindInvalidAmount},
		{"unknown token", "1", voucher.TokenKind("Z"), KindInvalidToken},
		{"unconfigured token", "1", voucher.TokenC, KindInvalidToken},
		{"over balance", "1000.00000001", voucher.TokenA, KindInsufficientBalance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.c.Create(ctx, CreateRequest{Amount: tc.amount, Token: tc.token, Password: "pw"})
			assertKind(t, err, tc.want)
		})
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.creator); got.Cmp(tokens(1000)) != 0 {
		t.Errorf("creator balance moved: %s", got)
	}
}

func TestCreate_RedeemOnlyForbidden(t *testing.T) {
	c := New(newFakeLedger(), nil, nil, nil, Config{BaseURL: testBaseURL}, zap.NewNop())
	_, err := c.Create(context.Background(), CreateRequest{Amount: "1", Token: voucher.TokenA, Password: "pw"})
	assertKind(t, err, KindForbidden)
}

func TestCreate_FundingFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.failTransfer = errors.New("nonce too low")

	_, err := h.c.Create(context.Background(), CreateRequest{Amount: "1", Token: voucher.TokenA, Password: "pw"})
	assertKind(t, err, KindLedger)
	if !errors.Is(err, ErrLedger) {
		t.Error("errors.Is(err, ErrLedger) = false")
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.creator); got.Cmp(tokens(1000)) != 0 {
		t.Errorf("creator balance moved: %s", got)
	}
}

func TestCreate_IndexDownQueuesRegister(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.index.setDown(true)

	res := h.create(t, "1", false)
	if !hasWarning(res.Warnings, StepIndexSync) {
		t.Fatalf("expected index_sync warning, got %+v", res.Warnings)
	}

	due, err := h.vault.Due(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].Op != vault.OpRegister || due[0].VoucherID != res.ID {
		t.Fatalf("outbox: %+v", due)
	}
	if due[0].Record == nil || due[0].Record.Bearer != strings.ToLower(res.Bearer.Hex()) {
		t.Errorf("queued record: %+v", due[0].Record)
	}
}

// ── Redeem ────────────────────────────────────────────────────────────────────

func TestRedeem_HappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "10", true)

	res, err := h.redeem(created.Link, testPassword, StrategyDirect)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Strategy != StrategyDirect || res.TxHash == nil || res.PrivateKey != "" {
		t.Errorf("result: %+v", res)
	}
	if res.Amount != "10" || res.ID != created.ID {
		t.Errorf("amount/id: %s %s", res.Amount, res.ID)
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.claimant); got.Cmp(tokens(10)) != 0 {
		t.Errorf("claimant tokens: got %s, want %s", got, tokens(10))
	}
	if got := h.ledger.Tokens(voucher.TokenA, created.Bearer); got.Sign() != 0 {
		t.Errorf("bearer tokens: %s", got)
	}
	if got := h.ledger.Native(created.Bearer); got.Sign() != 0 {
		t.Errorf("residual gas not swept: %s", got)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings: %+v", res.Warnings)
	}

	rec, err := h.index.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("index.Get: %v", err)
	}
	if !rec.Claimed || rec.ClaimedBy != strings.ToLower(h.claimant.Hex()) {
		t.Errorf("record: %+v", rec)
	}
}

// A failed residual sweep after a direct redeem is reported, never raised.
func TestRedeem_SweepFailureIsWarning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "2", true)
	h.ledger.failSendNative = errors.New("rpc timeout")

	res, err := h.redeem(created.Link, testPassword, StrategyDirect)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.TxHash == nil || !hasWarning(res.Warnings, StepGasSweep) {
		t.Fatalf("result: %+v", res)
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.claimant); got.Cmp(tokens(2)) != 0 {
		t.Errorf("claimant tokens: %s", got)
	}
	if got := h.ledger.Native(created.Bearer); got.Sign() == 0 {
		t.Error("residual gas vanished although the sweep failed")
	}
	rec, err := h.index.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("index.Get: %v", err)
	}
	if !rec.Claimed {
		t.Errorf("record not claimed: %+v", rec)
	}
}

func TestRedeem_WrongPasswordTouchesNoLedger(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "10", true)
	before := h.ledger.Calls()

	_, err := h.redeem(created.Link, "wrong password", StrategyDirect)
	assertKind(t, err, KindWrongPasswordOrCorruptLink)
	if !errors.Is(err, ErrWrongPasswordOrCorruptLink) {
		t.Error("errors.Is(err, ErrWrongPasswordOrCorruptLink) = false")
	}
	if h.ledger.Calls() != before {
		t.Errorf("ledger called %d times", h.ledger.Calls()-before)
	}
	if got := h.ledger.Tokens(voucher.TokenA, created.Bearer); got.Cmp(tokens(10)) != 0 {
		t.Errorf("bearer balance moved: %s", got)
	}
}

func TestRedeem_InvalidLink(t *testing.T) {
	h := newHarness(t)
	for _, link := range []string{"", "not a link", testBaseURL + "/#/redeem/!!!", testBaseURL + "/#/redeem/"} {
		_, err := h.redeem(link, testPassword, StrategyAuto)
		assertKind(t, err, KindInvalidLink)
	}
	if h.ledger.Calls() != 0 {
		t.Errorf("ledger called %d times", h.ledger.Calls())
	}
}

func TestRedeem_Replay(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "10", true)

	if _, err := h.redeem(created.Link, testPassword, StrategyDirect); err != nil {
		t.Fatalf("first Redeem: %v", err)
	}
	_, err := h.redeem(created.Link, testPassword, StrategyDirect)
	assertKind(t, err, KindAlreadyRedeemed)
	if got := h.ledger.Tokens(voucher.TokenA, h.claimant); got.Cmp(tokens(10)) != 0 {
		t.Errorf("claimant tokens: got %s, want %s", got, tokens(10))
	}
}

func TestRedeem_ExpiredBeforeAnyLedgerCall(t *testing.T) {
	h := newHarness(t)
	res, err := h.c.Create(context.Background(), CreateRequest{
		Amount: "1", Token: voucher.TokenA, Password: testPassword, IncludeGas: true, ExpiresIn: time.Hour,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	h.advance(time.Hour)
	before := h.ledger.Calls()
	_, err = h.redeem(res.Link, testPassword, StrategyDirect)
	assertKind(t, err, KindVoucherExpired)
	if h.ledger.Calls() != before {
		t.Errorf("ledger called %d times after expiry", h.ledger.Calls()-before)
	}
	if got := h.ledger.Tokens(voucher.TokenA, res.Bearer); got.Cmp(oneToken) != 0 {
		t.Errorf("bearer balance moved: %s", got)
	}
}

func TestRedeem_AutoFallsBackToImport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "3", false)

	res, err := h.redeem(created.Link, testPassword, StrategyAuto)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Strategy != StrategyImport || res.TxHash != nil {
		t.Fatalf("result: %+v", res)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(res.PrivateKey, "0x"))
	if err != nil {
		t.Fatalf("HexToECDSA: %v", err)
	}
	if crypto.PubkeyToAddress(key.PublicKey) != created.Bearer {
		t.Error("released key does not control the bearer address")
	}
	if got := h.ledger.Tokens(voucher.TokenA, created.Bearer); got.Cmp(tokens(3)) != 0 {
		t.Errorf("import moved funds: %s", got)
	}
	rec, err := h.index.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("index.Get: %v", err)
	}
	if !rec.Open() {
		t.Errorf("import marked record: %+v", rec)
	}
}

func TestRedeem_AutoUsesDirectWhenGasFunded(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "3", true)

	res, err := h.redeem(created.Link, testPassword, StrategyAuto)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.Strategy != StrategyDirect || res.PrivateKey != "" {
		t.Errorf("result: %+v", res)
	}
}

func TestRedeem_ImportNeedsNoClaimant(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "3", true)

	res, err := h.c.Redeem(context.Background(), RedeemRequest{
		Link: created.Link, Password: testPassword, Strategy: StrategyImport,
	})
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.PrivateKey == "" {
		t.Error("no key released")
	}
}

func TestRedeem_DirectInsufficientGas(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "3", false)

	_, err := h.redeem(created.Link, testPassword, StrategyDirect)
	assertKind(t, err, KindInsufficientGas)
	if got := h.ledger.Tokens(voucher.TokenA, created.Bearer); got.Cmp(tokens(3)) != 0 {
		t.Errorf("bearer balance moved: %s", got)
	}
}

func TestRedeem_InvalidClaimant(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "3", true)

	for _, claimant := range []string{"", "nope", "0x1234", common.Address{}.Hex(), created.Bearer.Hex()} {
		_, err := h.c.Redeem(context.Background(), RedeemRequest{
			Link: created.Link, Password: testPassword, Claimant: claimant, Strategy: StrategyDirect,
		})
		assertKind(t, err, KindInvalidClaimant)
	}
}

func TestRedeem_IndexDownQueuesClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "10", true)
	h.index.setDown(true)

	res, err := h.redeem(created.Link, testPassword, StrategyDirect)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if !hasWarning(res.Warnings, StepIndexSync) {
		t.Fatalf("expected index_sync warning, got %+v", res.Warnings)
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.claimant); got.Cmp(tokens(10)) != 0 {
		t.Errorf("claimant tokens: %s", got)
	}

	due, err := h.vault.Due(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].Op != vault.OpClaim || due[0].Claimant != strings.ToLower(h.claimant.Hex()) {
		t.Fatalf("outbox: %+v", due)
	}
}

func TestRedeem_ConcurrentExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "10", true)

	const n = 4
	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.redeem(created.Link, testPassword, StrategyDirect)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case KindOf(err) != KindAlreadyRedeemed:
			t.Errorf("loser got %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("winners: got %d, want 1", wins)
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.claimant); got.Cmp(tokens(10)) != 0 {
		t.Errorf("claimant tokens: got %s, want %s", got, tokens(10))
	}
}

func TestRedeem_LegacyPayloadWithoutIDOrCreator(t *testing.T) {
	h := newHarness(t)
	secret, err := voucher.GenerateWallet()
	if err != nil {
		t.Fatalf("GenerateWallet: %v", err)
	}
	h.ledger.mint(voucher.TokenA, secret.Address, tokens(1))
	h.ledger.fund(secret.Address, gasTopUp)

	enc, err := voucher.Encrypt(&voucher.Payload{
		Secret:    *secret,
		Amount:    "1",
		Token:     voucher.TokenA,
		CreatedAt: testEpoch.Unix(),
	}, testPassword)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	link, _ := voucher.EncodeLink(enc, testBaseURL)

	res, err := h.redeem(link, testPassword, StrategyDirect)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if res.ID != strings.ToLower(secret.Address.Hex()) {
		t.Errorf("id: %s", res.ID)
	}
	// No creator to sweep to, so the residual stays on the bearer address.
	if h.ledger.Native(secret.Address).Sign() == 0 {
		t.Error("residual swept without a creator")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("unindexed voucher produced warnings: %+v", res.Warnings)
	}
}

// ── Inspect ───────────────────────────────────────────────────────────────────

func TestInspect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "10", true)

	in, err := h.c.Inspect(ctx, created.Link, testPassword)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if in.Balance != "10" || !in.Redeemable || !in.GasSufficient || in.Expired {
		t.Errorf("inspection: %+v", in)
	}
	if in.Creator != strings.ToLower(h.creator.Hex()) {
		t.Errorf("creator: %s", in.Creator)
	}

	if _, err := h.redeem(created.Link, testPassword, StrategyDirect); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	in, err = h.c.Inspect(ctx, created.Link, testPassword)
	if err != nil {
		t.Fatalf("Inspect after redeem: %v", err)
	}
	if in.Balance != "0" || in.Redeemable || in.Amount != "10" {
		t.Errorf("inspection after redeem: %+v", in)
	}

	_, err = h.c.Inspect(ctx, created.Link, "wrong")
	assertKind(t, err, KindWrongPasswordOrCorruptLink)
}

// ── Cancel ────────────────────────────────────────────────────────────────────

func TestCancel_ReturnsFundsAndTopsUpGas(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "10", false)

	res, err := h.c.Cancel(ctx, created.ID, h.creator)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if res.Amount != "10" || res.Token != voucher.TokenA || res.TxHash == (common.Hash{}) {
		t.Errorf("result: %+v", res)
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.creator); got.Cmp(tokens(1000)) != 0 {
		t.Errorf("creator tokens: got %s, want %s", got, tokens(1000))
	}
	if got := h.ledger.Tokens(voucher.TokenA, created.Bearer); got.Sign() != 0 {
		t.Errorf("bearer tokens: %s", got)
	}
	if got := h.ledger.Native(created.Bearer); got.Sign() != 0 {
		t.Errorf("bearer gas left: %s", got)
	}

	rec, err := h.index.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("index.Get: %v", err)
	}
	if !rec.Cancelled {
		t.Errorf("record not cancelled: %+v", rec)
	}
	if _, err := h.vault.ReclaimKey(ctx, created.ID); !errors.Is(err, vault.ErrNotFound) {
		t.Errorf("reclaim key kept: %v", err)
	}
}

func TestCancel_ThenRedeemIsAlreadyRedeemed(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "10", true)

	if _, err := h.c.Cancel(context.Background(), created.ID, h.creator); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, err := h.redeem(created.Link, testPassword, StrategyDirect)
	assertKind(t, err, KindAlreadyRedeemed)
	if !errors.Is(err, ErrAlreadyRedeemed) {
		t.Error("errors.Is(err, ErrAlreadyRedeemed) = false")
	}
	if got := h.ledger.Tokens(voucher.TokenA, h.claimant); got.Sign() != 0 {
		t.Errorf("claimant received %s", got)
	}
}

func TestCancel_AfterRedeemFails(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "10", true)
	if _, err := h.redeem(created.Link, testPassword, StrategyDirect); err != nil {
		t.Fatalf("Redeem: %v", err)
	}

	_, err := h.c.Cancel(context.Background(), created.ID, h.creator)
	assertKind(t, err, KindCancelFailed)
	if !errors.Is(err, ErrAlreadyRedeemed) {
		t.Errorf("cause not exposed: %v", err)
	}
	if !strings.Contains(err.Error(), "remove the listing") {
		t.Errorf("no local-removal hint: %v", err)
	}
}

func TestCancel_Forbidden(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "1", false)

	_, err := h.c.Cancel(context.Background(), created.ID, h.claimant)
	assertKind(t, err, KindForbidden)
	if got := h.ledger.Tokens(voucher.TokenA, created.Bearer); got.Cmp(oneToken) != 0 {
		t.Errorf("bearer balance moved: %s", got)
	}
}

func TestCancel_NotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.Cancel(context.Background(), "no-such-voucher", h.creator)
	assertKind(t, err, KindNotFound)
}

func TestCancel_TopUpFailure(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "1", false)

	// Drain the creator's gas so the reclaim top-up cannot be paid.
	h.ledger.mu.Lock()
	h.ledger.native[h.creator] = new(big.Int)
	h.ledger.mu.Unlock()

	_, err := h.c.Cancel(context.Background(), created.ID, h.creator)
	assertKind(t, err, KindCancelFailed)
	if got := h.ledger.Tokens(voucher.TokenA, created.Bearer); got.Cmp(oneToken) != 0 {
		t.Errorf("bearer balance moved: %s", got)
	}
}

func TestCancel_IndexDownQueuesCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "1", true)
	h.index.setDown(true)

	res, err := h.c.Cancel(ctx, created.ID, h.creator)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !hasWarning(res.Warnings, StepIndexSync) {
		t.Fatalf("expected index_sync warning, got %+v", res.Warnings)
	}
	n, err := h.vault.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if n != 1 {
		t.Errorf("pending: got %d, want 1", n)
	}
}

// ── RemoveListing ─────────────────────────────────────────────────────────────

func TestRemoveListing_RequiresConfirmation(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "1", false)

	_, err := h.c.RemoveListing(context.Background(), created.ID, h.creator, false)
	assertKind(t, err, KindConfirmationRequired)
	if _, err := h.index.Get(context.Background(), created.ID); err != nil {
		t.Errorf("record removed without confirmation: %v", err)
	}
}

func TestRemoveListing_Forbidden(t *testing.T) {
	h := newHarness(t)
	created := h.create(t, "1", false)
	_, err := h.c.RemoveListing(context.Background(), created.ID, h.claimant, true)
	assertKind(t, err, KindForbidden)
}

func TestRemoveListing_HidesAndDeletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "1", false)

	res, err := h.c.RemoveListing(ctx, created.ID, h.creator, true)
	if err != nil {
		t.Fatalf("RemoveListing: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings: %+v", res.Warnings)
	}
	hidden, err := h.vault.HiddenSet(ctx)
	if err != nil {
		t.Fatalf("HiddenSet: %v", err)
	}
	if !hidden[created.ID] {
		t.Error("voucher not hidden locally")
	}
	if _, err := h.index.Get(ctx, created.ID); !errors.Is(err, index.ErrNotFound) {
		t.Errorf("index record kept: %v", err)
	}
	// Funds are untouched.
	if got := h.ledger.Tokens(voucher.TokenA, created.Bearer); got.Cmp(oneToken) != 0 {
		t.Errorf("bearer balance moved: %s", got)
	}
}

func TestRemoveListing_UnknownIDIsNoop(t *testing.T) {
	h := newHarness(t)
	res, err := h.c.RemoveListing(context.Background(), "ghost", h.creator, true)
	if err != nil {
		t.Fatalf("RemoveListing: %v", err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings: %+v", res.Warnings)
	}
}

func TestRemoveListing_IndexDownQueuesDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := h.create(t, "1", false)
	h.index.setDown(true)

	res, err := h.c.RemoveListing(ctx, created.ID, h.creator, true)
	if err != nil {
		t.Fatalf("RemoveListing: %v", err)
	}
	if !hasWarning(res.Warnings, StepIndexSync) {
		t.Fatalf("expected index_sync warning, got %+v", res.Warnings)
	}
	due, err := h.vault.Due(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].Op != vault.OpDelete {
		t.Fatalf("outbox: %+v", due)
	}
}

// ── strategy parsing ──────────────────────────────────────────────────────────

func TestParseStrategy(t *testing.T) {
	cases := map[string]Strategy{
		"":        StrategyAuto,
		"auto":    StrategyAuto,
		"Direct":  StrategyDirect,
		" import": StrategyImport,
	}
	for in, want := range cases {
		got, err := ParseStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseStrategy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseStrategy("teleport"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
