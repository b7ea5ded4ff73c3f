package vault

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(filepath.Join(t.TempDir(), "vault.db"), "test-passphrase", WithLightScrypt())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { v.Close() }) //nolint:errcheck
	return v
}

func TestOpen_EmptyPassphrase(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "vault.db"), ""); err == nil {
		t.Fatal("expected error for empty passphrase")
	}
}

// ── reclaim keys ──────────────────────────────────────────────────────────────

func TestReclaimKey_RoundTrip(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	key, _ := crypto.GenerateKey()

	if err := v.PutReclaimKey(ctx, "v-1", voucher.TokenB, key); err != nil {
		t.Fatalf("PutReclaimKey: %v", err)
	}
	got, err := v.ReclaimKey(ctx, "v-1")
	if err != nil {
		t.Fatalf("ReclaimKey: %v", err)
	}
	if crypto.PubkeyToAddress(got.Key.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("reclaimed key does not match stored key")
	}
	if got.Token != voucher.TokenB {
		t.Errorf("token: got %s want B", got.Token)
	}

	if err := v.DeleteReclaimKey(ctx, "v-1"); err != nil {
		t.Fatalf("DeleteReclaimKey: %v", err)
	}
	if _, err := v.ReclaimKey(ctx, "v-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestReclaimKey_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.db")
	ctx := context.Background()
	v, err := Open(path, "right", WithLightScrypt())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key, _ := crypto.GenerateKey()
	v.PutReclaimKey(ctx, "v-1", voucher.TokenB, key) //nolint:errcheck
	v.Close()                                        //nolint:errcheck

	other, err := Open(path, "wrong", WithLightScrypt())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer other.Close() //nolint:errcheck
	if _, err := other.ReclaimKey(ctx, "v-1"); err == nil {
		t.Fatal("reclaim key decrypted under the wrong passphrase")
	}
}

// ── outbox ────────────────────────────────────────────────────────────────────

func TestOutbox_EnqueueDueAck(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	rec := &voucher.Record{ID: "v-1", Amount: "10", Token: voucher.TokenA, CreatedAt: 1_700_000_000}

	if err := v.Enqueue(ctx, OutboxEntry{VoucherID: "v-1", Op: OpRegister, Record: rec}); err != nil {
		t.Fatalf("Enqueue register: %v", err)
	}
	if err := v.Enqueue(ctx, OutboxEntry{VoucherID: "v-1", Op: OpClaim, Claimant: "0xabc", At: 1_700_000_100}); err != nil {
		t.Fatalf("Enqueue claim: %v", err)
	}

	due, err := v.Due(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due entries, got %d", len(due))
	}
	if due[0].Op != OpRegister || due[0].Record == nil || due[0].Record.Amount != "10" {
		t.Errorf("first entry: %+v", due[0])
	}
	if due[1].Op != OpClaim || due[1].Claimant != "0xabc" || due[1].At != 1_700_000_100 {
		t.Errorf("second entry: %+v", due[1])
	}

	if err := v.Ack(ctx, due[0].Seq); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	n, _ := v.Pending(ctx)
	if n != 1 {
		t.Errorf("pending after ack: got %d want 1", n)
	}
}

func TestOutbox_FailBacksOff(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	v.Enqueue(ctx, OutboxEntry{VoucherID: "v-1", Op: OpCancel, At: 1}) //nolint:errcheck

	now := time.Now()
	due, _ := v.Due(ctx, now, 10)
	if err := v.Fail(ctx, due[0], now, errors.New("redis down")); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if again, _ := v.Due(ctx, now, 10); len(again) != 0 {
		t.Fatalf("entry due again immediately after failure: %+v", again)
	}
	later, _ := v.Due(ctx, now.Add(Backoff(1)), 10)
	if len(later) != 1 {
		t.Fatalf("entry not due after backoff")
	}
	if later[0].Attempts != 1 || later[0].LastError != "redis down" {
		t.Errorf("got %+v", later[0])
	}
}

func TestOutbox_DueLimit(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v.Enqueue(ctx, OutboxEntry{VoucherID: "v", Op: OpDelete}) //nolint:errcheck
	}
	due, _ := v.Due(ctx, time.Now(), 3)
	if len(due) != 3 {
		t.Fatalf("limit ignored: got %d", len(due))
	}
}

func TestBackoff(t *testing.T) {
	cases := map[int]time.Duration{
		0:  0,
		1:  5 * time.Second,
		2:  10 * time.Second,
		4:  40 * time.Second,
		20: 10 * time.Minute,
	}
	for attempts, want := range cases {
		if got := Backoff(attempts); got != want {
			t.Errorf("Backoff(%d): got %s want %s", attempts, got, want)
		}
	}
}

// ── hidden listings ───────────────────────────────────────────────────────────

func TestHide(t *testing.T) {
	v := openTestVault(t)
	ctx := context.Background()

	if err := v.Hide(ctx, "v-1"); err != nil {
		t.Fatalf("Hide: %v", err)
	}
	if err := v.Hide(ctx, "v-1"); err != nil {
		t.Fatalf("Hide again: %v", err)
	}
	set, err := v.HiddenSet(ctx)
	if err != nil {
		t.Fatalf("HiddenSet: %v", err)
	}
	if len(set) != 1 || !set["v-1"] {
		t.Fatalf("got %v", set)
	}
}
