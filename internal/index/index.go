// Package index is the off-chain voucher listing kept in Redis. It is a read
// optimisation: redeemability is always decided by the bearer balance on chain.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

var ErrNotFound = errors.New("voucher record not found")

// claimScript marks a record claimed unless it was cancelled or a named
// claimant is already recorded. A reconciled "unknown" claimant may be
// replaced by the real one.
// Returns -1 if the record is missing, 0 if left unchanged, 1 if written.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'cancelled') == '1' then return 0 end
if redis.call('HGET', KEYS[1], 'claimed') == '1' then
  local by = redis.call('HGET', KEYS[1], 'claimed_by')
  if by ~= ARGV[3] then return 0 end
end
redis.call('HSET', KEYS[1], 'claimed', '1', 'claimed_by', ARGV[1], 'claimed_at', ARGV[2])
return 1
`)

var cancelScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'cancelled') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'cancelled', '1', 'cancelled_at', ARGV[1])
return 1
`)

type RedisIndex struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *RedisIndex {
	return &RedisIndex{rdb: rdb}
}

// Ping checks the backing Redis is reachable.
func (x *RedisIndex) Ping(ctx context.Context) error { return x.rdb.Ping(ctx).Err() }

func recordKey(id string) string { return fmt.Sprintf(voucher.RecordKeyFmt, id) }

func ownerKey(owner string) string { return fmt.Sprintf(voucher.OwnerKeyFmt, strings.ToLower(owner)) }

// Register stores the static fields of r and adds it to the creator's
// listing. Replaying a registration never resets claim or cancel state.
func (x *RedisIndex) Register(ctx context.Context, r voucher.Record) error {
	_, err := x.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, recordKey(r.ID),
			"id", r.ID,
			"amount", r.Amount,
			"token", string(r.Token),
			"creator", strings.ToLower(r.Creator),
			"bearer", strings.ToLower(r.Bearer),
			"created_at", r.CreatedAt,
			"expires_at", r.ExpiresAt,
		)
		pipe.SAdd(ctx, ownerKey(r.Creator), r.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", r.ID, err)
	}
	return nil
}

func (x *RedisIndex) Get(ctx context.Context, id string) (*voucher.Record, error) {
	vals, err := x.rdb.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return recordFromMap(vals), nil
}

// List returns the creator's records, newest first. Ids whose record has
// been deleted are pruned from the listing on the way.
func (x *RedisIndex) List(ctx context.Context, owner string) ([]voucher.Record, error) {
	ids, err := x.rdb.SMembers(ctx, ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", owner, err)
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = x.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", owner, err)
	}

	records := make([]voucher.Record, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		records = append(records, *recordFromMap(vals))
	}
	if len(stale) > 0 {
		x.rdb.SRem(ctx, ownerKey(owner), stale...) //nolint:errcheck
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt > records[j].CreatedAt
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// MarkClaimed is idempotent: a second claim by a known claimant is a no-op.
func (x *RedisIndex) MarkClaimed(ctx context.Context, id, claimant string, at int64) error {
	res, err := claimScript.Run(ctx, x.rdb, []string{recordKey(id)},
		strings.ToLower(claimant), at, voucher.ClaimantUnknown).Int()
	if err != nil {
		return fmt.Errorf("mark claimed %s: %w", id, err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (x *RedisIndex) MarkCancelled(ctx context.Context, id string, at int64) error {
	res, err := cancelScript.Run(ctx, x.rdb, []string{recordKey(id)}, at).Int()
	if err != nil {
		return fmt.Errorf("mark cancelled %s: %w", id, err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes the listing entry only; on-chain funds are untouched.
func (x *RedisIndex) Delete(ctx context.Context, id string) error {
	r, err := x.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = x.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(id))
		pipe.SRem(ctx, ownerKey(r.Creator), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func recordFromMap(m map[string]string) *voucher.Record {
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	expiresAt, _ := strconv.ParseInt(m["expires_at"], 10, 64)
	claimedAt, _ := strconv.ParseInt(m["claimed_at"], 10, 64)
	cancelledAt, _ := strconv.ParseInt(m["cancelled_at"], 10, 64)
	return &voucher.Record{
		ID:          m["id"],
		Amount:      m["amount"],
		Token:       voucher.TokenKind(m["token"]),
		Creator:     m["creator"],
		Bearer:      m["bearer"],
		CreatedAt:   createdAt,
		ExpiresAt:   expiresAt,
		Claimed:     m["claimed"] == "1",
		ClaimedBy:   m["claimed_by"],
		ClaimedAt:   claimedAt,
		Cancelled:   m["cancelled"] == "1",
		CancelledAt: cancelledAt,
	}
}
