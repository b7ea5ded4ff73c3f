package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

var (
	ErrMonitorTimeout = errors.New("balance monitor timed out")
	ErrMonitorWindow  = errors.New("balance monitor needs a positive poll interval and maximum duration")
)

// BalanceReader reads one balance. Errors are treated as transient while
// monitoring.
type BalanceReader func(ctx context.Context) (*big.Int, error)

// WaitForBalance polls read every poll until it reports at least min, and
// gives up with ErrMonitorTimeout once max has elapsed.
func WaitForBalance(ctx context.Context, read BalanceReader, min *big.Int, poll, max time.Duration) (*big.Int, error) {
	if poll <= 0 || max <= 0 {
		return nil, fmt.Errorf("%w: poll %s, max %s", ErrMonitorWindow, poll, max)
	}
	deadline := time.NewTimer(max)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var lastErr error
	last := new(big.Int)
	for {
		bal, err := read(ctx)
		if err == nil {
			last = bal
			if bal.Cmp(min) >= 0 {
				return bal, nil
			}
		} else {
			lastErr = err
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			if lastErr != nil {
				return last, fmt.Errorf("%w after %s (last read error: %v)", ErrMonitorTimeout, max, lastErr)
			}
			return last, fmt.Errorf("%w after %s: balance %s below %s", ErrMonitorTimeout, max, last, min)
		case <-ctx.Done():
			return last, ctx.Err()
		}
	}
}

func (c *Client) WaitForTokenBalance(ctx context.Context, kind voucher.TokenKind, addr common.Address, min *big.Int, poll, max time.Duration) (*big.Int, error) {
	return WaitForBalance(ctx, func(ctx context.Context) (*big.Int, error) {
		return c.TokenBalance(ctx, kind, addr)
	}, min, poll, max)
}

func (c *Client) WaitForNativeBalance(ctx context.Context, addr common.Address, min *big.Int, poll, max time.Duration) (*big.Int, error) {
	return WaitForBalance(ctx, func(ctx context.Context) (*big.Int, error) {
		return c.NativeBalance(ctx, addr)
	}, min, poll, max)
}
