package voucher

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
)

// maxKeyAttempts bounds retries for the (astronomically rare) seed that is
// zero or not below the curve order.
const maxKeyAttempts = 8

// GenerateWallet creates a fresh bearer keypair, unrelated to any other key.
func GenerateWallet() (*Secret, error) {
	return generateWallet(rand.Reader)
}

func generateWallet(r io.Reader) (*Secret, error) {
	seed := make([]byte, 32)
	defer wipeBytes(seed)

	var lastErr error
	for i := 0; i < maxKeyAttempts; i++ {
		if _, err := io.ReadFull(r, seed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
		}
		key, err := crypto.ToECDSA(seed)
		if err != nil {
			lastErr = err
			continue
		}
		return &Secret{Key: key, Address: crypto.PubkeyToAddress(key.PublicKey)}, nil
	}
	return nil, fmt.Errorf("%w: no valid scalar after %d attempts: %v", ErrEntropyUnavailable, maxKeyAttempts, lastErr)
}
