package voucher

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrEntropyUnavailable = errors.New("entropy source unavailable")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidPayload     = errors.New("invalid voucher payload")
	ErrUnknownToken       = errors.New("unknown token kind")
)

// TokenKind identifies which pegged token a voucher carries.
type TokenKind string

const (
	TokenA TokenKind = "A"
	TokenB TokenKind = "B"
	TokenC TokenKind = "C"
)

// TokenKinds lists every supported kind in a stable order.
var TokenKinds = []TokenKind{TokenA, TokenB, TokenC}

func (k TokenKind) Valid() bool {
	switch k {
	case TokenA, TokenB, TokenC:
		return true
	}
	return false
}

// ParseTokenKind accepts "A", "a", "peg-asset-a" and similar spellings.
func ParseTokenKind(s string) (TokenKind, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "PEG-ASSET-")
	k := TokenKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownToken, s)
	}
	return k, nil
}

// Secret is the bearer credential. Whoever holds the decrypted key controls
// the funds parked at Address.
type Secret struct {
	Key     *ecdsa.PrivateKey
	Address common.Address
}

type secretJSON struct {
	PrivateKey    hexutil.Bytes  `json:"private_key"`
	PublicAddress common.Address `json:"public_address"`
}

func (s Secret) MarshalJSON() ([]byte, error) {
	if s.Key == nil {
		return nil, fmt.Errorf("%w: missing bearer key", ErrInvalidPayload)
	}
	return json.Marshal(secretJSON{
		PrivateKey:    crypto.FromECDSA(s.Key),
		PublicAddress: s.Address,
	})
}

// UnmarshalJSON rejects a secret whose address does not match its key.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var raw secretJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	defer wipeBytes(raw.PrivateKey)
	key, err := crypto.ToECDSA(raw.PrivateKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if addr != raw.PublicAddress {
		return fmt.Errorf("%w: bearer address mismatch", ErrInvalidPayload)
	}
	s.Key = key
	s.Address = addr
	return nil
}

// PrivateKeyHex returns the bearer key for import into wallet tooling.
func (s *Secret) PrivateKeyHex() string {
	if s == nil || s.Key == nil {
		return ""
	}
	b := crypto.FromECDSA(s.Key)
	defer wipeBytes(b)
	return hexutil.Encode(b)
}

// Wipe zeroes the private scalar. The secret is unusable afterwards.
func (s *Secret) Wipe() {
	if s == nil || s.Key == nil {
		return
	}
	if s.Key.D != nil {
		s.Key.D.SetInt64(0)
	}
	s.Key = nil
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Payload is the plaintext sealed inside a voucher link. It only exists in
// memory on the creating and redeeming side.
type Payload struct {
	ID        string         `json:"id,omitempty"`
	Secret    Secret         `json:"secret"`
	Amount    string         `json:"amount"`
	Token     TokenKind      `json:"token"`
	CreatedAt int64          `json:"created_at"`
	ExpiresAt int64          `json:"expires_at,omitempty"`
	Creator   common.Address `json:"creator"`
}

func (p *Payload) Validate() error {
	switch {
	case p.Secret.Key == nil:
		return fmt.Errorf("%w: missing bearer key", ErrInvalidPayload)
	case strings.TrimSpace(p.Amount) == "":
		return fmt.Errorf("%w: missing amount", ErrInvalidPayload)
	case !p.Token.Valid():
		return fmt.Errorf("%w: token %q", ErrInvalidPayload, p.Token)
	case p.CreatedAt <= 0:
		return fmt.Errorf("%w: missing created_at", ErrInvalidPayload)
	case p.ExpiresAt != 0 && p.ExpiresAt <= p.CreatedAt:
		return fmt.Errorf("%w: expires_at must be after created_at", ErrInvalidPayload)
	}
	return nil
}

// Expired reports whether the advisory expiry has passed. A voucher expiring
// exactly at now counts as expired.
func (p *Payload) Expired(now time.Time) bool {
	return p.ExpiresAt != 0 && now.Unix() >= p.ExpiresAt
}

// VoucherID returns the index id, falling back to the bearer address for
// payloads issued without one.
func (p *Payload) VoucherID() string {
	if p.ID != "" {
		return p.ID
	}
	return strings.ToLower(p.Secret.Address.Hex())
}

// Envelope versions. Version 0 is the legacy CBC layout, which has no
// version field on the wire.
const (
	VersionLegacyCBC = 0
	VersionGCM       = 1
)

// EncryptedVoucher is the only voucher representation that leaves the client.
type EncryptedVoucher struct {
	Version    int    `json:"v,omitempty"`
	Ciphertext string `json:"ciphertext"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
}

// Record is the off-chain index entry for a voucher. It is bookkeeping only:
// whether a voucher can still be redeemed is decided by the bearer balance.
type Record struct {
	ID          string    `json:"id"`
	Amount      string    `json:"amount"`
	Token       TokenKind `json:"token"`
	Creator     string    `json:"creator"`
	Bearer      string    `json:"bearer"`
	CreatedAt   int64     `json:"created_at"`
	ExpiresAt   int64     `json:"expires_at,omitempty"`
	Claimed     bool      `json:"claimed"`
	ClaimedBy   string    `json:"claimed_by,omitempty"`
	ClaimedAt   int64     `json:"claimed_at,omitempty"`
	Cancelled   bool      `json:"cancelled"`
	CancelledAt int64     `json:"cancelled_at,omitempty"`
}

// Open reports whether the record is neither claimed nor cancelled.
func (r *Record) Open() bool { return !r.Claimed && !r.Cancelled }

// ClaimantUnknown marks a record reconciled from a drained bearer balance.
const ClaimantUnknown = "unknown"

// Redis key templates
const (
	RecordKeyFmt    = "voucher:record:%s"     // %s = voucher id
	OwnerKeyFmt     = "voucher:owner:%s"      // %s = creator address (lowercase)
	AuthNonceKeyFmt = "voucher:auth:nonce:%s" // %s = request nonce
)
