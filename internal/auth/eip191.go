package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrMalformedRequest = errors.New("invalid signed message JSON")
	ErrMissingNonce     = errors.New("missing nonce")
	ErrMissingAction    = errors.New("missing action")
)

// SignedRequest is the JSON payload inside X-Signed-Message (fields sorted).
// Action names the operation ("create", "list", "cancel", "remove") and
// ResourceID the voucher it targets, if any.
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

// Covers reports whether the request was signed for action on resourceID.
// Routes without a voucher id pass "".
func (r SignedRequest) Covers(action, resourceID string) bool {
	return r.Action == action && r.ResourceID == resourceID
}

// ParseRequest decodes a signed message. The signature is checked
// separately against the raw bytes.
func ParseRequest(msg []byte) (SignedRequest, error) {
	var req SignedRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		return SignedRequest{}, ErrMalformedRequest
	}
	switch {
	case req.Nonce == "":
		return SignedRequest{}, ErrMissingNonce
	case req.Action == "":
		return SignedRequest{}, ErrMissingAction
	}
	return req, nil
}

// SignRequest encodes req and signs the encoding with key. The returned
// bytes are exactly what the server recovers the signer from.
func SignRequest(req SignedRequest, key *ecdsa.PrivateKey) (msg, sig []byte, err error) {
	if req.Payload == nil {
		req.Payload = json.RawMessage(`{}`)
	}
	if msg, err = json.Marshal(req); err != nil {
		return nil, nil, fmt.Errorf("encode signed request: %w", err)
	}
	if sig, err = Sign(msg, key); err != nil {
		return nil, nil, err
	}
	return msg, sig, nil
}

// HashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// Sign produces a personal_sign style signature with V in {27,28}.
func Sign(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(HashMessage(msg), key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V); wallets emit V as 27/28, some
// libraries as 0/1.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	rsv := make([]byte, 65)
	copy(rsv, sig)
	if rsv[64] >= 27 {
		rsv[64] -= 27
	}

	pub, err := crypto.SigToPub(HashMessage(msg), rsv)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
