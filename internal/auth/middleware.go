// Package auth authenticates creator requests with EIP-191 wallet signatures.
package auth

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"

	ctxWallet  = "wallet_address"
	ctxRequest = "signed_request"
)

const maxFutureWindow = 5 * time.Minute

// Middleware returns a Gin handler that validates EIP-191 wallet signatures.
// Each nonce is accepted once for the lifetime of its request.
func Middleware(rdb *redis.Client, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		walletAddr := c.GetHeader(HeaderWallet)
		signedMsgB64 := c.GetHeader(HeaderMessage)
		sigHex := c.GetHeader(HeaderSignature)

		if walletAddr == "" || signedMsgB64 == "" || sigHex == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing auth headers"})
			return
		}
		if !common.IsHexAddress(walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid wallet address"})
			return
		}

		msgBytes, err := base64.StdEncoding.DecodeString(signedMsgB64)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid X-Signed-Message encoding"})
			return
		}

		req, err := ParseRequest(msgBytes)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		now := time.Now().Unix()
		if req.ExpiresAt <= now {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "request expired"})
			return
		}
		if req.ExpiresAt > now+int64(maxFutureWindow.Seconds()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "expires_at too far in future"})
			return
		}

		sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature hex"})
			return
		}
		recovered, err := Recover(msgBytes, sig)
		if err != nil || recovered != common.HexToAddress(walletAddr) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
			return
		}

		nonceKey := fmt.Sprintf(voucher.AuthNonceKeyFmt, req.Nonce)
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		set, err := rdb.SetNX(c.Request.Context(), nonceKey, 1, ttl).Result()
		if err != nil {
			log.Error("auth: nonce store", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !set {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "nonce already used"})
			return
		}

		c.Set(ctxWallet, recovered)
		c.Set(ctxRequest, req)
		c.Next()
	}
}

// Wallet returns the authenticated signer, or the zero address when the
// request did not pass through Middleware.
func Wallet(c *gin.Context) common.Address {
	v, _ := c.Get(ctxWallet)
	addr, _ := v.(common.Address)
	return addr
}

// Request returns the verified signed message.
func Request(c *gin.Context) (SignedRequest, bool) {
	v, ok := c.Get(ctxRequest)
	if !ok {
		return SignedRequest{}, false
	}
	req, ok := v.(SignedRequest)
	return req, ok
}

// Headers signs a request for action on resourceID and returns the three
// auth headers. Used by clients of the HTTP API.
func Headers(key *ecdsa.PrivateKey, action, resourceID string, payload any, ttl time.Duration) (map[string]string, error) {
	req := SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(ttl).Unix(),
		Nonce:      uuid.NewString(),
		ResourceID: resourceID,
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = b
	}
	msg, sig, err := SignRequest(req, key)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		HeaderWallet:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		HeaderMessage:   base64.StdEncoding.EncodeToString(msg),
		HeaderSignature: "0x" + hex.EncodeToString(sig),
	}, nil
}
