package voucher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	KDFIterations = 10000
	KeyLen        = 32 // AES-256
	SaltLen       = 16
	gcmNonceLen   = 12
)

// DeriveKey stretches a password into a 256-bit key with PBKDF2-HMAC-SHA256.
// Passwords are NFC-normalised first so visually identical input typed on
// different platforms derives the same key.
func DeriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(norm.NFC.String(password)), salt, KDFIterations, KeyLen, sha256.New)
}

// Encrypt seals the payload under password with a fresh salt and nonce.
func Encrypt(p *Payload, password string) (*EncryptedVoucher, error) {
	return encrypt(rand.Reader, p, password)
}

func encrypt(r io.Reader, p *Payload, password string) (*EncryptedVoucher, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	plain, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	defer wipeBytes(plain)

	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(r, salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrEntropyUnavailable, err)
	}
	nonce := make([]byte, gcmNonceLen)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrEntropyUnavailable, err)
	}

	key := DeriveKey(password, salt)
	defer wipeBytes(key)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	sealed := gcm.Seal(nil, nonce, plain, nil)

	return &EncryptedVoucher{
		Version:    VersionGCM,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Salt:       hex.EncodeToString(salt),
		IV:         hex.EncodeToString(nonce),
	}, nil
}

// Decrypt opens an envelope with password. Every failure (wrong password,
// tampered ciphertext, malformed plaintext) yields ok == false with no detail,
// so callers cannot use it as a password oracle.
func Decrypt(e *EncryptedVoucher, password string) (*Payload, bool) {
	if e == nil {
		return nil, false
	}
	salt, err := hex.DecodeString(e.Salt)
	if err != nil || len(salt) == 0 {
		return nil, false
	}
	iv, err := hex.DecodeString(e.IV)
	if err != nil {
		return nil, false
	}
	sealed, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, false
	}

	key := DeriveKey(password, salt)
	defer wipeBytes(key)

	var plain []byte
	switch e.Version {
	case VersionGCM:
		plain, err = openGCM(key, iv, sealed)
	case VersionLegacyCBC:
		plain, err = openCBC(key, iv, sealed)
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	defer wipeBytes(plain)

	var p Payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, false
	}
	if err := p.Validate(); err != nil {
		p.Secret.Wipe()
		return nil, false
	}
	return &p, true
}

func openGCM(key, nonce, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(nonce))
	}
	return gcm.Open(nil, nonce, sealed, nil)
}

// openCBC decrypts legacy AES-256-CBC/PKCS7 envelopes. CBC carries no MAC;
// corruption is only caught if padding or JSON parsing fails afterwards.
func openCBC(key, iv, sealed []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("bad iv length %d", len(iv))
	}
	if len(sealed) == 0 || len(sealed)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext is not a whole number of blocks")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(sealed))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, sealed)
	return pkcs7Unpad(plain)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("bad padding")
	}
	if !bytes.Equal(b[len(b)-n:], bytes.Repeat([]byte{byte(n)}, n)) {
		return nil, fmt.Errorf("bad padding")
	}
	return b[:len(b)-n], nil
}
