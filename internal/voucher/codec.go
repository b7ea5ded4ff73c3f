package voucher

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
)

// RedeemRoute is the client-side route a voucher link opens.
const RedeemRoute = "redeem"

var errEmptyBaseURL = errors.New("empty base url")

// EncodeToken serialises an envelope into a URL-safe token.
func EncodeToken(e *EncryptedVoucher) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// EncodeLink builds <baseURL>/#/redeem/<token>.
func EncodeLink(e *EncryptedVoucher, baseURL string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return "", errEmptyBaseURL
	}
	token, err := EncodeToken(e)
	if err != nil {
		return "", err
	}
	return base + "/#/" + RedeemRoute + "/" + token, nil
}

// DecodeLink accepts either a full voucher link or a bare token. Malformed
// input (truncated copy-paste, stale format) is reported through ok == false.
func DecodeLink(link string) (*EncryptedVoucher, bool) {
	link = strings.TrimSpace(link)
	if i := strings.Index(link, "/"+RedeemRoute+"/"); i >= 0 {
		link = link[i+len(RedeemRoute)+2:]
	}
	link = strings.TrimRight(link, "/")
	return DecodeToken(link)
}

// DecodeToken reverses EncodeToken. Padded and standard-alphabet base64 are
// also accepted because links pass through chat clients that rewrite them.
func DecodeToken(token string) (*EncryptedVoucher, bool) {
	if token == "" {
		return nil, false
	}
	if unescaped, err := url.PathUnescape(token); err == nil {
		token = unescaped
	}
	var raw []byte
	for _, enc := range []*base64.Encoding{
		base64.RawURLEncoding,
		base64.URLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	} {
		b, err := enc.DecodeString(token)
		if err == nil {
			raw = b
			break
		}
	}
	if raw == nil {
		return nil, false
	}

	var e EncryptedVoucher
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false
	}
	if e.Ciphertext == "" || e.Salt == "" || e.IV == "" {
		return nil, false
	}
	if e.Version != VersionLegacyCBC && e.Version != VersionGCM {
		return nil, false
	}
	return &e, true
}
