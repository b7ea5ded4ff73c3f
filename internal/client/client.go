// Package client is a Go client for the voucherd HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/0gfoundation/0g-voucher/internal/api"
	"github.com/0gfoundation/0g-voucher/internal/auth"
	"github.com/0gfoundation/0g-voucher/internal/index"
	"github.com/0gfoundation/0g-voucher/internal/lifecycle"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

const signatureTTL = 2 * time.Minute

// Error is a non-2xx reply from voucherd.
type Error struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
	Detail  string `json:"detail"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("voucherd %d: %s", e.Status, e.Message)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Client talks to voucherd. key signs the creator routes and may be nil
// for a redeemer.
type Client struct {
	baseURL string
	key     *ecdsa.PrivateKey
	http    *http.Client
}

func New(baseURL string, key *ecdsa.PrivateKey) *Client {
	return &Client{
		baseURL: baseURL,
		key:     key,
		http:    &http.Client{Timeout: 3 * time.Minute},
	}
}

// do sends body as JSON and decodes a 2xx reply into out. A non-empty
// action signs the request for that action and voucher id.
func (c *Client) do(ctx context.Context, method, path string, body any, action, id string, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if action != "" {
		if c.key == nil {
			return fmt.Errorf("%s requires a creator key", action)
		}
		hdrs, err := auth.Headers(c.key, action, id, nil, signatureTTL)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{Status: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr) //nolint:errcheck
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type CreateParams struct {
	Amount       string `json:"amount"`
	Token        string `json:"token"`
	Password     string `json:"password"`
	IncludeGas   bool   `json:"include_gas"`
	ExpiresInSec int64  `json:"expires_in_sec,omitempty"`
	NoExpiry     bool   `json:"no_expiry,omitempty"`
}

func (c *Client) Create(ctx context.Context, p CreateParams) (*lifecycle.CreateResult, error) {
	var out lifecycle.CreateResult
	return &out, c.do(ctx, http.MethodPost, "/api/vouchers", p, api.ActionCreate, "", &out)
}

func (c *Client) List(ctx context.Context) ([]voucher.Record, error) {
	var out []voucher.Record
	return out, c.do(ctx, http.MethodGet, "/api/vouchers", nil, api.ActionList, "", &out)
}

func (c *Client) Cancel(ctx context.Context, id string) (*lifecycle.CancelResult, error) {
	var out lifecycle.CancelResult
	return &out, c.do(ctx, http.MethodPost, "/api/vouchers/"+url.PathEscape(id)+"/cancel", nil, api.ActionCancel, id, &out)
}

// RemoveListing always sends confirm=true; asking the user is the caller's job.
func (c *Client) RemoveListing(ctx context.Context, id string) (*lifecycle.RemoveResult, error) {
	var out lifecycle.RemoveResult
	return &out, c.do(ctx, http.MethodDelete, "/api/vouchers/"+url.PathEscape(id)+"?confirm=true", nil, api.ActionRemove, id, &out)
}

type RedeemParams struct {
	Link     string `json:"link"`
	Password string `json:"password"`
	Claimant string `json:"claimant,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// Redeem asks a hosted redeemer to redeem on the caller's behalf. The
// password leaves this process; prefer redeeming locally with a
// lifecycle.Controller and reporting through ClaimIndex.
func (c *Client) Redeem(ctx context.Context, p RedeemParams) (*lifecycle.RedeemResult, error) {
	var out lifecycle.RedeemResult
	return &out, c.do(ctx, http.MethodPost, "/api/redeem", p, "", "", &out)
}

// Inspect is Redeem's hosted counterpart for inspection.
func (c *Client) Inspect(ctx context.Context, link, password string) (*lifecycle.Inspection, error) {
	var out lifecycle.Inspection
	body := map[string]string{"link": link, "password": password}
	return &out, c.do(ctx, http.MethodPost, "/api/inspect", body, "", "", &out)
}

// ConfirmClaim reports that voucher id was redeemed to claimant. voucherd
// checks the ledger before updating the listing.
func (c *Client) ConfirmClaim(ctx context.Context, id, claimant string) error {
	body := map[string]string{"claimant": claimant}
	return c.do(ctx, http.MethodPost, "/api/claims/"+url.PathEscape(id), body, "", "", nil)
}

func (c *Client) BaseURL() string { return c.baseURL }

// ── claim reporting index ─────────────────────────────────────────────────────

// ErrReportOnly is returned for index writes a redeemer may not make.
var ErrReportOnly = errors.New("voucherd only accepts claim reports from a redeemer")

// ClaimIndex is the lifecycle.Index of a local redeemer. A successful
// direct redeem is reported to voucherd; every other write is refused.
type ClaimIndex struct {
	c *Client
}

func (c *Client) ClaimIndex() *ClaimIndex { return &ClaimIndex{c: c} }

func (x *ClaimIndex) MarkClaimed(ctx context.Context, id, claimant string, _ int64) error {
	err := x.c.ConfirmClaim(ctx, id, claimant)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return fmt.Errorf("%w: %s", index.ErrNotFound, id)
	}
	return err
}

func (x *ClaimIndex) Register(context.Context, voucher.Record) error { return ErrReportOnly }
func (x *ClaimIndex) MarkCancelled(context.Context, string, int64) error { return ErrReportOnly }
func (x *ClaimIndex) Delete(context.Context, string) error { return ErrReportOnly }
