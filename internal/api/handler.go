// Package api exposes the voucher lifecycle over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/auth"
	"github.com/0gfoundation/0g-voucher/internal/index"
	"github.com/0gfoundation/0g-voucher/internal/lifecycle"
	"github.com/0gfoundation/0g-voucher/internal/reconcile"
	"github.com/0gfoundation/0g-voucher/internal/voucher"
)

// Signed actions. The X-Signed-Message of an authenticated call must name
// the action of the route it is sent to.
const (
	ActionCreate = "create"
	ActionList   = "list"
	ActionCancel = "cancel"
	ActionRemove = "remove"
)

// Lifecycle is satisfied by *lifecycle.Controller.
type Lifecycle interface {
	Creator() common.Address
	Create(ctx context.Context, req lifecycle.CreateRequest) (*lifecycle.CreateResult, error)
	Inspect(ctx context.Context, link, password string) (*lifecycle.Inspection, error)
	Redeem(ctx context.Context, req lifecycle.RedeemRequest) (*lifecycle.RedeemResult, error)
	Cancel(ctx context.Context, id string, caller common.Address) (*lifecycle.CancelResult, error)
	RemoveListing(ctx context.Context, id string, caller common.Address, confirm bool) (*lifecycle.RemoveResult, error)
}

type Listings interface {
	List(ctx context.Context, owner string) ([]voucher.Record, error)
}

// Hidden reports locally removed listings. *vault.Vault implements it.
type Hidden interface {
	HiddenSet(ctx context.Context) (map[string]bool, error)
}

// Claims settles listings for redemptions made outside this server.
// *reconcile.Reconciler implements it.
type Claims interface {
	ConfirmClaim(ctx context.Context, id, claimant string) error
}

// Handler wires the voucher routes onto a Gin engine.
type Handler struct {
	vouchers Lifecycle
	listings Listings
	hidden   Hidden
	claims   Claims
	hosted   bool
	log      *zap.Logger
}

type Option func(*Handler)

// WithClaims mounts the claim report route.
func WithClaims(c Claims) Option {
	return func(h *Handler) { h.claims = c }
}

// WithHostedRedeem mounts /redeem and /inspect. Both take the voucher
// password, so the server sees the bearer secret; only direct transfers are
// performed and the key itself is never returned.
func WithHostedRedeem() Option {
	return func(h *Handler) { h.hosted = true }
}

// NewHandler builds a Handler. hidden may be nil when no vault is configured.
func NewHandler(vouchers Lifecycle, listings Listings, hidden Hidden, log *zap.Logger, opts ...Option) *Handler {
	h := &Handler{vouchers: vouchers, listings: listings, hidden: hidden, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the public routes on rg and the creator routes behind
// authMiddleware.
func (h *Handler) Register(rg *gin.RouterGroup, authMiddleware gin.HandlerFunc) {
	// ── Public ─────────────────────────────────────────────────────────────
	if h.hosted {
		rg.POST("/redeem", h.handleRedeem)
		rg.POST("/inspect", h.handleInspect)
	}
	if h.claims != nil {
		rg.POST("/claims/:id", h.handleClaim)
	}

	// ── Creator ────────────────────────────────────────────────────────────
	creator := rg.Group("/vouchers", authMiddleware)
	creator.POST("", h.signed(ActionCreate, h.handleCreate))
	creator.GET("", h.signed(ActionList, h.handleList))
	creator.POST("/:id/cancel", h.signed(ActionCancel, h.handleCancel))
	creator.DELETE("/:id", h.signed(ActionRemove, h.handleRemove))
}

// ── Redeem / Inspect ────────────────────────────────────────────────────────

type openRequest struct {
	Token    string `json:"token"`
	Link     string `json:"link"`
	Password string `json:"password"`
}

// link prefers the full link and falls back to the bare token.
func (r openRequest) link() string {
	if r.Link != "" {
		return r.Link
	}
	return r.Token
}

type redeemRequest struct {
	openRequest
	Claimant string `json:"claimant"`
	Strategy string `json:"strategy"`
}

func (h *Handler) handleRedeem(c *gin.Context) {
	var body redeemRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	strategy, err := lifecycle.ParseStrategy(body.Strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch strategy {
	case lifecycle.StrategyImport:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "key import is only available to a local redeemer",
			"code":  "strategy_not_hosted",
		})
		return
	case lifecycle.StrategyAuto:
		strategy = lifecycle.StrategyDirect
	}
	res, err := h.vouchers.Redeem(c.Request.Context(), lifecycle.RedeemRequest{
		Link:     body.link(),
		Password: body.Password,
		Claimant: body.Claimant,
		Strategy: strategy,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleInspect(c *gin.Context) {
	var body openRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.vouchers.Inspect(c.Request.Context(), body.link(), body.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ── Claim reports ───────────────────────────────────────────────────────────

type claimRequest struct {
	Claimant string `json:"claimant"`
}

// handleClaim takes a redeemer's word that a voucher was drained. The
// listing only changes if the ledger agrees.
func (h *Handler) handleClaim(c *gin.Context) {
	var body claimRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !common.IsHexAddress(body.Claimant) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "claimant is not an address"})
		return
	}
	id := c.Param("id")
	err := h.claims.ConfirmClaim(c.Request.Context(), id, body.Claimant)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"id": id, "claimed": true})
	case errors.Is(err, index.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "voucher not found", "code": "not_found"})
	case errors.Is(err, reconcile.ErrNotDrained):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "not_drained"})
	default:
		h.log.Warn("confirm claim", zap.String("voucher", id), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "claim could not be confirmed"})
	}
}

// ── Create ──────────────────────────────────────────────────────────────────

type createRequest struct {
	Amount       string `json:"amount"`
	Token        string `json:"token"`
	Password     string `json:"password"`
	IncludeGas   bool   `json:"include_gas"`
	ExpiresInSec int64  `json:"expires_in_sec"`
	NoExpiry     bool   `json:"no_expiry"`
}

func (h *Handler) handleCreate(c *gin.Context) {
	if auth.Wallet(c) != h.vouchers.Creator() {
		c.JSON(http.StatusForbidden, gin.H{"error": "wallet is not the configured creator"})
		return
	}
	var body createRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	kind, err := voucher.ParseTokenKind(body.Token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": CodeOf(lifecycle.KindInvalidToken)})
		return
	}
	if body.ExpiresInSec < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expires_in_sec must not be negative"})
		return
	}
	res, err := h.vouchers.Create(c.Request.Context(), lifecycle.CreateRequest{
		Amount:     body.Amount,
		Token:      kind,
		Password:   body.Password,
		IncludeGas: body.IncludeGas,
		ExpiresIn:  time.Duration(body.ExpiresInSec) * time.Second,
		NoExpiry:   body.NoExpiry,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// ── List ────────────────────────────────────────────────────────────────────

func (h *Handler) handleList(c *gin.Context) {
	ctx := c.Request.Context()
	owner := strings.ToLower(auth.Wallet(c).Hex())
	records, err := h.listings.List(ctx, owner)
	if err != nil {
		h.log.Error("list vouchers", zap.String("owner", owner), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "voucher index unavailable"})
		return
	}
	hidden := map[string]bool{}
	if h.hidden != nil {
		if hidden, err = h.hidden.HiddenSet(ctx); err != nil {
			h.log.Error("list hidden vouchers", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}
	out := make([]voucher.Record, 0, len(records))
	for _, r := range records {
		if !hidden[r.ID] {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	c.JSON(http.StatusOK, out)
}

// ── Cancel / Remove ─────────────────────────────────────────────────────────

func (h *Handler) handleCancel(c *gin.Context) {
	res, err := h.vouchers.Cancel(c.Request.Context(), c.Param("id"), auth.Wallet(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) handleRemove(c *gin.Context) {
	confirm := c.Query("confirm") == "true"
	res, err := h.vouchers.RemoveListing(c.Request.Context(), c.Param("id"), auth.Wallet(c), confirm)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// signed rejects an authenticated request whose signed message was issued
// for another action or voucher.
func (h *Handler) signed(action string, next gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, ok := auth.Request(c)
		if !ok || !req.Covers(action, c.Param("id")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "signature does not cover this request"})
			return
		}
		next(c)
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	var lerr *lifecycle.Error
	if !errors.As(err, &lerr) {
		h.log.Error("unclassified error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	status := StatusOf(lerr.Kind)
	body := gin.H{"error": lerr.Kind.String(), "code": CodeOf(lerr.Kind)}
	switch {
	case status == http.StatusBadGateway:
		h.log.Warn("ledger error", zap.String("path", c.FullPath()), zap.Error(err))
	case status >= http.StatusInternalServerError:
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	case lerr.Err != nil && lerr.Kind != lifecycle.KindWrongPasswordOrCorruptLink:
		body["detail"] = lerr.Err.Error()
	}
	c.JSON(status, body)
}
