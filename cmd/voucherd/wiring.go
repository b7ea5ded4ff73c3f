package main

import (
	"context"
	"crypto/ecdsa"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/api"
	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/lifecycle"
)

// Pinger reports whether the index backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func newController(cfg *config.Config, ledger lifecycle.Ledger, idx lifecycle.Index, v lifecycle.Vault, creatorKey *ecdsa.PrivateKey, log *zap.Logger) (*lifecycle.Controller, error) {
	topUp, err := cfg.Chain.GasTopUp()
	if err != nil {
		return nil, err
	}
	return lifecycle.New(ledger, idx, v, creatorKey, lifecycle.Config{
		BaseURL:     cfg.Voucher.BaseURL,
		DefaultTTL:  time.Duration(cfg.Voucher.DefaultTTLSec) * time.Second,
		GasTopUp:    topUp,
		MonitorPoll: time.Duration(cfg.Reconcile.MonitorPollMs) * time.Millisecond,
		MonitorMax:  time.Duration(cfg.Reconcile.MonitorMaxSec) * time.Second,
	}, log), nil
}

// handlerOptions turns on the claim report route and, when configured, the
// hosted redeemer.
func handlerOptions(cfg *config.Config, claims api.Claims) []api.Option {
	opts := []api.Option{api.WithClaims(claims)}
	if cfg.Voucher.HostedRedeem {
		opts = append(opts, api.WithHostedRedeem())
	}
	return opts
}

// newRouter mounts /healthz and the voucher API.
func newRouter(h *api.Handler, authMiddleware gin.HandlerFunc, index Pinger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		if err := index.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "index unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	h.Register(r.Group("/api"), authMiddleware)
	return r
}
