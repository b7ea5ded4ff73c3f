package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-voucher/internal/api"
	"github.com/0gfoundation/0g-voucher/internal/auth"
	"github.com/0gfoundation/0g-voucher/internal/chain"
	"github.com/0gfoundation/0g-voucher/internal/config"
	"github.com/0gfoundation/0g-voucher/internal/index"
	"github.com/0gfoundation/0g-voucher/internal/reconcile"
	"github.com/0gfoundation/0g-voucher/internal/vault"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis (voucher index + auth nonces) ───────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	idx := index.New(rdb)

	// ── Chain client (pegged tokens + native gas) ─────────────────────────────
	ledger, err := chain.NewClient(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	creatorKey, err := cfg.Chain.CreatorKey()
	if err != nil {
		log.Fatal("creator key", zap.Error(err))
	}

	// ── Vault (reclaim keys, index outbox, hidden listings) ───────────────────
	v, err := vault.Open(cfg.Vault.Path, cfg.Vault.Passphrase)
	if err != nil {
		log.Fatal("vault open failed", zap.String("path", cfg.Vault.Path), zap.Error(err))
	}
	defer v.Close() //nolint:errcheck

	// ── Lifecycle controller ──────────────────────────────────────────────────
	ctrl, err := newController(cfg, ledger, idx, v, creatorKey, log)
	if err != nil {
		log.Fatal("controller init failed", zap.Error(err))
	}
	log.Info("voucher creator", zap.String("address", ctrl.Creator().Hex()))

	// ── Goroutines ────────────────────────────────────────────────────────────
	rec := reconcile.New(idx, v, ledger, ctrl.Creator(), reconcile.Config{
		Interval:  time.Duration(cfg.Reconcile.IntervalSec) * time.Second,
		BatchSize: cfg.Reconcile.BatchSize,
	}, log)
	go rec.Run(ctx)

	// ── HTTP server ───────────────────────────────────────────────────────────
	h := api.NewHandler(ctrl, idx, v, log, handlerOptions(cfg, rec)...)
	if cfg.Voucher.HostedRedeem {
		log.Warn("hosted redeem enabled: voucher passwords are sent to this server")
	}
	r := newRouter(h, auth.Middleware(rdb, log), idx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
