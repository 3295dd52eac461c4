// Command server is the casino backend's process entrypoint: it wires
// every package under internal/ from a single config.Config, starts the
// outbox bus/tailer, the rates poller, the request-ledger sweeper, and
// every game orchestrator's goroutine, then serves the WebSocket/HTTP
// gateway until signalled to stop.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"casino/internal/admin"
	"casino/internal/affiliate"
	"casino/internal/auth"
	"casino/internal/bonus"
	"casino/internal/cache"
	"casino/internal/chat"
	"casino/internal/config"
	"casino/internal/database"
	"casino/internal/fair"
	"casino/internal/game"
	"casino/internal/gateway"
	"casino/internal/idempotency"
	"casino/internal/lockmgr"
	"casino/internal/money"
	"casino/internal/outbox"
	"casino/internal/promo"
	"casino/internal/provider"
	"casino/internal/rates"
	"casino/internal/wallet"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db := database.New(cfg)
	defer db.Close()
	pool := db.Pool()

	ch := cache.New(cfg)

	locks := lockmgr.New(pool).WithTimings(cfg.LockWait, cfg.LockTTL)
	bus := outbox.NewBus(cfg.OutboxDedupeWindow)
	tailer := outbox.NewTailer(pool, bus, cfg.OutboxPollInterval)
	ledger := idempotency.New(pool)

	w := wallet.New(pool, locks, bus)
	a := auth.NewService(pool, w, cfg.JWTAccessSecret, cfg.JWTRefreshSecret, cfg.AccessTTL, cfg.RefreshTTL, money.Atomic(cfg.ReferralBonusAtomic))
	p := promo.NewService(pool, locks, w)
	f := fair.NewService(db.ReadDB())
	c := chat.NewService(pool, bus)
	b := bonus.NewService(pool, w)
	aff := affiliate.NewService(pool, w, cfg.AffiliateSharePercent)
	rt := rates.NewPoller(rates.StaticSource{}, 60*time.Second)
	prov := provider.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderMerchant, cfg.ProviderTimeout)

	settings := admin.NewStore(pool, cfg)
	games := game.NewManager(pool, w, locks, bus, cfg, settings.GameParams, aff)

	gw := gateway.New(gateway.Config{WSPath: cfg.WSPath, DefaultCurrencies: cfg.DefaultCurrencies},
		a, w, p, games, c, f, b, aff, rt, prov, ledger, bus, ch, settings)

	go bus.Run(ctx)
	go tailer.Run(ctx)
	go ledger.Run(ctx)
	go rt.Run(ctx)
	games.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[SERVER] listening on :%s (ws path %s)", cfg.Port, cfg.WSPath)
		errCh <- gw.Run(ctx, ":"+cfg.Port)
	}()

	select {
	case <-ctx.Done():
		log.Println("[SERVER] shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Printf("[SERVER] listen error: %v", err)
		}
	}

	games.Stop()
	if err := gw.App.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("[SERVER] fiber shutdown error: %v", err)
	}
}
