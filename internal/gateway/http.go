package gateway

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"

	"casino/internal/money"
)

// The public-settings read path is TTL-cached in Redis: a cheap,
// frequently-polled read degrades to a cache hit instead of hammering
// the connection count lock on every request.
const (
	siteSettingsCacheKey = "site:settings"
	siteSettingsCacheTTL = 5 * time.Second
)

// healthHandler is GET /health: a liveness probe that also reports the
// Redis settings cache's reachability, since a cache outage degrades
// reads rather than failing the process.
func (g *Gateway) healthHandler(c *fiber.Ctx) error {
	out := fiber.Map{"ok": true, "ts": time.Now().UnixMilli()}
	if g.Cache != nil {
		out["cache"] = g.Cache.Health()
	}
	return c.JSON(out)
}

// metricsHandler is GET /metrics: the process counters exposed as a flat
// JSON object.
func (g *Gateway) metricsHandler(c *fiber.Ctx) error {
	snap := g.metrics.snapshot()
	g.connMu.RLock()
	snap["connections_active"] = int64(len(g.conns))
	g.connMu.RUnlock()
	snap["uptime_seconds"] = int64(time.Since(g.startedAt).Seconds())
	return c.JSON(snap)
}

// siteSettingsHandler is GET /site/settings: the public subset of the
// settings record, deliberately small. Read-through cached in Redis for
// siteSettingsCacheTTL when a cache is configured; runs uncached
// otherwise — a down cache degrades, it does not fail.
func (g *Gateway) siteSettingsHandler(c *fiber.Ctx) error {
	if g.Cache != nil {
		if cached, err := g.Cache.GetClient().Get(c.Context(), siteSettingsCacheKey).Result(); err == nil {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.SendString(cached)
		}
	}

	g.connMu.RLock()
	online := len(g.conns)
	g.connMu.RUnlock()
	payload := fiber.Map{
		"wsPath":             g.wsPath,
		"defaultCurrencies":  g.defaultCurrencies,
		"providerConfigured": g.Provider.IsConfigured(),
		"onlineCount":        online,
	}

	if g.Cache != nil {
		if body, err := json.Marshal(payload); err == nil {
			if err := g.Cache.GetClient().Set(c.Context(), siteSettingsCacheKey, body, siteSettingsCacheTTL).Err(); err != nil {
				log.Printf("[CACHE] site settings write failed: %v", err)
			}
		}
	}
	return c.JSON(payload)
}

// webhookTransfer is one parsed leg of an inbound provider deposit
// webhook.
type webhookTransfer struct {
	TrackID  string  `json:"trackId"`
	TxID     string  `json:"txId"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
}

type webhookPayload struct {
	Transfers []webhookTransfer `json:"transfers"`
}

// webhookSignatureHeader is the header the crypto provider signs the raw
// body under (HMAC-SHA-512 of the exact bytes).
const webhookSignatureHeader = "X-Provider-Signature"

// webhookHandler is POST /webhooks/:provider: verify the HMAC, parse one
// or more transfers, and credit each through wallet.CreditWebhookTransfer
// so a re-delivered webhook collapses to the first committed effect. Body
// size is bounded by the fiber app's BodyLimit (1 MiB).
func (g *Gateway) webhookHandler(c *fiber.Ctx) error {
	raw := c.Body()
	sig := c.Get(webhookSignatureHeader)
	if !g.Provider.VerifyHMAC(raw, sig) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "invalid signature"})
	}

	var payload webhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"ok": false, "error": "malformed webhook body"})
	}

	ctx := c.Context()
	failed := 0
	for _, t := range payload.Transfers {
		amount, err := money.ToAtomic(t.Amount)
		if err != nil {
			log.Printf("[WEBHOOK] invalid transfer amount trackId=%s txId=%s: %v", t.TrackID, t.TxID, err)
			failed++
			continue
		}
		if _, err := g.Wallet.CreditWebhookTransfer(ctx, t.TrackID, t.TxID, t.Currency, amount); err != nil {
			log.Printf("[WEBHOOK] credit failed trackId=%s txId=%s: %v", t.TrackID, t.TxID, err)
			failed++
		}
	}
	if failed > 0 && failed == len(payload.Transfers) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"ok": false, "processed": 0, "failed": failed})
	}
	return c.JSON(fiber.Map{"ok": true, "processed": len(payload.Transfers) - failed, "failed": failed})
}
