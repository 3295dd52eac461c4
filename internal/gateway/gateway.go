package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"casino/internal/admin"
	"casino/internal/affiliate"
	"casino/internal/apperr"
	"casino/internal/auth"
	"casino/internal/bonus"
	"casino/internal/cache"
	"casino/internal/chat"
	"casino/internal/fair"
	"casino/internal/game"
	"casino/internal/idempotency"
	"casino/internal/outbox"
	"casino/internal/promo"
	"casino/internal/provider"
	"casino/internal/rates"
	"casino/internal/wallet"
)

// Gateway owns the fiber.App, the command router, every live Connection,
// and the handles to every domain service a command handler might need.
type Gateway struct {
	App *fiber.App

	router *Router

	Auth      *auth.Service
	Wallet    *wallet.Service
	Promo     *promo.Service
	Games     *game.Manager
	Chat      *chat.Service
	Fair      *fair.Service
	Bonus     *bonus.Service
	Affiliate *affiliate.Service
	Rates     *rates.Poller
	Provider  *provider.Client
	Ledger    *idempotency.Ledger
	Bus       *outbox.Bus
	Cache     cache.Service
	Admin     *admin.Store

	wsPath            string
	defaultCurrencies []string
	startedAt         time.Time

	connMu sync.RWMutex
	conns  map[*Connection]bool

	metrics metrics
}

// Config is the subset of fields New needs from the process Config,
// narrowed so the gateway does not import internal/config.
type Config struct {
	WSPath            string
	DefaultCurrencies []string
}

// New wires a Gateway from every already-constructed domain service and
// registers the full command catalog.
func New(cfg Config, a *auth.Service, w *wallet.Service, p *promo.Service, games *game.Manager, c *chat.Service, f *fair.Service, b *bonus.Service, af *affiliate.Service, rt *rates.Poller, prov *provider.Client, ledger *idempotency.Ledger, bus *outbox.Bus, ch cache.Service, ad *admin.Store) *Gateway {
	app := fiber.New(fiber.Config{ServerHeader: "casino", AppName: "casino", BodyLimit: 1 << 20})
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	g := &Gateway{
		App: app, router: NewRouter(),
		Auth: a, Wallet: w, Promo: p, Games: games, Chat: c, Fair: f, Bonus: b,
		Affiliate: af, Rates: rt, Provider: prov, Ledger: ledger, Bus: bus, Cache: ch, Admin: ad,
		wsPath: cfg.WSPath, defaultCurrencies: cfg.DefaultCurrencies,
		startedAt: time.Now(), conns: make(map[*Connection]bool),
	}
	registerAliases(g.router)
	registerHandlers(g.router)
	g.registerHTTP()
	return g
}

// registerHTTP wires the plain HTTP routes alongside the WS route, on
// the same fiber.App.
func (g *Gateway) registerHTTP() {
	g.App.Get("/health", g.healthHandler)
	g.App.Get("/metrics", g.metricsHandler)
	g.App.Get("/site/settings", g.siteSettingsHandler)
	g.App.Post("/webhooks/:provider", g.webhookHandler)
	g.App.Get(g.wsPath, websocket.New(g.handleWS))
}

// Run starts the outbox tailer's bus loop consumer that fans events out
// to connections, then blocks serving fiber on addr.
func (g *Gateway) Run(ctx context.Context, addr string) error {
	go g.broadcastLoop(ctx)
	return g.App.Listen(addr)
}

// broadcastLoop subscribes to every event on the bus and fans each one
// out to matching connections: user-targeted events go only to that
// user's sockets, the rest match by subscription tag.
func (g *Gateway) broadcastLoop(ctx context.Context) {
	sub := g.Bus.Subscribe(func(outbox.Event) bool { return true })
	defer g.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			g.dispatch(e)
		}
	}
}

func (g *Gateway) dispatch(e outbox.Event) {
	var payload any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		payload = json.RawMessage(e.Payload)
	}
	env := Envelope{
		Type: e.Type, RequestID: "event:" + e.EventID, OK: true,
		ServerTs: time.Now().UnixMilli(), Data: payload, EventID: e.EventID,
	}
	if e.Version > 0 {
		v := e.Version
		env.StateVersion = &v
	}

	g.connMu.RLock()
	defer g.connMu.RUnlock()
	for c := range g.conns {
		if e.UserID != nil {
			if c.UserID() == *e.UserID {
				c.send(env)
			}
			continue
		}
		if c.subscribed("*") || c.subscribed(e.AggregateType) || c.subscribed(e.Type) ||
			c.subscribed(e.AggregateType+":"+e.AggregateID) {
			c.send(env)
		}
	}
}

func (g *Gateway) addConn(c *Connection) {
	g.connMu.Lock()
	g.conns[c] = true
	count := len(g.conns)
	g.connMu.Unlock()
	g.Chat.PublishOnlineCount(count)
}

func (g *Gateway) removeConn(c *Connection) {
	g.connMu.Lock()
	delete(g.conns, c)
	count := len(g.conns)
	g.connMu.Unlock()
	g.Chat.PublishOnlineCount(count)
}

// handleWS is the per-connection read loop: every frame runs the full
// router/alias/idempotency pipeline and gets exactly one reply.
func (g *Gateway) handleWS(c *websocket.Conn) {
	conn := newConnection(c)
	g.addConn(conn)
	g.metrics.connectionsOpened.Add(1)
	defer g.removeConn(conn)

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			return
		}
		g.metrics.framesReceived.Add(1)
		env := g.handleFrame(context.Background(), conn, raw)
		if !env.OK {
			g.metrics.framesErrored.Add(1)
		}
		conn.send(env)
	}
}

// handleFrame runs the full command pipeline for one raw client frame
// and returns the envelope to send back.
func (g *Gateway) handleFrame(ctx context.Context, conn *Connection, raw []byte) Envelope {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return errorEnvelope("unknown", "malformed", apperr.New(apperr.CodeValidation, "malformed frame"))
	}

	canonical, route, ok := g.router.Resolve(frame.Type)
	if !ok {
		return errorEnvelope(frame.Type, frame.RequestID, apperr.New(apperr.CodeNotFound, "unknown command type"))
	}

	if frame.Auth != nil && frame.Auth.AccessToken != "" {
		userID, err := g.Auth.ValidateAccessToken(frame.Auth.AccessToken)
		if err != nil {
			conn.clearUserID()
			return errorEnvelope(canonical, frame.RequestID, err)
		}
		conn.setUserID(userID)
	}

	if route.AuthRequired && conn.UserID() == "" {
		return errorEnvelope(canonical, frame.RequestID, apperr.New(apperr.CodeUnauthorized, "authentication required"))
	}
	if route.Mutating && frame.RequestID == "" {
		return errorEnvelope(canonical, frame.RequestID, apperr.New(apperr.CodeValidation, "requestId is required for mutating commands"))
	}

	identity := conn.UserID()
	if identity == "" {
		identity = "anon"
	}

	if route.Mutating {
		outcome, err := g.Ledger.Begin(ctx, identity, frame.RequestID, canonical)
		if err != nil {
			return errorEnvelope(canonical, frame.RequestID, err)
		}
		switch outcome.Status {
		case idempotency.StatusProcessing:
			return errorEnvelope(canonical, frame.RequestID, apperr.New(apperr.CodeRequestInProgress, "request already in progress"))
		case idempotency.StatusCompleted:
			var stored Envelope
			if err := json.Unmarshal(outcome.Response, &stored); err == nil {
				return stored
			}
		case idempotency.StatusFailed:
			return errorEnvelope(canonical, frame.RequestID, apperr.New(apperr.CodeConflict, "requestId already failed; retry with a new requestId"))
		}
	}

	data, err := route.Handler(ctx, g, conn, frame.Data)
	var env Envelope
	if err != nil {
		env = errorEnvelope(canonical, frame.RequestID, err)
		if route.Mutating {
			_ = g.Ledger.Fail(ctx, identity, frame.RequestID)
		}
	} else {
		env = Envelope{Type: canonical + ".result", RequestID: frame.RequestID, OK: true, ServerTs: time.Now().UnixMilli(), Data: data}
		if route.Mutating {
			if body, merr := json.Marshal(env); merr == nil {
				_ = g.Ledger.Complete(ctx, identity, frame.RequestID, body)
			}
		}
	}
	return env
}

func errorEnvelope(cmdType, requestID string, err error) Envelope {
	appErr := apperr.CodeOf(err)
	msg := err.Error()
	var retryable bool
	if ae, ok := asErr(err); ok {
		retryable = ae.Retryable
		msg = ae.Message
	}
	if requestID == "" {
		requestID = fmt.Sprintf("synthetic:%d", time.Now().UnixNano())
	}
	return Envelope{
		Type: cmdType + ".result", RequestID: requestID, OK: false, ServerTs: time.Now().UnixMilli(),
		Error: &EnvelopeError{Code: string(appErr), Message: msg, Retryable: retryable},
	}
}

func asErr(err error) (*apperr.Error, bool) {
	var ae *apperr.Error
	if apperr.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

