package gateway

import (
	"context"
	"encoding/json"
)

// Handler runs one resolved command against an authenticated (or
// anonymous) connection and returns the payload to wrap into a success
// envelope.
type Handler func(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error)

// Route is one registered command's dispatch metadata (router pipeline:
// "A registry of (type -> {authRequired, mutating, handler})").
type Route struct {
	AuthRequired bool
	Mutating     bool
	Handler      Handler
}

// Router resolves a frame's type (through the legacy alias map) to a
// Route.
type Router struct {
	routes  map[string]Route
	aliases map[string]string
}

// NewRouter builds an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]Route), aliases: make(map[string]string)}
}

// Register adds one command's route.
func (r *Router) Register(cmdType string, route Route) {
	r.routes[cmdType] = route
}

// Alias maps a legacy name onto a canonical one ("dice_bet ->
// dice.bet must resolve identically").
func (r *Router) Alias(legacy, canonical string) {
	r.aliases[legacy] = canonical
}

// Resolve returns the canonical type and its Route, or ok=false if the
// type (after alias resolution) is unregistered.
func (r *Router) Resolve(cmdType string) (canonical string, route Route, ok bool) {
	if target, aliased := r.aliases[cmdType]; aliased {
		cmdType = target
	}
	route, ok = r.routes[cmdType]
	return cmdType, route, ok
}

// legacyAliases is the fixed table of legacy frontend command names;
// additional aliases can be registered alongside it.
var legacyAliases = map[string]string{
	"dice_bet":         "dice.bet",
	"crash_bet":        "crash.bet",
	"crash_cashout":    "crash.cashout",
	"wheel_bet":        "wheel.bet",
	"jackpot_bet":      "jackpot.room.bet",
	"battle_bet":       "battle.bet",
	"coinflip_newBet":  "coinflip.create",
	"coinflip_join":    "coinflip.join",
	"chat_send":        "chat.send",
}

func registerAliases(r *Router) {
	for legacy, canonical := range legacyAliases {
		r.Alias(legacy, canonical)
	}
}
