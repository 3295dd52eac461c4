package gateway

import (
	"context"
	"encoding/json"

	"casino/internal/apperr"
	"casino/internal/game"
	"casino/internal/money"
	"casino/internal/provider"
	"casino/internal/wallet"
)

func decode[T any](data json.RawMessage, out *T) error {
	if len(data) == 0 {
		return apperr.New(apperr.CodeValidation, "missing data payload")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "malformed data payload", err)
	}
	return nil
}

// registerHandlers wires the full command catalog onto Routes. Handlers
// are kept thin: decode, call the owning service, return its payload; all
// business rules live in the service packages.
func registerHandlers(r *Router) {
	// --- auth.* ---
	r.Register("auth.register", Route{Handler: handleAuthRegister})
	r.Register("auth.login", Route{Handler: handleAuthLogin})
	r.Register("auth.refresh", Route{Handler: handleAuthRefresh})
	r.Register("auth.logout", Route{AuthRequired: true, Handler: handleAuthLogout})
	r.Register("auth.me", Route{AuthRequired: true, Handler: handleAuthMe})
	r.Register("sessions.list", Route{AuthRequired: true, Handler: handleSessionsList})
	r.Register("sessions.revoke", Route{AuthRequired: true, Handler: handleAuthLogout})

	// --- wallet.* ---
	r.Register("wallet.balance.get", Route{AuthRequired: true, Handler: handleWalletBalanceGet})
	r.Register("wallet.deposit.methods", Route{AuthRequired: true, Handler: handleDepositMethods})
	r.Register("wallet.deposit.staticAddress", Route{AuthRequired: true, Mutating: true, Handler: handleDepositStaticAddress})
	r.Register("wallet.deposit.invoice", Route{AuthRequired: true, Mutating: true, Handler: handleDepositInvoice})
	r.Register("wallet.withdraw.request", Route{AuthRequired: true, Mutating: true, Handler: handleWithdrawRequest})
	r.Register("wallet.exchange", Route{AuthRequired: true, Mutating: true, Handler: handleExchange})

	// --- promo.* ---
	r.Register("promo.redeem", Route{AuthRequired: true, Mutating: true, Handler: handlePromoRedeem})

	// --- dice.* ---
	r.Register("dice.subscribe", Route{Handler: subscribeHandler("dice")})
	r.Register("dice.bet", Route{AuthRequired: true, Mutating: true, Handler: handleDiceBet})
	r.Register("dice.snapshot.get", Route{Handler: handleDiceSnapshot})

	// --- crash.* ---
	r.Register("crash.subscribe", Route{Handler: subscribeHandler("crash")})
	r.Register("crash.bet", Route{AuthRequired: true, Mutating: true, Handler: handleCrashBet})
	r.Register("crash.cashout", Route{AuthRequired: true, Mutating: true, Handler: handleCrashCashout})

	// --- wheel.* ---
	r.Register("wheel.subscribe", Route{Handler: subscribeHandler("wheel")})
	r.Register("wheel.bet", Route{AuthRequired: true, Mutating: true, Handler: handleWheelBet})

	// --- jackpot.* ---
	r.Register("jackpot.room.subscribe", Route{Handler: handleJackpotSubscribe})
	r.Register("jackpot.room.bet", Route{AuthRequired: true, Mutating: true, Handler: handleJackpotBet})

	// --- battle.* ---
	r.Register("battle.subscribe", Route{Handler: subscribeHandler("battle")})
	r.Register("battle.bet", Route{AuthRequired: true, Mutating: true, Handler: handleBattleBet})

	// --- coinflip.* ---
	r.Register("coinflip.subscribe", Route{Handler: subscribeHandler("coinflip")})
	r.Register("coinflip.create", Route{AuthRequired: true, Mutating: true, Handler: handleCoinflipCreate})
	r.Register("coinflip.join", Route{AuthRequired: true, Mutating: true, Handler: handleCoinflipJoin})

	// --- bonus.* ---
	r.Register("bonus.getWheel", Route{AuthRequired: true, Handler: handleBonusGetWheel})
	r.Register("bonus.spin", Route{AuthRequired: true, Mutating: true, Handler: handleBonusSpin})

	// --- chat.* ---
	r.Register("chat.subscribe", Route{Handler: subscribeHandler("chat")})
	r.Register("chat.send", Route{AuthRequired: true, Mutating: true, Handler: handleChatSend})
	r.Register("chat.history", Route{Handler: handleChatHistory})

	// --- fair.* ---
	r.Register("fair.check", Route{Handler: handleFairCheck})

	// --- affiliate.* ---
	r.Register("affiliate.stats", Route{AuthRequired: true, Handler: handleAffiliateStats})

	// --- admin.* ---
	r.Register("admin.settings.get", Route{AuthRequired: true, Handler: requireAdmin(handleAdminSettingsGet)})
	r.Register("admin.settings.save", Route{AuthRequired: true, Mutating: true, Handler: requireAdmin(handleAdminSettingsSave)})
}

func subscribeHandler(tag string) Handler {
	return func(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
		conn.Subscribe(tag)
		return map[string]any{"subscribed": tag}, nil
	}
}

// requireAdmin gates a handler on the authenticated user carrying the
// admin role; the rest of the admin CRUD (user listing, filter lists) is
// an out-of-scope external surface, but the settings record itself is
// operator-tunable at runtime through admin.settings.save.
func requireAdmin(h Handler) Handler {
	return func(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
		if !g.Auth.HasRole(ctx, conn.UserID(), "admin") {
			return nil, apperr.New(apperr.CodeForbidden, "admin role required")
		}
		return h(ctx, g, conn, data)
	}
}

func handleAdminSettingsGet(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	return g.Admin.GameParams(), nil
}

func handleAdminSettingsSave(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	params, err := g.Admin.Save(ctx, data)
	if err != nil {
		return nil, err
	}
	return params, nil
}

// --- auth ---

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	RefCode  string `json:"refCode,omitempty"`
}

func handleAuthRegister(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req registerRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	user, tokens, err := g.Auth.Register(ctx, req.Username, req.Password, req.RefCode)
	if err != nil {
		return nil, err
	}
	conn.setUserID(user.ID)
	return map[string]any{"user": user, "tokens": tokens}, nil
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func handleAuthLogin(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req loginRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	user, tokens, err := g.Auth.Login(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	conn.setUserID(user.ID)
	return map[string]any{"user": user, "tokens": tokens}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func handleAuthRefresh(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req refreshRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	tokens, err := g.Auth.Refresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tokens": tokens}, nil
}

type logoutRequest struct {
	SessionID string `json:"sessionId"`
}

func handleAuthLogout(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req logoutRequest
	_ = decode(data, &req)
	if err := g.Auth.Logout(ctx, conn.UserID(), req.SessionID); err != nil {
		return nil, err
	}
	return map[string]any{"loggedOut": true}, nil
}

func handleAuthMe(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	balances, err := g.Wallet.Balances(ctx, conn.UserID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"userId": conn.UserID(), "balance": map[string]any{"main": balances.Main.ToFloat(), "bonus": balances.Bonus.ToFloat()}}, nil
}

func handleSessionsList(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	sessions, err := g.Auth.ListSessions(ctx, conn.UserID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions}, nil
}

// --- wallet ---

func handleWalletBalanceGet(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	b, err := g.Wallet.Balances(ctx, conn.UserID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"main": b.Main.ToFloat(), "bonus": b.Bonus.ToFloat(), "stateVersion": b.StateVersion}, nil
}

func handleDepositMethods(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	if !g.Provider.IsConfigured() {
		return map[string]any{"currencies": []string{}}, nil
	}
	currencies, err := g.Provider.GetAcceptedCurrencies(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConflict, "provider currency lookup failed", err)
	}
	return map[string]any{"currencies": currencies}, nil
}

type depositAddressRequest struct {
	Currency string `json:"currency"`
	Network  string `json:"network"`
}

func handleDepositStaticAddress(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req depositAddressRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if !g.Provider.IsConfigured() {
		return nil, apperr.New(apperr.CodeConflict, "deposit provider not configured")
	}
	addr, err := g.Provider.CreateStaticAddress(ctx, provider.StaticAddressRequest{Currency: req.Currency, Network: req.Network})
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeConflict, "static address request failed", err)
	}
	if err := g.Wallet.RecordStaticAddress(ctx, conn.UserID(), req.Currency, req.Network, addr.TrackID, addr.Address); err != nil {
		return nil, err
	}
	return addr, nil
}

// handleDepositInvoice is a thin alias of handleDepositStaticAddress: it
// sends the same static-address request and records the result the same
// way; no separate one-shot invoice is requested from the provider.
func handleDepositInvoice(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	return handleDepositStaticAddress(ctx, g, conn, data)
}

type withdrawRequest struct {
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
	Network   string  `json:"network"`
	Address   string  `json:"address"`
	RequestID string  `json:"requestId"`
}

// handleWithdrawRequest passes the user's main balance as AvailableWithdraw
// and sets the currency, network min/max and deposit-floor flags to true;
// no deposit-based withdraw limit or provider rule is evaluated here.
func handleWithdrawRequest(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req withdrawRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	amount, err := money.ToAtomic(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amount", err)
	}
	balances, err := g.Wallet.Balances(ctx, conn.UserID())
	if err != nil {
		return nil, err
	}
	rules := wallet.WithdrawRules{
		SupportedCurrency: true, WithinNetworkMinMax: true, MetCumulativeDepositFloor: true,
		AvailableWithdraw: balances.Main,
	}
	b, err := g.Wallet.Withdraw(ctx, conn.UserID(), amount, req.RequestID, rules, map[string]any{"currency": req.Currency, "network": req.Network, "address": req.Address})
	if err != nil {
		return nil, err
	}
	return map[string]any{"main": b.Main.ToFloat(), "bonus": b.Bonus.ToFloat(), "stateVersion": b.StateVersion}, nil
}

type exchangeRequest struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	RequestID string  `json:"requestId"`
}

func handleExchange(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req exchangeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	amount, err := money.ToAtomic(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amount", err)
	}
	b, err := g.Wallet.Exchange(ctx, conn.UserID(), req.From, req.To, amount, req.RequestID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"main": b.Main.ToFloat(), "bonus": b.Bonus.ToFloat(), "stateVersion": b.StateVersion}, nil
}

// --- promo ---

type promoRedeemRequest struct {
	Code string `json:"code"`
}

func handlePromoRedeem(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req promoRedeemRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	b, err := g.Promo.Redeem(ctx, conn.UserID(), req.Code)
	if err != nil {
		return nil, err
	}
	return map[string]any{"main": b.Main.ToFloat(), "bonus": b.Bonus.ToFloat(), "stateVersion": b.StateVersion}, nil
}

// --- dice ---

type diceBetRequest struct {
	Amount     float64 `json:"amount"`
	Chance     float64 `json:"chance"`
	Direction  string  `json:"direction"`
	ClientSeed string  `json:"clientSeed"`
	RequestID  string  `json:"requestId"`
}

func handleDiceBet(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req diceBetRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	result, err := g.Games.Dice.Bet(ctx, game.DiceBetRequest{
		UserID: conn.UserID(), RequestID: req.RequestID, Amount: req.Amount,
		Chance: req.Chance, Direction: game.Direction(req.Direction), ClientSeed: req.ClientSeed,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func handleDiceSnapshot(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	return map[string]any{"ok": true}, nil
}

// --- crash ---

type crashBetRequest struct {
	Amount float64 `json:"amount"`
}

func handleCrashBet(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req crashBetRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	amount, err := money.ToAtomic(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amount", err)
	}
	if err := g.Games.Crash.Bet(ctx, conn.UserID(), conn.UserID(), amount); err != nil {
		return nil, err
	}
	return g.Games.Crash.Snapshot(), nil
}

type crashCashoutRequest struct {
	At float64 `json:"at"`
}

func handleCrashCashout(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req crashCashoutRequest
	_ = decode(data, &req)
	multiplier, payout, err := g.Games.Crash.Cashout(ctx, conn.UserID(), req.At)
	if err != nil {
		return nil, err
	}
	return map[string]any{"multiplier": multiplier, "payout": payout.ToFloat()}, nil
}

// --- wheel ---

type wheelBetRequest struct {
	Amount float64 `json:"amount"`
	Color  string  `json:"color"`
}

func handleWheelBet(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req wheelBetRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	amount, err := money.ToAtomic(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amount", err)
	}
	if err := g.Games.Wheel.Bet(ctx, conn.UserID(), conn.UserID(), amount, game.WheelColor(req.Color)); err != nil {
		return nil, err
	}
	return g.Games.Wheel.Snapshot(), nil
}

// --- jackpot ---

type jackpotSubscribeRequest struct {
	Room string `json:"room"`
}

func handleJackpotSubscribe(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req jackpotSubscribeRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	conn.Subscribe("jackpot:" + req.Room)
	room := g.Games.JackpotRoom(req.Room)
	if room == nil {
		return nil, apperr.New(apperr.CodeNotFound, "unknown jackpot room")
	}
	return room.Snapshot(), nil
}

type jackpotBetRequest struct {
	Room   string  `json:"room"`
	Amount float64 `json:"amount"`
}

func handleJackpotBet(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req jackpotBetRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	room := g.Games.JackpotRoom(req.Room)
	if room == nil {
		return nil, apperr.New(apperr.CodeNotFound, "unknown jackpot room")
	}
	amount, err := money.ToAtomic(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amount", err)
	}
	if err := room.Bet(ctx, conn.UserID(), conn.UserID(), amount); err != nil {
		return nil, err
	}
	return room.Snapshot(), nil
}

// --- battle ---

type battleBetRequest struct {
	Amount    float64 `json:"amount"`
	Team      string  `json:"team"`
	SubWallet string  `json:"subWallet"`
}

func handleBattleBet(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req battleBetRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	amount, err := money.ToAtomic(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amount", err)
	}
	if req.SubWallet == "" {
		req.SubWallet = "main"
	}
	if err := g.Games.Battle.Bet(ctx, conn.UserID(), conn.UserID(), amount, game.BattleTeam(req.Team), req.SubWallet); err != nil {
		return nil, err
	}
	return g.Games.Battle.Snapshot(), nil
}

// --- coinflip ---

type coinflipCreateRequest struct {
	Amount float64 `json:"amount"`
	Side   string  `json:"side"`
}

func handleCoinflipCreate(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req coinflipCreateRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	amount, err := money.ToAtomic(req.Amount)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "invalid amount", err)
	}
	return g.Games.Coinflip.Create(ctx, conn.UserID(), conn.UserID(), amount, game.CoinflipSide(req.Side))
}

type coinflipJoinRequest struct {
	GameID string `json:"gameId"`
}

func handleCoinflipJoin(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req coinflipJoinRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return g.Games.Coinflip.Join(ctx, conn.UserID(), conn.UserID(), req.GameID)
}

// --- bonus ---

func handleBonusGetWheel(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	return g.Bonus.Prizes(), nil
}

func handleBonusSpin(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	return g.Bonus.Spin(ctx, conn.UserID())
}

// --- chat ---

type chatSendRequest struct {
	Body string `json:"body"`
}

func handleChatSend(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req chatSendRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return g.Chat.Send(ctx, conn.UserID(), conn.UserID(), req.Body)
}

func handleChatHistory(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	msgs, err := g.Chat.Recent(ctx, 50)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

// --- fair ---

type fairCheckRequest struct {
	Hash string `json:"hash"`
}

func handleFairCheck(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	var req fairCheckRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return g.Fair.Check(ctx, req.Hash)
}

// --- affiliate ---

func handleAffiliateStats(ctx context.Context, g *Gateway, conn *Connection, data json.RawMessage) (any, error) {
	return g.Affiliate.Stats(ctx, conn.UserID())
}
