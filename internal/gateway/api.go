// ABOUTME: HTTP API handlers for account, bot management, and per-bot messaging
// ABOUTME: JWT-guarded /api routes manage bots; token-addressed /bot routes send and receive

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/sigbot/internal/apperr"
	"github.com/2389/sigbot/internal/auth"
	"github.com/2389/sigbot/internal/bot"
	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/store"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// VerificationRequested is the verification field of a register response.
const VerificationRequested = "requested"

// LoginRequest is the JSON request body for POST /api/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the JSON response for POST /api/login.
type LoginResponse struct {
	Token string `json:"token"`
}

// RegisterRequest is the JSON request body for POST /api/bots/register.
// BotID re-requests a code for an existing bot; otherwise Number creates one.
type RegisterRequest struct {
	BotID   string `json:"botId,omitempty"`
	Number  string `json:"number,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// RegisterResponse is the JSON response for POST /api/bots/register and /api/bots/voice.
type RegisterResponse struct {
	Bot          store.Bot `json:"bot"`
	Verification string    `json:"verification"`
}

// BotRequest is the JSON request body for routes that act on one bot.
type BotRequest struct {
	BotID string `json:"botId"`
}

// VerifyRequest is the JSON request body for POST /api/bots/verify.
type VerifyRequest struct {
	BotID string `json:"botId"`
	Code  string `json:"code"`
}

// ListBotsResponse is the JSON response for GET /api/bots.
type ListBotsResponse struct {
	Bots []*store.Bot `json:"bots"`
}

// AuditResponse is the JSON response for GET /api/audit.
type AuditResponse struct {
	Entries []store.AuditEntry `json:"entries"`
}

// DeleteResponse is the JSON response for POST /api/bots/delete.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

// SendRequest is the JSON request body for POST /bot/{token}/send.
type SendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// SendResponse is the JSON response for POST /bot/{token}/send.
type SendResponse struct {
	Result *bot.SendReceipt `json:"result"`
	Error  string           `json:"error,omitempty"`
}

// ReceiveResponse is the JSON response for GET /bot/{token}/receive.
type ReceiveResponse struct {
	Messages []bot.Message `json:"messages"`
	Bot      store.Bot     `json:"bot"`
	Error    string        `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

// registerAPIRoutes registers the account, bot management, and bot routes.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authMiddleware := auth.HTTPAuthMiddleware(g.store, g.verifier)
	protect := func(h http.HandlerFunc) http.Handler { return authMiddleware(h) }

	mux.HandleFunc("POST /api/login", g.handleLogin)
	mux.Handle("GET /api/bots", protect(g.handleListBots))
	mux.Handle("POST /api/bots/register", protect(g.handleRegister))
	mux.Handle("POST /api/bots/voice", protect(g.handleVoice))
	mux.Handle("POST /api/bots/verify", protect(g.handleVerify))
	mux.Handle("POST /api/bots/cycle", protect(g.handleCycleToken))
	mux.Handle("POST /api/bots/delete", protect(g.handleDelete))
	mux.Handle("GET /api/audit", protect(g.handleAudit))

	mux.HandleFunc("GET /bot/{token}", g.handleGetSelf)
	mux.HandleFunc("POST /bot/{token}/send", g.handleSend)
	mux.HandleFunc("GET /bot/{token}/receive", g.handleReceive)
}

// handleLogin exchanges email and password for a JWT.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		g.sendJSONError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	token, user, err := g.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			g.sendJSONError(w, http.StatusUnauthorized, err.Error())
			return
		}
		g.logger.Error("login failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("user logged in", "user_id", user.ID)
	g.sendJSON(w, http.StatusOK, LoginResponse{Token: token})
}

// handleListBots lists the caller's bots, oldest first.
func (g *Gateway) handleListBots(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	bots, err := g.store.ListBotsForUser(r.Context(), user.UserID)
	if err != nil {
		g.logger.Error("listing bots failed", "user_id", user.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if bots == nil {
		bots = []*store.Bot{}
	}
	g.sendJSON(w, http.StatusOK, ListBotsResponse{Bots: bots})
}

// handleAudit lists the caller's own lifecycle actions, newest first.
// Optional query parameters: botId, limit.
func (g *Gateway) handleAudit(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	filter := store.AuditFilter{ActorUserID: &user.UserID}
	if botID := r.URL.Query().Get("botId"); botID != "" {
		filter.TargetID = &botID
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	entries, err := g.store.ListAuditLog(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing audit log failed", "user_id", user.UserID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, AuditResponse{Entries: entries})
}

// handleRegister creates a bot for a number, or reuses the caller's existing
// bot, and requests a verification code over SMS or voice.
func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	channel, err := protocol.ParseChannel(req.Channel)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	var session *bot.Session
	switch {
	case req.BotID != "":
		session, err = g.registry.FindByUser(r.Context(), user.UserID, req.BotID)
	case strings.TrimSpace(req.Number) != "":
		session, err = g.registry.Create(r.Context(), user.UserID, req.Number)
	default:
		g.sendJSONError(w, http.StatusBadRequest, "botId or number is required")
		return
	}
	if err != nil {
		g.sendAppError(w, "register", err)
		return
	}

	g.requestVerification(w, r, session, channel)
}

// handleVoice re-requests the caller's verification code as a voice call.
func (g *Gateway) handleVoice(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req BotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BotID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "botId is required")
		return
	}

	session, err := g.registry.FindByUser(r.Context(), user.UserID, req.BotID)
	if err != nil {
		g.sendAppError(w, "voice", err)
		return
	}
	g.requestVerification(w, r, session, protocol.ChannelVoice)
}

func (g *Gateway) requestVerification(w http.ResponseWriter, r *http.Request, session *bot.Session, channel protocol.Channel) {
	if err := session.RequestVerification(r.Context(), channel); err != nil {
		g.sendAppError(w, "request verification", err)
		return
	}
	g.sendJSON(w, http.StatusOK, RegisterResponse{Bot: session.Bot(), Verification: VerificationRequested})
}

// handleVerify submits a verification code. A rejected code is retryable.
func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BotID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "botId is required")
		return
	}

	b, err := g.registry.Verify(r.Context(), user.UserID, req.BotID, req.Code)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			g.logger.Error("verify failed", "bot_id", req.BotID, "error", err)
		}
		g.sendJSON(w, status, ErrorResponse{
			Error:     clientMessage(err),
			Retryable: status == http.StatusBadRequest,
		})
		return
	}
	g.sendJSON(w, http.StatusOK, b)
}

// handleCycleToken replaces the bot's access token.
func (g *Gateway) handleCycleToken(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req BotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BotID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "botId is required")
		return
	}

	b, err := g.registry.CycleToken(r.Context(), user.UserID, req.BotID)
	if err != nil {
		g.sendAppError(w, "cycle token", err)
		return
	}
	g.sendJSON(w, http.StatusOK, b)
}

// handleDelete destroys the bot and its protocol state. Deleting a bot that
// is already gone succeeds.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	user := auth.MustFromContext(r.Context())

	var req BotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.BotID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "botId is required")
		return
	}

	if err := g.registry.Destroy(r.Context(), user.UserID, req.BotID); err != nil {
		g.sendAppError(w, "delete", err)
		return
	}
	g.sendJSON(w, http.StatusOK, DeleteResponse{Deleted: true})
}

// handleGetSelf returns the metadata of the bot addressed by token.
func (g *Gateway) handleGetSelf(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	b, err := g.store.FindBotByToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "bot not found")
			return
		}
		g.logger.Error("bot lookup failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.sendJSON(w, http.StatusOK, b)
}

// handleSend sends a text message from the bot addressed by token.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := g.registry.FindByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		g.sendAppError(w, "send", err)
		return
	}

	receipt, err := session.Send(r.Context(), req.Recipient, req.Message)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			g.logger.Warn("send failed", "bot_id", session.ID(), "error", err)
		}
		g.sendJSON(w, status, SendResponse{Error: apperr.Message(err)})
		return
	}
	g.sendJSON(w, http.StatusOK, SendResponse{Result: receipt})
}

// handleReceive drains the messages received by the bot addressed by token.
// A receive failure still returns whatever was queued before it.
func (g *Gateway) handleReceive(w http.ResponseWriter, r *http.Request) {
	session, err := g.registry.FindByToken(r.Context(), r.PathValue("token"))
	if err != nil {
		g.sendAppError(w, "receive", err)
		return
	}

	msgs, err := session.Receive(r.Context())
	if msgs == nil {
		msgs = []bot.Message{}
	}
	resp := ReceiveResponse{Messages: msgs, Bot: session.Bot()}
	status := http.StatusOK
	if err != nil {
		resp.Error = apperr.Message(err)
		if !errors.Is(err, apperr.ErrReceive) {
			status = apperr.HTTPStatus(err)
		}
		g.logger.Warn("receive failed", "bot_id", session.ID(), "messages", len(msgs), "error", err)
	}
	g.sendJSON(w, status, resp)
}

// sendAppError maps an apperr kind to a status. Server errors are logged and
// their detail withheld.
func (g *Gateway) sendAppError(w http.ResponseWriter, op string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error(op+" failed", "error", err)
	}
	g.sendJSONError(w, status, clientMessage(err))
}

// clientMessage is the error text shown to API callers.
func clientMessage(err error) string {
	if errors.Is(apperr.KindOf(err), apperr.ErrServer) {
		return "internal server error"
	}
	return apperr.Message(err)
}

// decodeJSON decodes a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError sends a JSON error response with the given status code and message.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, ErrorResponse{Error: message})
}
