// ABOUTME: Tests for the HTTP API handlers
// ABOUTME: Drives the mux with httptest against MockStore and the fake protocol library

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigbot/internal/auth"
	"github.com/2389/sigbot/internal/config"
	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/protocol/protocoltest"
	"github.com/2389/sigbot/internal/store"
)

const (
	testEmail    = "owner@example.com"
	testPassword = "correct horse battery"
)

type apiHarness struct {
	gw    *Gateway
	store *store.MockStore
	lib   *protocoltest.Library
	user  *store.User
	token string
}

// testConfig creates a minimal config for handler tests.
func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{Path: ":memory:", Driver: config.DefaultDriver},
		Auth: config.AuthConfig{
			JWTSecret: "0123456789abcdef0123456789abcdef",
			TokenTTL:  time.Hour,
		},
		Bots: config.BotsConfig{
			ReceiveGrace: 50 * time.Millisecond,
			ReapSchedule: config.DefaultReapSchedule,
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	ms := store.NewMockStore()
	lib := protocoltest.New()

	user, err := auth.NewUser(testEmail, testPassword)
	require.NoError(t, err)
	require.NoError(t, ms.CreateUser(context.Background(), user))

	gw, err := New(testConfig(), testLogger(), WithStore(ms), WithLibrary(lib))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	h := &apiHarness{gw: gw, store: ms, lib: lib, user: user}
	h.token = h.login(t)
	return h
}

func (h *apiHarness) login(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/login", "", LoginRequest{Email: testEmail, Password: testPassword})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *apiHarness) api(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return h.do(t, http.MethodPost, path, h.token, body)
}

func (h *apiHarness) register(t *testing.T, number string) store.Bot {
	t.Helper()
	rec := h.api(t, "/api/bots/register", RegisterRequest{Number: number})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Bot
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestLogin(t *testing.T) {
	h := newAPIHarness(t)

	t.Run("wrong password", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/login", "", LoginRequest{Email: testEmail, Password: "nope-nope-nope"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown email", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/login", "", LoginRequest{Email: "who@example.com", Password: testPassword})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing fields", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/login", "", LoginRequest{Email: testEmail})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		h.gw.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid JSON body", decode[ErrorResponse](t, rec).Error)
	})

	t.Run("email is case insensitive", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/api/login", "", LoginRequest{Email: "  OWNER@example.com", Password: testPassword})
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestAPIRequiresToken(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/api/bots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/bots", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodPost, "/api/bots/register", "", RegisterRequest{Number: "+15550001"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegister(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.api(t, "/api/bots/register", RegisterRequest{Number: "+1 (555) 000-1234"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[RegisterResponse](t, rec)
	assert.Equal(t, "+15550001234", resp.Bot.Number)
	assert.Equal(t, h.user.ID, resp.Bot.UserID)
	assert.False(t, resp.Bot.IsVerified)
	assert.Equal(t, VerificationRequested, resp.Verification)
	assert.Equal(t, []protocol.Channel{protocol.ChannelSMS}, h.lib.Requests())
}

func TestRegister_ExistingBotByVoice(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")

	rec := h.api(t, "/api/bots/register", RegisterRequest{BotID: b.ID, Channel: "voice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, b.ID, decode[RegisterResponse](t, rec).Bot.ID)

	rec = h.api(t, "/api/bots/voice", BotRequest{BotID: b.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, []protocol.Channel{protocol.ChannelSMS, protocol.ChannelVoice, protocol.ChannelVoice}, h.lib.Requests())
}

func TestRegister_Errors(t *testing.T) {
	h := newAPIHarness(t)
	h.register(t, "+15550001")

	tests := []struct {
		name   string
		req    RegisterRequest
		status int
	}{
		{"missing number and bot", RegisterRequest{}, http.StatusBadRequest},
		{"number without digits", RegisterRequest{Number: "abc"}, http.StatusBadRequest},
		{"duplicate number", RegisterRequest{Number: "+15550001"}, http.StatusBadRequest},
		{"unknown channel", RegisterRequest{Number: "+15550002", Channel: "pigeon"}, http.StatusBadRequest},
		{"unknown bot", RegisterRequest{BotID: "missing"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.api(t, "/api/bots/register", tt.req)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestRegister_VerificationRequestFails(t *testing.T) {
	h := newAPIHarness(t)
	h.lib.RequestErr = &protocol.RemoteError{StatusCode: 429, Message: "rate limited"}

	rec := h.api(t, "/api/bots/register", RegisterRequest{Number: "+15550001"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "rate limited")
}

func TestVerify(t *testing.T) {
	h := newAPIHarness(t)
	h.lib.ExpectedCode = "123456"
	b := h.register(t, "+15550001")

	rec := h.api(t, "/api/bots/verify", VerifyRequest{BotID: b.ID, Code: "000-000"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	failed := decode[ErrorResponse](t, rec)
	assert.True(t, failed.Retryable)
	assert.NotEmpty(t, failed.Error)

	rec = h.api(t, "/api/bots/verify", VerifyRequest{BotID: b.ID, Code: "123-456"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	verified := decode[store.Bot](t, rec)
	assert.True(t, verified.IsVerified)

	stored, err := h.store.FindBotByID(context.Background(), b.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsVerified)
}

func TestVerify_Errors(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")

	rec := h.api(t, "/api/bots/verify", VerifyRequest{BotID: b.ID, Code: "no digits"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.api(t, "/api/bots/verify", VerifyRequest{Code: "123"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.api(t, "/api/bots/verify", VerifyRequest{BotID: "missing", Code: "123"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode[ErrorResponse](t, rec).Retryable)
}

func TestListBots(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/api/bots", h.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"bots":[]}`, rec.Body.String())

	first := h.register(t, "+15550001")
	second := h.register(t, "+15550002")

	rec = h.do(t, http.MethodGet, "/api/bots", h.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ListBotsResponse](t, rec)
	require.Len(t, resp.Bots, 2)
	ids := []string{resp.Bots[0].ID, resp.Bots[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}

func TestAudit(t *testing.T) {
	h := newAPIHarness(t)
	first := h.register(t, "+15550001")
	h.register(t, "+15550002")
	require.Equal(t, http.StatusOK, h.api(t, "/api/bots/cycle", BotRequest{BotID: first.ID}).Code)

	rec := h.do(t, http.MethodGet, "/api/audit", h.token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode[AuditResponse](t, rec).Entries, 3)

	rec = h.do(t, http.MethodGet, "/api/audit?botId="+first.ID+"&limit=1", h.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[AuditResponse](t, rec).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditCycleToken, entries[0].Action)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/api/audit?limit=zero", h.token, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/audit", "", nil).Code)
}

func TestCycleToken(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")

	rec := h.api(t, "/api/bots/cycle", BotRequest{BotID: b.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cycled := decode[store.Bot](t, rec)
	assert.NotEqual(t, b.Token, cycled.Token)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/bot/"+b.Token, "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/bot/"+cycled.Token, "", nil).Code)
}

func TestDelete(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")
	require.Equal(t, 1, h.gw.Registry().Len())

	rec := h.api(t, "/api/bots/delete", BotRequest{BotID: b.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[DeleteResponse](t, rec).Deleted)
	assert.Equal(t, 0, h.gw.Registry().Len())
	assert.Nil(t, h.store.StoreData(b.ID))

	rec = h.api(t, "/api/bots/delete", BotRequest{BotID: b.ID})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.api(t, "/api/bots/delete", BotRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	theirs, err := h.store.CreateBot(context.Background(), "someone-else", "+15550002")
	require.NoError(t, err)
	rec = h.api(t, "/api/bots/delete", BotRequest{BotID: theirs.ID})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	_, err = h.store.FindBotByID(context.Background(), theirs.ID)
	assert.NoError(t, err)
}

func TestGetSelf(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")

	rec := h.do(t, http.MethodGet, "/bot/"+b.Token, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[store.Bot](t, rec)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, "+15550001", got.Number)

	rec = h.do(t, http.MethodGet, "/bot/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSend(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")

	rec := h.do(t, http.MethodPost, "/bot/"+b.Token+"/send", "", SendRequest{Recipient: "+15550009", Message: "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[SendResponse](t, rec)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "+15550009", resp.Result.Recipient)
	assert.Equal(t, "+15550001", resp.Result.Source)
	assert.Equal(t, "sent", resp.Result.Status)
	assert.Empty(t, resp.Error)

	sent := h.lib.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Body)
}

func TestSend_Failure(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")
	h.lib.SendFunc = func(msg protocol.OutgoingMessage) (*protocol.SendResult, error) {
		return &protocol.SendResult{
			Timestamp: msg.Timestamp,
			Errors:    []protocol.SendFailure{{Number: msg.Recipient, Message: "untrusted identity"}},
		}, nil
	}

	rec := h.do(t, http.MethodPost, "/bot/"+b.Token+"/send", "", SendRequest{Recipient: "+15550009", Message: "hello"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[SendResponse](t, rec)
	assert.Nil(t, resp.Result)
	assert.Equal(t, "untrusted identity", resp.Error)
}

func TestSend_Errors(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")

	rec := h.do(t, http.MethodPost, "/bot/"+b.Token+"/send", "", SendRequest{Message: "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/bot/unknown/send", "", SendRequest{Recipient: "+1", Message: "hello"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReceive(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")
	h.lib.Queued = []protocol.Event{
		{Kind: protocol.EventMessage, Envelope: &protocol.Envelope{ID: "e1", Source: "+15550009", Timestamp: 10, Body: "hi"}},
		{Kind: protocol.EventMessage, Envelope: &protocol.Envelope{ID: "e2", Source: "+15550009", Timestamp: 11, Body: "again"}},
		{Kind: protocol.EventEmpty},
	}

	rec := h.do(t, http.MethodGet, "/bot/"+b.Token+"/receive", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ReceiveResponse](t, rec)
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "hi", resp.Messages[0].Body)
	assert.Equal(t, "+15550009", resp.Messages[0].Source)
	assert.Equal(t, b.ID, resp.Bot.ID)
	assert.Empty(t, resp.Error)
	assert.Equal(t, []string{"e1", "e2"}, h.lib.Acked())

	rec = h.do(t, http.MethodGet, "/bot/"+b.Token+"/receive", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ReceiveResponse](t, rec).Messages)
}

func TestReceive_ErrorField(t *testing.T) {
	h := newAPIHarness(t)
	b := h.register(t, "+15550001")

	rec := h.do(t, http.MethodGet, "/bot/"+b.Token+"/receive", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	r := h.lib.LastReceiver()
	require.NotNil(t, r)
	r.PushMessage(protocol.Envelope{ID: "e1", Source: "+15550009", Timestamp: 10, Body: "before"})
	r.PushError(io.ErrUnexpectedEOF)

	require.Eventually(t, func() bool { return r.Closed() }, time.Second, 5*time.Millisecond)

	rec = h.do(t, http.MethodGet, "/bot/"+b.Token+"/receive", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ReceiveResponse](t, rec)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "before", resp.Messages[0].Body)
	assert.NotEmpty(t, resp.Error)
}

func TestReceive_UnknownToken(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/bot/unknown/receive", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
