// ABOUTME: BotSession wraps one bot's protocol client and its persisted store
// ABOUTME: Handles start, verification, and idempotent stop

package bot

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/sigbot/internal/apperr"
	"github.com/2389/sigbot/internal/dedupe"
	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/protostore"
	"github.com/2389/sigbot/internal/store"
	"github.com/2389/sigbot/internal/telemetry"
)

// DefaultReceiveGrace is how long the first Receive waits for the initial batch.
const DefaultReceiveGrace = 2 * time.Second

// signalingKeyLen is a 32 byte AES key followed by a 20 byte MAC key.
const signalingKeyLen = 52

// State is a session's lifecycle position.
type State int

// Session states.
const (
	StateCreated State = iota
	StateStarted
	StateVerified
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateVerified:
		return "verified"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Message is one received message handed to API callers.
type Message struct {
	Source      string       `json:"source"`
	Timestamp   int64        `json:"timestamp"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
}

// Config holds a session's dependencies.
type Config struct {
	Library protocol.Library
	Repo    store.ProtocolStoreRepository
	// Attachments saves inbound files. Nil acknowledges envelopes immediately
	// and reports no attachments.
	Attachments *AttachmentPersister
	// Seen drops envelopes redelivered after a lost acknowledgement. It may
	// be shared between sessions. Nil disables the check.
	Seen         *dedupe.Cache
	ReceiveGrace time.Duration
	QueueSize    int
	Tracer       trace.Tracer
	Metrics      *telemetry.Metrics
	Logger       *slog.Logger
	// Now is the clock used for send timestamps.
	Now func() time.Time
}

// Session is the live protocol client of one bot.
type Session struct {
	cfg    Config
	logger *slog.Logger
	queue  *messageQueue
	id     string
	number string

	mu       sync.Mutex
	bot      store.Bot
	state    State
	store    *protostore.Store
	account  protocol.AccountManager
	sender   protocol.Sender
	receiver protocol.Receiver
	// recvCancel stops the receive goroutine, recvDone closes when it exits.
	recvCancel context.CancelFunc
	recvDone   chan struct{}
	recvErr    error

	lastUsed atomic.Int64
}

// New builds a session for bot. Call Start before anything else.
func New(bot store.Bot, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.Noop().Tracer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "bot", "bot_id", bot.ID),
		queue:  newMessageQueue(cfg.QueueSize),
		id:     bot.ID,
		number: bot.Number,
		bot:    bot,
	}
	s.touch()
	return s
}

// ID returns the bot id.
func (s *Session) ID() string { return s.id }

// Bot returns a copy of the bot metadata.
func (s *Session) Bot() store.Bot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bot
}

// Refresh replaces the bot metadata after the record changed, such as a
// cycled token. The number and id are fixed for the session's lifetime.
func (s *Session) Refresh(b store.Bot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID != s.id || b.Number != s.number {
		return
	}
	s.bot = b
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastUsed returns when an operation last ran on the session.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// ReceiverOpen reports whether a receive connection is live.
func (s *Session) ReceiverOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiver != nil
}

// SenderOpen reports whether a send connection is live.
func (s *Session) SenderOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender != nil
}

// Pending returns the number of received messages not yet drained.
func (s *Session) Pending() int { return s.queue.len() }

// Store exposes the protocol store.
func (s *Session) Store() *protostore.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store
}

func (s *Session) touch() { s.lastUsed.Store(time.Now().UnixNano()) }

// Start loads persisted protocol state and creates the bot's password and
// signaling key the first time. On failure the session stays Created.
func (s *Session) Start(ctx context.Context) (err error) {
	const op = "bot.Start"
	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCreated {
		return apperr.Errorf(apperr.ErrInitialization, op, "session is %s", s.state)
	}

	rec, err := s.cfg.Repo.GetOrCreateStore(ctx, s.id)
	if err != nil {
		return apperr.E(apperr.ErrInitialization, op, err)
	}
	ps, err := protostore.Load(rec.Data)
	if err != nil {
		return apperr.E(apperr.ErrInitialization, op, err)
	}

	if err := ensureCredentials(ps, s.number); err != nil {
		return apperr.E(apperr.ErrInitialization, op, err)
	}
	if err := s.save(ctx, ps); err != nil {
		return apperr.E(apperr.ErrInitialization, op, err)
	}

	s.store = ps
	s.state = StateStarted
	if s.bot.IsVerified {
		s.state = StateVerified
	}
	s.touch()
	s.logger.Info("bot session started", "state", s.state)
	return nil
}

// ensureCredentials fills in the values a fresh store lacks.
func ensureCredentials(ps *protostore.Store, number string) error {
	if ps.ConfigString(protostore.ConfigPassword) == "" {
		pw, err := randomBytes(16)
		if err != nil {
			return fmt.Errorf("generating password: %w", err)
		}
		if err := ps.PutConfig(protostore.ConfigPassword, protostore.String(base64.RawStdEncoding.EncodeToString(pw))); err != nil {
			return err
		}
	}
	if len(ps.ConfigBinary(protostore.ConfigSignalingKey)) == 0 {
		key, err := randomBytes(signalingKeyLen)
		if err != nil {
			return fmt.Errorf("generating signaling key: %w", err)
		}
		if err := ps.PutConfig(protostore.ConfigSignalingKey, protostore.Binary(key)); err != nil {
			return err
		}
	}
	if ps.ConfigString(protostore.ConfigNumber) != number {
		if err := ps.PutConfig(protostore.ConfigNumber, protostore.String(number)); err != nil {
			return err
		}
	}
	return nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// credentials requires mu.
func (s *Session) credentials() protocol.Credentials {
	return protocol.Credentials{
		Number:       s.number,
		Password:     s.store.ConfigString(protostore.ConfigPassword),
		SignalingKey: s.store.ConfigBinary(protostore.ConfigSignalingKey),
	}
}

// ready requires mu. It rejects operations before Start and after Stop.
func (s *Session) ready(op string) error {
	switch s.state {
	case StateCreated:
		return apperr.Errorf(apperr.ErrServer, op, "session not started")
	case StateStopped:
		return apperr.Errorf(apperr.ErrServer, op, "session stopped")
	}
	return nil
}

// accountManager requires mu.
func (s *Session) accountManager(ctx context.Context) (protocol.AccountManager, error) {
	if s.account != nil {
		return s.account, nil
	}
	am, err := s.cfg.Library.NewAccountManager(ctx, s.credentials(), s.store)
	if err != nil {
		return nil, err
	}
	s.account = am
	return am, nil
}

// RequestVerification asks the service to deliver a verification code.
func (s *Session) RequestVerification(ctx context.Context, channel protocol.Channel) (err error) {
	const op = "bot.RequestVerification"
	ctx, span := s.startSpan(ctx, op, telemetry.AttrChannel.String(string(channel)))
	defer func() { endSpan(span, err) }()
	s.touch()

	s.mu.Lock()
	if err := s.ready(op); err != nil {
		s.mu.Unlock()
		return err
	}
	am, err := s.accountManager(ctx)
	s.mu.Unlock()
	if err != nil {
		return apperr.E(apperr.ErrVerificationRequest, op, err)
	}

	if err := am.RequestVerification(ctx, channel); err != nil {
		s.logger.Warn("verification request failed", "channel", channel, "error", err)
		return apperr.E(apperr.ErrVerificationRequest, op, err)
	}

	s.logger.Info("verification requested", "channel", channel)
	return nil
}

// VerifyNumber registers the device with the code the user received. A 4xx
// rejection by the service is a bad request the caller can retry; a 5xx is a
// server error. The session stays usable either way.
func (s *Session) VerifyNumber(ctx context.Context, code string) (err error) {
	const op = "bot.VerifyNumber"
	ctx, span := s.startSpan(ctx, op)
	defer func() { endSpan(span, err) }()
	s.touch()

	s.mu.Lock()
	if err := s.ready(op); err != nil {
		s.mu.Unlock()
		return err
	}
	am, err := s.accountManager(ctx)
	ps := s.store
	s.mu.Unlock()
	if err != nil {
		return apperr.E(apperr.ErrServer, op, err)
	}

	if err := am.RegisterSingleDevice(ctx, code); err != nil {
		var remote *protocol.RemoteError
		if errors.As(err, &remote) && remote.StatusCode >= 400 && remote.StatusCode < 500 {
			s.logger.Info("verification code rejected", "status", remote.StatusCode)
			return apperr.E(apperr.ErrBadRequest, op, err)
		}
		s.logger.Warn("device registration failed", "error", err)
		return apperr.E(apperr.ErrServer, op, err)
	}

	if err := s.save(ctx, ps); err != nil {
		return apperr.E(apperr.ErrServer, op, err)
	}

	s.mu.Lock()
	if s.state == StateStarted {
		s.state = StateVerified
	}
	s.bot.IsVerified = true
	s.mu.Unlock()

	s.logger.Info("bot number verified", "number", s.number)
	return nil
}

// Stop tears down the receiver, then the sender. It is safe to call more
// than once and does not wait for in-flight sends.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	receiver, cancel, done := s.receiver, s.recvCancel, s.recvDone
	sender, account := s.sender, s.account
	s.receiver, s.recvCancel, s.recvDone = nil, nil, nil
	s.sender, s.account = nil, nil
	s.mu.Unlock()

	var errs []error
	if receiver != nil {
		cancel()
		if err := receiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing receiver: %w", err))
		}
		<-done
	}
	if sender != nil {
		if err := sender.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing sender: %w", err))
		}
	}
	if account != nil {
		if err := account.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing account manager: %w", err))
		}
	}

	s.logger.Info("bot session stopped")
	return errors.Join(errs...)
}

// save writes a snapshot of ps through the repository.
func (s *Session) save(ctx context.Context, ps *protostore.Store) error {
	data, err := ps.Snapshot()
	if err != nil {
		return err
	}
	if err := s.cfg.Repo.UpdateStore(ctx, s.id, data); err != nil {
		return fmt.Errorf("persisting protocol store: %w", err)
	}
	return nil
}

// persist saves the current store, logging instead of failing the operation
// that already reached the network.
func (s *Session) persist(ctx context.Context) {
	s.mu.Lock()
	ps := s.store
	s.mu.Unlock()
	if ps == nil {
		return
	}
	if err := s.save(ctx, ps); err != nil {
		s.logger.Error("failed to persist protocol store", "error", err)
	}
}

func (s *Session) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, telemetry.AttrBotID.String(s.id))
	return s.cfg.Tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
