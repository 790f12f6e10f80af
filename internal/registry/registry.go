// ABOUTME: BotRegistry holds at most one live bot session per bot id
// ABOUTME: Sessions are built on first use, evicted on destroy or when idle

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/2389/sigbot/internal/apperr"
	"github.com/2389/sigbot/internal/bot"
	"github.com/2389/sigbot/internal/store"
	"github.com/2389/sigbot/internal/telemetry"
)

// ErrClosed is returned once the registry has been closed.
var ErrClosed = errors.New("registry closed")

// tombstoneTTL bounds how long a destroyed bot id is refused. It only has to
// outlast lookups that read the bot before it was deleted.
const tombstoneTTL = 10 * time.Minute

var (
	nonNumber = regexp.MustCompile(`[^\d+]`)
	nonDigit  = regexp.MustCompile(`[^\d]`)
)

// SanitizeNumber strips everything but digits and '+'.
func SanitizeNumber(s string) string { return nonNumber.ReplaceAllString(s, "") }

// SanitizeCode strips everything but digits.
func SanitizeCode(s string) string { return nonDigit.ReplaceAllString(s, "") }

// Config holds the registry's dependencies.
type Config struct {
	Store store.Store
	// Session is the template every bot session is built from.
	Session bot.Config
	// IdleTimeout is how long a session may go unused before the reaper
	// stops it. Zero disables reaping.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// entry is a cache slot. ready closes once construction finishes; session is
// set on success and err on failure.
type entry struct {
	ready   chan struct{}
	session *bot.Session
	err     error
}

// Registry routes every caller to the single live session of a bot.
type Registry struct {
	store       store.Store
	template    bot.Config
	idleTimeout time.Duration
	logger      *slog.Logger
	metrics     *telemetry.Metrics

	mu       sync.Mutex
	sessions map[string]*entry
	// tombstones holds ids of destroyed bots and when they were destroyed.
	tombstones map[string]time.Time
	closed     bool

	reaper *reaper
}

// New creates a registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Session.Logger == nil {
		cfg.Session.Logger = logger
	}
	metrics := cfg.Session.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
		cfg.Session.Metrics = metrics
	}
	return &Registry{
		store:       cfg.Store,
		template:    cfg.Session,
		idleTimeout: cfg.IdleTimeout,
		logger:      logger.With("component", "registry"),
		metrics:     metrics,
		sessions:    make(map[string]*entry),
		tombstones:  make(map[string]time.Time),
	}
}

// FindByUser returns the session of a bot owned by userID.
func (r *Registry) FindByUser(ctx context.Context, userID, botID string) (*bot.Session, error) {
	const op = "registry.FindByUser"
	b, err := r.store.FindBotForUser(ctx, userID, botID)
	if err != nil {
		return nil, lookupError(op, err)
	}
	return r.session(ctx, op, b)
}

// FindByToken returns the session of the bot with the given access token.
func (r *Registry) FindByToken(ctx context.Context, token string) (*bot.Session, error) {
	const op = "registry.FindByToken"
	if token == "" {
		return nil, apperr.Errorf(apperr.ErrNotFound, op, "unknown token")
	}
	b, err := r.store.FindBotByToken(ctx, token)
	if err != nil {
		return nil, lookupError(op, err)
	}
	return r.session(ctx, op, b)
}

// Create adds a bot for number and returns its started session.
func (r *Registry) Create(ctx context.Context, userID, number string) (*bot.Session, error) {
	const op = "registry.Create"
	number = SanitizeNumber(number)
	if number == "" {
		return nil, apperr.Errorf(apperr.ErrBadRequest, op, "number is required")
	}

	b, err := r.store.CreateBot(ctx, userID, number)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateNumber) {
			return nil, apperr.E(apperr.ErrBadRequest, op, err)
		}
		return nil, apperr.E(apperr.ErrServer, op, err)
	}
	r.logger.Info("bot created", "bot_id", b.ID, "user_id", userID)
	r.audit(ctx, userID, store.AuditCreateBot, b.ID, map[string]any{"number": b.Number})
	return r.session(ctx, op, b)
}

// Lookup returns the live session for botID without loading one.
func (r *Registry) Lookup(botID string) (*bot.Session, bool) {
	r.mu.Lock()
	e, ok := r.sessions[botID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-e.ready:
		return e.session, e.session != nil
	default:
		return nil, false
	}
}

// Len returns the number of cached sessions, including ones still starting.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Verify completes registration of a bot with the code the user received
// and returns the updated bot. A rejected code is a retryable bad request.
func (r *Registry) Verify(ctx context.Context, userID, botID, code string) (*store.Bot, error) {
	const op = "registry.Verify"
	code = SanitizeCode(code)
	if code == "" {
		return nil, apperr.Errorf(apperr.ErrBadRequest, op, "verification code is required")
	}

	s, err := r.FindByUser(ctx, userID, botID)
	if err != nil {
		return nil, err
	}
	if err := s.VerifyNumber(ctx, code); err != nil {
		return nil, err
	}
	if err := r.store.MarkVerified(ctx, botID); err != nil {
		return nil, apperr.E(apperr.ErrServer, op, err)
	}
	r.audit(ctx, userID, store.AuditVerifyBot, botID, nil)
	return r.refresh(ctx, op, s)
}

// CycleToken replaces a bot's access token.
func (r *Registry) CycleToken(ctx context.Context, userID, botID string) (*store.Bot, error) {
	const op = "registry.CycleToken"
	if _, err := r.store.FindBotForUser(ctx, userID, botID); err != nil {
		return nil, lookupError(op, err)
	}
	b, err := r.store.CycleToken(ctx, botID)
	if err != nil {
		return nil, lookupError(op, err)
	}
	if s, ok := r.Lookup(botID); ok {
		s.Refresh(*b)
	}
	r.logger.Info("bot token cycled", "bot_id", botID)
	r.audit(ctx, userID, store.AuditCycleToken, botID, nil)
	return b, nil
}

// Destroy stops the bot's live session, if any, and deletes the bot and its
// protocol store. Destroying a bot that no longer exists is not an error;
// destroying another user's bot is ErrNotFound.
//
// The id is tombstoned before the session is evicted, so a lookup that read
// the bot before the delete cannot cache a new session for it afterwards.
func (r *Registry) Destroy(ctx context.Context, userID, botID string) error {
	const op = "registry.Destroy"
	b, err := r.store.FindBotByID(ctx, botID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return apperr.E(apperr.ErrServer, op, err)
	}
	if b.UserID != userID {
		return apperr.Errorf(apperr.ErrNotFound, op, "bot %s not found", botID)
	}

	now := time.Now()
	r.mu.Lock()
	r.pruneTombstones(now)
	r.tombstones[botID] = now
	r.mu.Unlock()

	r.evict(botID, "destroyed")

	if err := r.store.DeleteBotWithStore(ctx, botID); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.mu.Lock()
		delete(r.tombstones, botID)
		r.mu.Unlock()
		return apperr.E(apperr.ErrServer, op, err)
	}
	r.logger.Info("bot destroyed", "bot_id", botID, "user_id", userID)
	r.audit(ctx, userID, store.AuditDeleteBot, botID, nil)
	return nil
}

// Close stops the reaper and every live session. Later lookups fail.
func (r *Registry) Close() error {
	r.stopReaper()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := r.sessions
	r.sessions = make(map[string]*entry)
	clear(r.tombstones)
	r.mu.Unlock()

	var errs []error
	for id, e := range entries {
		<-e.ready
		if e.session == nil {
			continue
		}
		r.metrics.LiveSessions.Add(context.Background(), -1)
		if err := e.session.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping bot %s: %w", id, err))
		}
	}
	r.logger.Info("registry closed", "stopped", len(entries))
	return errors.Join(errs...)
}

// session returns the cached session for b, building it if absent. Only one
// caller builds; concurrent callers for the same bot wait for its result.
// A failed build is removed from the cache so the next call retries. A bot
// destroyed while the caller held b is never cached.
func (r *Registry) session(ctx context.Context, op string, b *store.Bot) (*bot.Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apperr.E(apperr.ErrServer, op, ErrClosed)
	}
	if _, dead := r.tombstones[b.ID]; dead {
		r.mu.Unlock()
		return nil, apperr.E(apperr.ErrNotFound, op, store.ErrNotFound)
	}
	if e, ok := r.sessions[b.ID]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, apperr.E(apperr.ErrServer, op, ctx.Err())
		}
		if e.err != nil {
			return nil, lookupError(op, e.err)
		}
		return e.session, nil
	}
	e := &entry{ready: make(chan struct{})}
	r.sessions[b.ID] = e
	r.mu.Unlock()

	// Construction outlives a cancelled caller so waiters still get a result.
	s := bot.New(*b, r.template)
	startErr := s.Start(context.WithoutCancel(ctx))

	r.mu.Lock()
	_, dead := r.tombstones[b.ID]
	if (startErr != nil || dead) && r.sessions[b.ID] == e {
		delete(r.sessions, b.ID)
	}
	r.mu.Unlock()

	if dead {
		if startErr == nil {
			if err := s.Stop(); err != nil {
				r.logger.Warn("error stopping bot session", "bot_id", b.ID, "error", err)
			}
		}
		e.err = store.ErrNotFound
		close(e.ready)
		r.logger.Debug("bot destroyed during session start", "bot_id", b.ID)
		return nil, apperr.E(apperr.ErrNotFound, op, store.ErrNotFound)
	}
	if startErr != nil {
		e.err = startErr
		close(e.ready)
		r.logger.Error("failed to start bot session", "bot_id", b.ID, "error", startErr)
		return nil, apperr.E(apperr.ErrServer, op, startErr)
	}

	e.session = s
	close(e.ready)
	r.metrics.LiveSessions.Add(ctx, 1)
	r.logger.Debug("bot session cached", "bot_id", b.ID)
	return s, nil
}

// pruneTombstones forgets ids destroyed more than tombstoneTTL before now.
// The caller holds r.mu.
func (r *Registry) pruneTombstones(now time.Time) {
	for id, at := range r.tombstones {
		if now.Sub(at) > tombstoneTTL {
			delete(r.tombstones, id)
		}
	}
}

// evict removes botID from the cache and stops its session.
func (r *Registry) evict(botID, reason string) {
	r.evictEntry(botID, nil, reason)
}

// evictEntry evicts botID only while its slot is still want, or any slot
// when want is nil. It reports whether a running session was stopped.
func (r *Registry) evictEntry(botID string, want *entry, reason string) bool {
	r.mu.Lock()
	e, ok := r.sessions[botID]
	if ok && (want == nil || e == want) {
		delete(r.sessions, botID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	<-e.ready
	if e.session == nil {
		return false
	}
	r.metrics.LiveSessions.Add(context.Background(), -1)
	if err := e.session.Stop(); err != nil {
		r.logger.Warn("error stopping bot session", "bot_id", botID, "error", err)
	}
	r.logger.Info("bot session evicted", "bot_id", botID, "reason", reason)
	return true
}

// audit records a lifecycle action. Failures are logged, never returned: the
// action itself already happened.
func (r *Registry) audit(ctx context.Context, actor string, action store.AuditAction, target string, detail map[string]any) {
	entry := &store.AuditEntry{ActorUserID: actor, Action: action, TargetID: target, Detail: detail}
	if err := r.store.AppendAuditLog(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("failed to append audit log", "action", action, "target", target, "error", err)
	}
}

// refresh reloads the bot record into the live session.
func (r *Registry) refresh(ctx context.Context, op string, s *bot.Session) (*store.Bot, error) {
	b, err := r.store.FindBotByID(ctx, s.ID())
	if err != nil {
		return nil, lookupError(op, err)
	}
	s.Refresh(*b)
	return b, nil
}

func lookupError(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.E(apperr.ErrNotFound, op, err)
	}
	return apperr.E(apperr.ErrServer, op, err)
}
