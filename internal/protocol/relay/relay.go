// ABOUTME: protocol.Library backed by a relay engine reached over websockets
// ABOUTME: Each sub-client owns its own connection authenticated as number.device

// Package relay implements protocol.Library against a relay engine that runs
// the messaging protocol and keeps its state in our protocol store. Every
// account manager, sender, and receiver opens its own websocket to
// <relay>/v1/socket?role=<role>.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/protostore"
)

// DefaultCallTimeout bounds a call when the caller's context has no deadline.
const DefaultCallTimeout = 30 * time.Second

// readLimit allows attachment downloads through a single frame.
const readLimit = 64 << 20

// Sub-client roles.
const (
	roleAccount  = "account"
	roleSender   = "sender"
	roleReceiver = "receiver"
)

// Option configures a Library.
type Option func(*Library)

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Library) { l.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Library) { l.logger = logger }
}

// WithCallTimeout sets the default call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(l *Library) { l.callTimeout = d }
}

// Library dials the relay engine.
type Library struct {
	base        *url.URL
	httpClient  *http.Client
	logger      *slog.Logger
	callTimeout time.Duration
}

// New creates a Library for the relay at rawURL (ws, wss, http or https).
func New(rawURL string, opts ...Option) (*Library, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("relay url scheme must be ws, wss, http or https, got %q", u.Scheme)
	}

	l := &Library{
		base:        u,
		logger:      slog.Default(),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "relay")
	return l, nil
}

func (l *Library) socketURL(role string) string {
	u := *l.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/socket"
	u.RawQuery = url.Values{"role": {role}}.Encode()
	return u.String()
}

func (l *Library) dial(ctx context.Context, role string, creds protocol.Credentials, store *protostore.Store) (*conn, error) {
	auth := base64.StdEncoding.EncodeToString([]byte(creds.Username() + ":" + creds.Password))
	ws, resp, err := websocket.Dial(ctx, l.socketURL(role), &websocket.DialOptions{
		HTTPClient: l.httpClient,
		HTTPHeader: http.Header{"Authorization": {"Basic " + auth}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &protocol.RemoteError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("dialing relay as %s: %w", role, err)
	}
	ws.SetReadLimit(readLimit)

	logger := l.logger.With("role", role, "number", creds.Number)
	logger.Debug("relay connected")
	return newConn(ws, store, logger), nil
}

// callCtx applies the default timeout when ctx has no deadline.
func (l *Library) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || l.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.callTimeout)
}

// NewAccountManager implements protocol.Library.
func (l *Library) NewAccountManager(ctx context.Context, creds protocol.Credentials, store *protostore.Store) (protocol.AccountManager, error) {
	c, err := l.dial(ctx, roleAccount, creds, store)
	if err != nil {
		return nil, err
	}
	c.start()
	return &accountManager{lib: l, conn: c, signalingKey: creds.SignalingKey}, nil
}

// NewSender implements protocol.Library.
func (l *Library) NewSender(ctx context.Context, creds protocol.Credentials, store *protostore.Store) (protocol.Sender, error) {
	c, err := l.dial(ctx, roleSender, creds, store)
	if err != nil {
		return nil, err
	}
	c.start()
	return &sender{lib: l, conn: c}, nil
}

// NewReceiver implements protocol.Library.
func (l *Library) NewReceiver(ctx context.Context, creds protocol.Credentials, store *protostore.Store) (protocol.Receiver, error) {
	c, err := l.dial(ctx, roleReceiver, creds, store)
	if err != nil {
		return nil, err
	}
	r := newReceiver(l, c)
	c.start()
	return r, nil
}

type accountManager struct {
	lib          *Library
	conn         *conn
	signalingKey []byte
	once         sync.Once
	err          error
}

func (a *accountManager) RequestVerification(ctx context.Context, channel protocol.Channel) error {
	ctx, cancel := a.lib.callCtx(ctx)
	defer cancel()
	return a.conn.call(ctx, methodRequestVerification, verificationParams{Transport: channel}, nil)
}

func (a *accountManager) RegisterSingleDevice(ctx context.Context, code string) error {
	ctx, cancel := a.lib.callCtx(ctx)
	defer cancel()
	return a.conn.call(ctx, methodRegisterSingleDevice, registerParams{Code: code, SignalingKey: a.signalingKey}, nil)
}

func (a *accountManager) Close() error {
	a.once.Do(func() { a.err = a.conn.close() })
	return a.err
}

type sender struct {
	lib  *Library
	conn *conn
	once sync.Once
	err  error
}

func (s *sender) SendMessageToNumber(ctx context.Context, msg protocol.OutgoingMessage) (*protocol.SendResult, error) {
	ctx, cancel := s.lib.callCtx(ctx)
	defer cancel()

	var result *protocol.SendResult
	err := s.conn.call(ctx, methodSendMessage, sendParams{
		Recipient:  msg.Recipient,
		Body:       msg.Body,
		Timestamp:  msg.Timestamp,
		ProfileKey: msg.ProfileKey,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *sender) Close() error {
	s.once.Do(func() { s.err = s.conn.close() })
	return s.err
}

// receiver buffers events between the read loop and the consumer so the
// read loop never blocks while the consumer waits on a call result.
type receiver struct {
	lib    *Library
	conn   *conn
	events chan protocol.Event

	mu      sync.Mutex
	backlog []protocol.Event
	ended   bool
	wake    chan struct{}
	stop    chan struct{}

	once sync.Once
	err  error
}

func newReceiver(l *Library, c *conn) *receiver {
	r := &receiver{
		lib:    l,
		conn:   c,
		events: make(chan protocol.Event),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	c.onEvent = r.handle
	c.onClose = r.closed
	go r.forward()
	return r
}

func (r *receiver) Events() <-chan protocol.Event { return r.events }

func (r *receiver) push(ev protocol.Event) {
	r.mu.Lock()
	r.backlog = append(r.backlog, ev)
	r.mu.Unlock()
	r.notify()
}

func (r *receiver) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// forward delivers the backlog in order and closes Events once the
// connection has ended and the backlog is empty, or on Close.
func (r *receiver) forward() {
	defer close(r.events)
	for {
		r.mu.Lock()
		if len(r.backlog) > 0 {
			ev := r.backlog[0]
			r.backlog = r.backlog[1:]
			r.mu.Unlock()
			select {
			case r.events <- ev:
			case <-r.stop:
				return
			}
			continue
		}
		ended := r.ended
		r.mu.Unlock()
		if ended {
			return
		}
		select {
		case <-r.wake:
		case <-r.stop:
			return
		}
	}
}

func (r *receiver) handle(f frame) {
	switch f.Event {
	case eventMessage:
		if f.Envelope == nil {
			r.conn.logger.Warn("message event without envelope")
			return
		}
		r.push(protocol.Event{Kind: protocol.EventMessage, Envelope: f.Envelope})
	case eventEmpty:
		r.push(protocol.Event{Kind: protocol.EventEmpty})
	case eventError:
		msg := "receive failed"
		if f.Error != nil {
			msg = f.Error.Message
		}
		r.push(protocol.Event{Kind: protocol.EventError, Err: fmt.Errorf("relay: %s", msg)})
	default:
		r.conn.logger.Warn("unknown relay event", "event", f.Event)
	}
}

// closed runs once the read loop exits. A dropped connection is reported as
// an error event before Events closes.
func (r *receiver) closed(cause error, local bool) {
	if !local {
		r.push(protocol.Event{Kind: protocol.EventError, Err: fmt.Errorf("%w: %v", ErrClosed, cause)})
	}
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	r.notify()
}

func (r *receiver) DownloadAttachment(ctx context.Context, ptr protocol.AttachmentPointer) ([]byte, error) {
	ctx, cancel := r.lib.callCtx(ctx)
	defer cancel()

	var res attachmentResult
	if err := r.conn.call(ctx, methodDownloadAttachment, idParams{ID: ptr.ID}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (r *receiver) Acknowledge(ctx context.Context, envelopeID string) error {
	ctx, cancel := r.lib.callCtx(ctx)
	defer cancel()
	return r.conn.call(ctx, methodAcknowledge, idParams{ID: envelopeID}, nil)
}

func (r *receiver) Close() error {
	r.once.Do(func() {
		close(r.stop)
		r.err = r.conn.close()
	})
	return r.err
}

var _ protocol.Library = (*Library)(nil)
