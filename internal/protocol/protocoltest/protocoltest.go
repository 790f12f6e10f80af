// ABOUTME: In-memory protocol.Library fake for bot session and registry tests
// ABOUTME: Records calls and lets tests script send results and receive events

// Package protocoltest provides a scriptable fake protocol.Library.
package protocoltest

import (
	"context"
	"fmt"
	"sync"

	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/protostore"
)

// Library is a fake protocol.Library. Zero-value hooks mean success.
type Library struct {
	mu sync.Mutex

	// ExpectedCode, when set, makes RegisterSingleDevice reject other codes
	// with a 403 RemoteError.
	ExpectedCode string
	RequestErr   error
	// RegisterErr, when set, is returned by every RegisterSingleDevice.
	RegisterErr error
	SendFunc     func(protocol.OutgoingMessage) (*protocol.SendResult, error)
	SenderErr    error
	ReceiverErr  error
	DownloadErr  error

	// Queued events are delivered by the next receiver as soon as it opens.
	Queued []protocol.Event
	// Attachments maps attachment ids to their content.
	Attachments map[string][]byte

	requests  []protocol.Channel
	sent      []protocol.OutgoingMessage
	senders   int
	receivers []*Receiver
	acked     []string
	creds     []protocol.Credentials
}

// New returns a fake library.
func New() *Library {
	return &Library{Attachments: make(map[string][]byte)}
}

// NewAccountManager implements protocol.Library.
func (l *Library) NewAccountManager(_ context.Context, creds protocol.Credentials, store *protostore.Store) (protocol.AccountManager, error) {
	l.mu.Lock()
	l.creds = append(l.creds, creds)
	l.mu.Unlock()
	return &accountManager{lib: l, store: store}, nil
}

// NewSender implements protocol.Library.
func (l *Library) NewSender(_ context.Context, creds protocol.Credentials, _ *protostore.Store) (protocol.Sender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SenderErr != nil {
		return nil, l.SenderErr
	}
	l.senders++
	l.creds = append(l.creds, creds)
	return &sender{lib: l}, nil
}

// NewReceiver implements protocol.Library.
func (l *Library) NewReceiver(_ context.Context, creds protocol.Credentials, _ *protostore.Store) (protocol.Receiver, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ReceiverErr != nil {
		return nil, l.ReceiverErr
	}
	r := &Receiver{lib: l, events: make(chan protocol.Event, 64)}
	for _, ev := range l.Queued {
		r.events <- ev
	}
	l.Queued = nil
	l.receivers = append(l.receivers, r)
	l.creds = append(l.creds, creds)
	return r, nil
}

// Requests returns the verification channels requested so far.
func (l *Library) Requests() []protocol.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Channel{}, l.requests...)
}

// Sent returns every message passed to a sender.
func (l *Library) Sent() []protocol.OutgoingMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.OutgoingMessage{}, l.sent...)
}

// SenderCount returns how many senders were opened.
func (l *Library) SenderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.senders
}

// ReceiverCount returns how many receivers were opened.
func (l *Library) ReceiverCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.receivers)
}

// LastReceiver returns the most recently opened receiver, or nil.
func (l *Library) LastReceiver() *Receiver {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.receivers) == 0 {
		return nil
	}
	return l.receivers[len(l.receivers)-1]
}

// Acked returns acknowledged envelope ids in order.
func (l *Library) Acked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.acked...)
}

// Credentials returns the credentials every sub-client was built with.
func (l *Library) Credentials() []protocol.Credentials {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.Credentials{}, l.creds...)
}

type accountManager struct {
	lib   *Library
	store *protostore.Store
}

func (a *accountManager) RequestVerification(_ context.Context, channel protocol.Channel) error {
	a.lib.mu.Lock()
	defer a.lib.mu.Unlock()
	if a.lib.RequestErr != nil {
		return a.lib.RequestErr
	}
	a.lib.requests = append(a.lib.requests, channel)
	return nil
}

func (a *accountManager) RegisterSingleDevice(_ context.Context, code string) error {
	a.lib.mu.Lock()
	expected, registerErr := a.lib.ExpectedCode, a.lib.RegisterErr
	a.lib.mu.Unlock()

	if registerErr != nil {
		return registerErr
	}
	if expected != "" && code != expected {
		return &protocol.RemoteError{StatusCode: 403, Message: "incorrect verification code"}
	}
	if err := a.store.PutIdentityKeyPair(protostore.KeyPair{
		PubKey:  []byte("fake-public-" + code),
		PrivKey: []byte("fake-private-" + code),
	}); err != nil {
		return err
	}
	return a.store.PutLocalRegistrationID(1234)
}

func (a *accountManager) Close() error { return nil }

type sender struct {
	lib *Library
}

func (s *sender) SendMessageToNumber(_ context.Context, msg protocol.OutgoingMessage) (*protocol.SendResult, error) {
	s.lib.mu.Lock()
	s.lib.sent = append(s.lib.sent, msg)
	fn := s.lib.SendFunc
	s.lib.mu.Unlock()

	if fn != nil {
		return fn(msg)
	}
	return &protocol.SendResult{Timestamp: msg.Timestamp, Successful: []string{msg.Recipient}}, nil
}

func (s *sender) Close() error { return nil }

// Receiver is the fake receive connection.
type Receiver struct {
	lib    *Library
	mu     sync.Mutex
	events chan protocol.Event
	closed bool
}

// Events implements protocol.Receiver.
func (r *Receiver) Events() <-chan protocol.Event { return r.events }

// Push delivers an event. Events pushed after Close are dropped.
func (r *Receiver) Push(ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.events <- ev
}

// PushMessage delivers a message event.
func (r *Receiver) PushMessage(env protocol.Envelope) {
	r.Push(protocol.Event{Kind: protocol.EventMessage, Envelope: &env})
}

// PushEmpty delivers an end-of-batch event.
func (r *Receiver) PushEmpty() {
	r.Push(protocol.Event{Kind: protocol.EventEmpty})
}

// PushError delivers a fatal error event.
func (r *Receiver) PushError(err error) {
	r.Push(protocol.Event{Kind: protocol.EventError, Err: err})
}

// Closed reports whether Close was called.
func (r *Receiver) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// DownloadAttachment implements protocol.Receiver.
func (r *Receiver) DownloadAttachment(_ context.Context, ptr protocol.AttachmentPointer) ([]byte, error) {
	r.lib.mu.Lock()
	defer r.lib.mu.Unlock()
	if r.lib.DownloadErr != nil {
		return nil, r.lib.DownloadErr
	}
	data, ok := r.lib.Attachments[ptr.ID]
	if !ok {
		return nil, fmt.Errorf("attachment %s not found", ptr.ID)
	}
	return data, nil
}

// Acknowledge implements protocol.Receiver.
func (r *Receiver) Acknowledge(_ context.Context, envelopeID string) error {
	r.lib.mu.Lock()
	defer r.lib.mu.Unlock()
	r.lib.acked = append(r.lib.acked, envelopeID)
	return nil
}

// Close implements protocol.Receiver.
func (r *Receiver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

var _ protocol.Library = (*Library)(nil)
var _ protocol.Receiver = (*Receiver)(nil)
