// ABOUTME: Interfaces and types for the external secure messaging library
// ABOUTME: Account, sender, and receiver sub-clients plus the receive event stream

package protocol

import (
	"context"
	"fmt"
	"strconv"

	"github.com/2389/sigbot/internal/protostore"
)

// ReceiverDeviceID is the device id used when a bot opens its receive connection.
const ReceiverDeviceID = 1

// Credentials authenticate a bot against the messaging service.
type Credentials struct {
	Number       string
	Password     string
	DeviceID     uint32
	SignalingKey []byte
}

// Username renders the login name: the bare number, or number.device when a
// device id is set.
func (c Credentials) Username() string {
	if c.DeviceID == 0 {
		return c.Number
	}
	return c.Number + "." + strconv.FormatUint(uint64(c.DeviceID), 10)
}

// WithDevice returns a copy of c bound to the given device id.
func (c Credentials) WithDevice(id uint32) Credentials {
	c.DeviceID = id
	return c
}

// Channel is how a verification code is delivered.
type Channel string

// Verification channels.
const (
	ChannelSMS   Channel = "sms"
	ChannelVoice Channel = "voice"
)

// ParseChannel accepts "sms", "voice", or "" (sms).
func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case "", ChannelSMS:
		return ChannelSMS, nil
	case ChannelVoice:
		return ChannelVoice, nil
	default:
		return "", fmt.Errorf("unknown verification channel %q", s)
	}
}

// Library constructs protocol sub-clients for one bot.
type Library interface {
	NewAccountManager(ctx context.Context, creds Credentials, store *protostore.Store) (AccountManager, error)
	NewSender(ctx context.Context, creds Credentials, store *protostore.Store) (Sender, error)
	NewReceiver(ctx context.Context, creds Credentials, store *protostore.Store) (Receiver, error)
}

// AccountManager handles number verification and device registration.
type AccountManager interface {
	RequestVerification(ctx context.Context, channel Channel) error
	// RegisterSingleDevice completes registration with the code the user
	// received. The library writes the new identity and prekeys to the store.
	RegisterSingleDevice(ctx context.Context, code string) error
	Close() error
}

// OutgoingMessage is a text message to a single recipient.
type OutgoingMessage struct {
	Recipient  string
	Body       string
	Timestamp  int64
	ProfileKey []byte
}

// SendFailure describes why delivery to one number failed.
type SendFailure struct {
	Number  string `json:"number"`
	Message string `json:"message"`
}

// SendResult is the library's confirmation for one send.
type SendResult struct {
	Timestamp  int64         `json:"timestamp"`
	Successful []string      `json:"successful,omitempty"`
	Errors     []SendFailure `json:"errors,omitempty"`
}

// Sender delivers outgoing messages over a long-lived connection.
type Sender interface {
	SendMessageToNumber(ctx context.Context, msg OutgoingMessage) (*SendResult, error)
	Close() error
}

// AttachmentPointer references an attachment held by the service.
type AttachmentPointer struct {
	ID          string `json:"id"`
	ContentType string `json:"contentType"`
	FileName    string `json:"fileName,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// Envelope is one decrypted inbound message.
type Envelope struct {
	ID           string              `json:"id"`
	Source       string              `json:"source"`
	SourceDevice uint32              `json:"sourceDevice"`
	Timestamp    int64               `json:"timestamp"`
	Body         string              `json:"body"`
	Attachments  []AttachmentPointer `json:"attachments,omitempty"`
}

// EventKind distinguishes receive events.
type EventKind int

// Receive event kinds.
const (
	// EventMessage carries an Envelope.
	EventMessage EventKind = iota
	// EventEmpty marks the end of the queued batch. The connection stays open.
	EventEmpty
	// EventError carries a fatal receive error. No further events follow.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventEmpty:
		return "empty"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one item from a Receiver's stream.
type Event struct {
	Kind     EventKind
	Envelope *Envelope
	Err      error
}

// Receiver streams inbound events. Events is closed when the receiver closes.
type Receiver interface {
	Events() <-chan Event
	DownloadAttachment(ctx context.Context, ptr AttachmentPointer) ([]byte, error)
	// Acknowledge tells the service the envelope has been handled and can be dropped.
	Acknowledge(ctx context.Context, envelopeID string) error
	Close() error
}

// RemoteError is a rejection returned by the messaging service. The caller
// may retry the operation.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error %d", e.StatusCode)
	}
	return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Message)
}
