// ABOUTME: JSON frames exchanged with the relay engine over the websocket
// ABOUTME: Calls and their results, protocol store requests, and receive events

package relay

import (
	"encoding/json"
	"fmt"

	"github.com/2389/sigbot/internal/protocol"
)

// Frame types.
const (
	frameCall        = "call"
	frameResult      = "result"
	frameStore       = "store"
	frameStoreResult = "store_result"
	frameEvent       = "event"
)

// Event names carried by event frames.
const (
	eventMessage = "message"
	eventEmpty   = "empty"
	eventError   = "error"
)

// Call methods.
const (
	methodRequestVerification  = "requestVerification"
	methodRegisterSingleDevice = "registerSingleDevice"
	methodSendMessage          = "sendMessage"
	methodAcknowledge          = "acknowledge"
	methodDownloadAttachment   = "downloadAttachment"
)

type frame struct {
	Type     string             `json:"type"`
	ID       string             `json:"id,omitempty"`
	Method   string             `json:"method,omitempty"`
	Params   json.RawMessage    `json:"params,omitempty"`
	Result   json.RawMessage    `json:"result,omitempty"`
	Error    *frameError        `json:"error,omitempty"`
	Event    string             `json:"event,omitempty"`
	Envelope *protocol.Envelope `json:"envelope,omitempty"`
}

// frameError is an error reported by either side. Code is the remote
// service's HTTP status when it rejected the request, zero otherwise.
type frameError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *frameError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
	}
	return "relay error: " + e.Message
}

// err converts a frame error into the error callers see. Rejections by the
// remote service become *protocol.RemoteError.
func (e *frameError) err() error {
	if e.Code != 0 {
		return &protocol.RemoteError{StatusCode: e.Code, Message: e.Message}
	}
	return e
}

type verificationParams struct {
	Transport protocol.Channel `json:"transport"`
}

type registerParams struct {
	Code         string `json:"code"`
	SignalingKey []byte `json:"signalingKey"`
}

type sendParams struct {
	Recipient  string `json:"recipient"`
	Body       string `json:"body"`
	Timestamp  int64  `json:"timestamp"`
	ProfileKey []byte `json:"profileKey,omitempty"`
}

type idParams struct {
	ID string `json:"id"`
}

type attachmentResult struct {
	Data []byte `json:"data"`
}
