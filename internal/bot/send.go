// ABOUTME: Outbound message delivery over the session's lazily opened sender
// ABOUTME: Recipient errors in the confirmation fail the send with the first message

package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/2389/sigbot/internal/apperr"
	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/protostore"
	"github.com/2389/sigbot/internal/telemetry"
)

// SendReceipt confirms a delivered message.
type SendReceipt struct {
	Recipient string `json:"recipient"`
	Source    string `json:"source"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// StatusSent is the only status a receipt carries.
const StatusSent = "sent"

// errEmptyResult is returned when the library confirms a send with nothing.
var errEmptyResult = errors.New("no confirmation from messaging service")

// Send delivers body to recipient.
func (s *Session) Send(ctx context.Context, recipient, body string) (_ *SendReceipt, err error) {
	const op = "bot.Send"
	ctx, span := s.startSpan(ctx, op, telemetry.AttrRecipient.String(recipient))
	defer func() { endSpan(span, err) }()
	s.touch()

	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, apperr.Errorf(apperr.ErrBadRequest, op, "recipient is required")
	}
	if body == "" {
		return nil, apperr.Errorf(apperr.ErrBadRequest, op, "message body is required")
	}

	s.mu.Lock()
	if err := s.ready(op); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	snd, err := s.openSender(ctx)
	if err != nil {
		s.mu.Unlock()
		return nil, apperr.E(apperr.ErrSend, op, err)
	}
	msg := protocol.OutgoingMessage{
		Recipient:  recipient,
		Body:       body,
		Timestamp:  s.cfg.Now().UnixMilli(),
		ProfileKey: s.store.ConfigBinary(protostore.ConfigProfileKey),
	}
	source := s.number
	s.mu.Unlock()

	start := time.Now()
	result, err := snd.SendMessageToNumber(ctx, msg)
	s.cfg.Metrics.SendDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		// The connection may be broken; the next send reconnects.
		s.dropSender(snd)
		s.cfg.Metrics.SendFailures.Add(ctx, 1)
		s.logger.Warn("send failed", "recipient", recipient, "error", err)
		return nil, apperr.E(apperr.ErrSend, op, err)
	}

	// Store updates made during the send must survive even a rejected send.
	s.persist(ctx)

	if result == nil {
		s.cfg.Metrics.SendFailures.Add(ctx, 1)
		return nil, apperr.E(apperr.ErrSend, op, errEmptyResult)
	}
	if len(result.Errors) > 0 {
		s.cfg.Metrics.SendFailures.Add(ctx, 1)
		s.logger.Debug("send rejected", "recipient", recipient, "result", result)
		return nil, apperr.Errorf(apperr.ErrSend, op, "%s", result.Errors[0].Message)
	}

	s.cfg.Metrics.MessagesSent.Add(ctx, 1, metric.WithAttributes(telemetry.AttrBotID.String(s.id)))
	s.logger.Info("message sent", "recipient", recipient, "timestamp", msg.Timestamp)
	return &SendReceipt{
		Recipient: recipient,
		Source:    source,
		Status:    StatusSent,
		Timestamp: msg.Timestamp,
	}, nil
}

// openSender requires mu.
func (s *Session) openSender(ctx context.Context) (protocol.Sender, error) {
	if s.sender != nil {
		return s.sender, nil
	}
	snd, err := s.cfg.Library.NewSender(ctx, s.credentials(), s.store)
	if err != nil {
		return nil, err
	}
	s.sender = snd
	s.logger.Debug("sender connected")
	return snd, nil
}

// dropSender closes snd if it is still the session's sender.
func (s *Session) dropSender(snd protocol.Sender) {
	s.mu.Lock()
	if s.sender != snd {
		s.mu.Unlock()
		return
	}
	s.sender = nil
	s.mu.Unlock()
	if err := snd.Close(); err != nil {
		s.logger.Debug("closing sender", "error", err)
	}
}
