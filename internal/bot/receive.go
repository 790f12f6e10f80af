// ABOUTME: Receive pipeline: a long-lived receiver feeding a bounded message queue
// ABOUTME: Attachments are saved before an envelope is acknowledged upstream

package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/2389/sigbot/internal/apperr"
	"github.com/2389/sigbot/internal/dedupe"
	"github.com/2389/sigbot/internal/protocol"
	"github.com/2389/sigbot/internal/telemetry"
)

var errReceiverClosed = errors.New("receiver connection closed")

// Receive returns the messages received since the last call. The first call
// opens the receiver and waits up to the grace window for the queued batch;
// later calls drain without waiting. A receiver failure is reported once,
// together with whatever was queued before it, and the next call reconnects.
func (s *Session) Receive(ctx context.Context) (msgs []Message, err error) {
	const op = "bot.Receive"
	ctx, span := s.startSpan(ctx, op)
	defer func() {
		span.SetAttributes(telemetry.AttrMessages.Int(len(msgs)))
		endSpan(span, err)
	}()
	s.touch()

	s.mu.Lock()
	if err := s.ready(op); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if failed := s.takeRecvErr(); failed != nil {
		s.mu.Unlock()
		return s.finishReceive(ctx, op, failed)
	}

	var batch <-chan struct{}
	var done <-chan struct{}
	if s.receiver == nil {
		b, err := s.openReceiver(ctx)
		if err != nil {
			s.mu.Unlock()
			s.cfg.Metrics.ReceiveErrors.Add(ctx, 1)
			return []Message{}, apperr.E(apperr.ErrReceive, op, err)
		}
		batch, done = b, s.recvDone
	}
	s.mu.Unlock()

	if batch != nil {
		s.waitForBatch(ctx, batch, done)
	}

	s.mu.Lock()
	failed := s.takeRecvErr()
	s.mu.Unlock()
	return s.finishReceive(ctx, op, failed)
}

// finishReceive drains the queue and persists the store.
func (s *Session) finishReceive(ctx context.Context, op string, failed error) ([]Message, error) {
	msgs := s.queue.drain()
	s.persist(ctx)
	if failed != nil {
		return msgs, apperr.E(apperr.ErrReceive, op, failed)
	}
	return msgs, nil
}

// takeRecvErr requires mu.
func (s *Session) takeRecvErr() error {
	err := s.recvErr
	s.recvErr = nil
	return err
}

func (s *Session) waitForBatch(ctx context.Context, batch, done <-chan struct{}) {
	grace := s.cfg.ReceiveGrace
	if grace <= 0 {
		grace = DefaultReceiveGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-batch:
	case <-done:
	case <-ctx.Done():
	}
}

// openReceiver requires mu. The receiver outlives the calling request, so
// its context derives from Background and is cancelled only by Stop or a
// receive failure. The returned channel fires when the first batch ends.
func (s *Session) openReceiver(ctx context.Context) (<-chan struct{}, error) {
	creds := s.credentials().WithDevice(protocol.ReceiverDeviceID)
	r, err := s.cfg.Library.NewReceiver(ctx, creds, s.store)
	if err != nil {
		return nil, fmt.Errorf("opening receiver: %w", err)
	}

	recvCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	batch := make(chan struct{}, 1)
	s.receiver = r
	s.recvCancel = cancel
	s.recvDone = done

	go s.pump(recvCtx, r, batch, done)

	s.logger.Debug("receiver connected")
	return batch, nil
}

// pump turns receiver events into queued messages until the receiver fails
// or the session stops.
func (s *Session) pump(ctx context.Context, r protocol.Receiver, batch chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	events := r.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.failReceive(ctx, r, errReceiverClosed)
				return
			}
			switch ev.Kind {
			case protocol.EventMessage:
				if ev.Envelope == nil {
					continue
				}
				if err := s.handleEnvelope(ctx, r, ev.Envelope); err != nil {
					if ctx.Err() != nil {
						return
					}
					s.logger.Error("failed to handle envelope", "envelope_id", ev.Envelope.ID, "error", err)
					s.failReceive(ctx, r, err)
					return
				}
			case protocol.EventEmpty:
				s.logger.Debug("receive batch complete", "pending", s.queue.len())
				select {
				case batch <- struct{}{}:
				default:
				}
			case protocol.EventError:
				err := ev.Err
				if err == nil {
					err = errReceiverClosed
				}
				s.logger.Warn("receiver error", "error", err)
				s.failReceive(ctx, r, err)
				return
			}
		}
	}
}

// handleEnvelope saves attachments, queues the message, then acknowledges.
// An error leaves the envelope unacknowledged so the service redelivers it.
func (s *Session) handleEnvelope(ctx context.Context, r protocol.Receiver, env *protocol.Envelope) error {
	key := dedupe.Key(s.id, env.ID)
	if s.cfg.Seen != nil && env.ID != "" && s.cfg.Seen.Seen(key) {
		s.logger.Debug("dropping redelivered envelope", "envelope_id", env.ID)
		if err := r.Acknowledge(ctx, env.ID); err != nil {
			return fmt.Errorf("acknowledging envelope: %w", err)
		}
		return nil
	}

	msg := Message{
		Source:      env.Source,
		Timestamp:   env.Timestamp,
		Body:        env.Body,
		Attachments: []Attachment{},
	}

	if s.cfg.Attachments == nil {
		if err := r.Acknowledge(ctx, env.ID); err != nil {
			return fmt.Errorf("acknowledging envelope: %w", err)
		}
		return s.enqueue(ctx, key, msg)
	}

	saved, err := s.cfg.Attachments.Save(ctx, s.id, env, r.DownloadAttachment)
	if err != nil {
		return err
	}
	msg.Attachments = saved
	if len(saved) > 0 {
		s.cfg.Metrics.AttachmentsSaved.Add(ctx, int64(len(saved)))
	}

	if err := s.enqueue(ctx, key, msg); err != nil {
		return err
	}
	if err := r.Acknowledge(ctx, env.ID); err != nil {
		return fmt.Errorf("acknowledging envelope: %w", err)
	}
	return nil
}

// enqueue queues msg and marks its envelope as handled.
func (s *Session) enqueue(ctx context.Context, key string, msg Message) error {
	if err := s.queue.push(ctx, msg); err != nil {
		return err
	}
	if s.cfg.Seen != nil {
		s.cfg.Seen.Mark(key)
	}
	s.cfg.Metrics.MessagesReceived.Add(ctx, 1, metric.WithAttributes(telemetry.AttrBotID.String(s.id)))
	return nil
}

// failReceive tears down r and records err for the next Receive. It is a
// no-op when r is no longer the session's receiver.
func (s *Session) failReceive(ctx context.Context, r protocol.Receiver, err error) {
	s.mu.Lock()
	if s.receiver != r {
		s.mu.Unlock()
		return
	}
	cancel := s.recvCancel
	s.receiver, s.recvCancel, s.recvDone = nil, nil, nil
	s.recvErr = err
	s.mu.Unlock()

	cancel()
	if cerr := r.Close(); cerr != nil {
		s.logger.Debug("closing receiver", "error", cerr)
	}
	s.cfg.Metrics.ReceiveErrors.Add(context.WithoutCancel(ctx), 1)
	s.logger.Info("receiver torn down", "error", err)
}
