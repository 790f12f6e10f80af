// ABOUTME: Bounded FIFO of received messages waiting for the next Receive call
// ABOUTME: A full queue blocks the receive loop, so unacknowledged envelopes stay upstream

package bot

import "context"

// DefaultQueueSize bounds the number of undelivered messages per session.
const DefaultQueueSize = 1000

type messageQueue struct {
	ch chan Message
}

func newMessageQueue(size int) *messageQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &messageQueue{ch: make(chan Message, size)}
}

// push blocks while the queue is full, which holds back acknowledgements
// until a caller drains it.
func (q *messageQueue) push(ctx context.Context, m Message) error {
	select {
	case q.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain removes and returns everything queued, oldest first.
func (q *messageQueue) drain() []Message {
	out := make([]Message, 0, len(q.ch))
	for {
		select {
		case m := <-q.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func (q *messageQueue) len() int { return len(q.ch) }
