// ABOUTME: One websocket connection to the relay engine
// ABOUTME: Routes results to pending calls by id and serves store requests inline

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/sigbot/internal/protostore"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("relay connection closed")

// conn multiplexes calls over a websocket. Store requests from the relay are
// answered in read order, before any later frame is handled.
type conn struct {
	ws     *websocket.Conn
	store  *protostore.Store
	logger *slog.Logger

	// onEvent handles event frames; nil drops them.
	onEvent func(frame)
	// onClose runs once when the read loop exits. local is true when close
	// was called, otherwise cause is why the connection dropped.
	onClose func(cause error, local bool)

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool
	local   bool
	err     error

	done chan struct{}
}

func newConn(ws *websocket.Conn, store *protostore.Store, logger *slog.Logger) *conn {
	return &conn{
		ws:      ws,
		store:   store,
		logger:  logger,
		pending: make(map[string]chan frame),
		done:    make(chan struct{}),
	}
}

// start begins reading frames. Set the handlers before calling it.
func (c *conn) start() {
	go c.readLoop()
}

func (c *conn) readLoop() {
	defer close(c.done)

	ctx := context.Background()
	for {
		var f frame
		if err := wsjson.Read(ctx, c.ws, &f); err != nil {
			c.shutdown(err)
			return
		}

		switch f.Type {
		case frameResult:
			c.deliver(f)
		case frameStore:
			c.serveStore(ctx, f)
		case frameEvent:
			if c.onEvent != nil {
				c.onEvent(f)
			}
		default:
			c.logger.Warn("unexpected relay frame", "type", f.Type, "id", f.ID)
		}
	}
}

// call sends a request and waits for its result.
func (c *conn) call(ctx context.Context, method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding %s params: %w", method, err)
	}

	id := uuid.New().String()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c.ws, frame{Type: frameCall, ID: id, Method: method, Params: raw}); err != nil {
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return c.closeErr()
		}
		if f.Error != nil {
			return f.Error.err()
		}
		if out != nil && len(f.Result) > 0 {
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver routes a result frame to its pending call.
func (c *conn) deliver(f frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("received result for unknown request", "request_id", f.ID)
		return
	}
	ch <- f
}

func (c *conn) serveStore(ctx context.Context, f frame) {
	reply := frame{Type: frameStoreResult, ID: f.ID}

	result, err := dispatchStore(c.store, f.Method, f.Params)
	if err == nil {
		reply.Result, err = json.Marshal(result)
	}
	if err != nil {
		c.logger.Warn("store request failed", "method", f.Method, "error", err)
		reply.Result = nil
		reply.Error = &frameError{Message: err.Error()}
	}

	if err := wsjson.Write(ctx, c.ws, reply); err != nil {
		c.logger.Debug("failed to answer store request", "method", f.Method, "error", err)
	}
}

// shutdown fails every pending call and runs onClose once.
func (c *conn) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	local := c.local
	if local {
		c.err = ErrClosed
	} else {
		c.err = fmt.Errorf("%w: %v", ErrClosed, cause)
	}
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if c.onClose != nil {
		c.onClose(cause, local)
	}
}

func (c *conn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// close shuts the websocket down and waits for the read loop to exit.
func (c *conn) close() error {
	c.mu.Lock()
	c.local = true
	dropped := c.closed
	c.mu.Unlock()

	err := c.ws.Close(websocket.StatusNormalClosure, "bye")
	<-c.done
	if err == nil || dropped || isCloseError(err) {
		return nil
	}
	return err
}

func isCloseError(err error) bool {
	return websocket.CloseStatus(err) != -1 || errors.Is(err, net.ErrClosed)
}
