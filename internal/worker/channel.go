package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmswain/foreman/internal/protocol"
)

// result is the outcome delivered to a pending request's continuation.
type result struct {
	data json.RawMessage
	err  error
}

// channel is the structured bidirectional message path to one worker. It
// correlates host-originated requests with responses by request id and
// dispatches worker-originated requests to the injected handler table.
type channel struct {
	workerID string
	conn     net.Conn
	routes   Routes
	logger   *slog.Logger

	// onStats receives parsed stats payloads from the worker.
	onStats func(protocol.Stats)
	// onActivity fires for every inbound message.
	onActivity func()

	// writeMu serializes writes; mu guards the pending table.
	writeMu sync.Mutex
	mu      sync.Mutex

	pending map[string]chan result
	closed  bool
	cause   error

	readyCh chan protocol.ReadyInfo
	faultCh chan error
	done    chan struct{}
}

func newChannel(workerID string, conn net.Conn, routes Routes, logger *slog.Logger) *channel {
	return &channel{
		workerID: workerID,
		conn:     conn,
		routes:   routes,
		logger:   logger,
		pending:  make(map[string]chan result),
		readyCh:  make(chan protocol.ReadyInfo, 1),
		faultCh:  make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// ready delivers the worker's ready signal, at most once.
func (c *channel) ready() <-chan protocol.ReadyInfo {
	return c.readyCh
}

// fault delivers the first channel-breaking error.
func (c *channel) fault() <-chan error {
	return c.faultCh
}

// readLoop processes inbound messages in arrival order until the connection
// breaks or closes. Worker-originated requests are handled inline so that a
// worker observes its own messages being served in the order it sent them.
func (c *channel) readLoop() {
	dec := protocol.NewDecoder(c.conn)
	for {
		msg, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.reportFault(fmt.Errorf("worker closed channel: %w", io.ErrUnexpectedEOF))
			} else {
				c.reportFault(fmt.Errorf("channel read: %w", err))
			}
			return
		}

		if c.onActivity != nil {
			c.onActivity()
		}

		switch msg.Type {
		case protocol.TypeReady:
			var info protocol.ReadyInfo
			if len(msg.Data) > 0 {
				_ = json.Unmarshal(msg.Data, &info)
			}
			select {
			case c.readyCh <- info:
			default:
				c.logger.Warn("duplicate ready message ignored")
			}

		case protocol.TypeResponse:
			c.resolve(msg)

		case protocol.TypeRequest:
			c.serveRequest(msg)

		case protocol.TypeStats:
			var stats protocol.Stats
			if err := json.Unmarshal(msg.Data, &stats); err != nil {
				c.logger.Warn("malformed stats payload", "error", err)
				continue
			}
			if c.onStats != nil {
				c.onStats(stats)
			}

		case protocol.TypeEvent:
			c.logger.Debug("worker event", "route", msg.Route, "data", string(msg.Data))

		case protocol.TypeError:
			c.reportFault(fmt.Errorf("worker reported fatal error: %s", msg.Error))
			return

		case protocol.TypeShutdown:
			// Host-to-worker only; a worker sending it is a protocol slip.
			c.logger.Warn("unexpected shutdown message from worker")
		}
	}
}

// reportFault records the first channel-breaking error.
func (c *channel) reportFault(err error) {
	select {
	case c.faultCh <- err:
	default:
	}
}

// send writes one message to the worker.
func (c *channel) send(msg *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := protocol.Encode(c.conn, msg); err != nil {
		return fmt.Errorf("send %s to worker: %w", msg.Type, err)
	}
	return nil
}

// sendRequest transmits a request and blocks until the matching response, the
// timeout, or ctx cancellation. The pending entry is removed exactly once
// regardless of outcome.
func (c *channel) sendRequest(ctx context.Context, route string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.closed {
		cause := c.cause
		c.mu.Unlock()
		return nil, cause
	}
	c.pending[id] = ch
	c.mu.Unlock()

	err := c.send(&protocol.Message{
		Type:      protocol.TypeRequest,
		RequestID: id,
		Route:     route,
		Data:      payload,
	})
	if err != nil {
		c.take(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil

	case <-timer.C:
		if c.take(id) == nil {
			// The response landed while the timer fired; honor it.
			res := <-ch
			if res.err != nil {
				return nil, res.err
			}
			return res.data, nil
		}
		return nil, fmt.Errorf("no response for %s within %s: %w", route, timeout, ErrRequestTimeout)

	case <-ctx.Done():
		c.take(id)
		return nil, ctx.Err()
	}
}

// take removes and returns the pending entry for id, or nil if it was
// already resolved. This is the single removal point for pending requests.
func (c *channel) take(id string) chan result {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.pending[id]
	delete(c.pending, id)
	return ch
}

// resolve matches a response to its pending request.
func (c *channel) resolve(msg *protocol.Message) {
	ch := c.take(msg.RequestID)
	if ch == nil {
		c.logger.Warn("response with no matching request", "request_id", msg.RequestID)
		return
	}
	if msg.IsFailure() {
		ch <- result{err: fmt.Errorf("worker error: %s", msg.Error)}
		return
	}
	ch <- result{data: msg.Data}
}

// serveRequest dispatches a worker-originated request to the handler table
// and always answers with exactly one response.
func (c *channel) serveRequest(msg *protocol.Message) {
	resp := &protocol.Message{
		Type:      protocol.TypeResponse,
		RequestID: msg.RequestID,
	}

	handler, ok := c.routes[msg.Route]
	if !ok {
		resp.Error = fmt.Sprintf("route not implemented: %s", msg.Route)
	} else {
		out, err := c.callHandler(handler, msg)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Data = out
		}
	}

	if err := c.send(resp); err != nil {
		c.logger.Error("failed to send response to worker", "route", msg.Route, "error", err)
	}
}

// callHandler runs a handler, converting panics into failure responses so a
// faulty handler cannot take down the channel.
func (c *channel) callHandler(handler Handler, msg *protocol.Message) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v", msg.Route, r)
		}
	}()

	res, err := handler(context.Background(), c.workerID, msg.Data)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return json.RawMessage(`{}`), nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal handler result: %w", err)
	}
	return data, nil
}

// close tears the channel down, failing every pending request with cause.
// Safe to call more than once.
func (c *channel) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	drained := make([]chan result, 0, len(c.pending))
	for id, ch := range c.pending {
		drained = append(drained, ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, ch := range drained {
		ch <- result{err: cause}
	}

	_ = c.conn.Close()
	close(c.done)
}

// pendingCount reports outstanding requests; used by tests and teardown
// diagnostics.
func (c *channel) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
