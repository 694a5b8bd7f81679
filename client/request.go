package client

import (
	"context"
	"time"

	"github.com/mvp-joe/daemonkit/ping"
	"github.com/mvp-joe/daemonkit/wire"
)

// pendingRequest tracks one outstanding request from registration until
// it resolves, is cancelled, or the client is cleared.
type pendingRequest struct {
	id      string
	payload map[string]any
	done    chan result
}

type result struct {
	msg map[string]any
	err error
}

func newPendingRequest(id string, payload map[string]any) *pendingRequest {
	return &pendingRequest{id: id, payload: payload, done: make(chan result, 1)}
}

func (p *pendingRequest) resolve(msg map[string]any) {
	select {
	case p.done <- result{msg: msg}:
	default:
		// Already resolved or rejected; duplicate responses for an
		// already-settled id are dropped silently (spec §9).
	}
}

func (p *pendingRequest) reject(err error) {
	select {
	case p.done <- result{err: err}:
	default:
	}
}

// Request sends payload (with its "id" overridden to a freshly minted
// one) and blocks until a matching response arrives, the context is
// cancelled, or the client rejects it via Clear. Cancelling ctx aborts
// only this caller's wait: the request is removed from the outstanding
// map, a late-arriving response for it is silently dropped, and the
// connection stays up (spec §4.4.2).
func (c *Client) Request(ctx context.Context, payload map[string]any) (map[string]any, error) {
	id := c.nextID()
	msg := wire.WithID(payload, id)

	p := newPendingRequest(id, msg)
	c.mu.Lock()
	c.outstanding[id] = p
	c.mu.Unlock()

	go func() {
		c.checkMtime()

		c.mu.Lock()
		_, stillPending := c.outstanding[id]
		connected := c.connected
		connecting := c.connecting
		conn := c.conn
		c.mu.Unlock()

		if !stillPending {
			return
		}
		if !connected && !connecting {
			_ = c.connect(ctx)
			return
		}
		if connected {
			_ = wire.WriteTo(conn, msg)
		}
	}()

	select {
	case res := <-p.done:
		return res.msg, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.outstanding, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// PingResult is the client-measured outcome of Ping.
type PingResult struct {
	Pong     ping.Pong
	Duration time.Duration
}

// Ping sends a handshake-shaped ping as a tracked request and measures
// its round-trip time.
func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	id := c.nextID()
	p := ping.New(id)

	msg, err := wire.ToMessage(p)
	if err != nil {
		return PingResult{}, err
	}

	resp, err := c.Request(ctx, msg)
	if err != nil {
		return PingResult{}, err
	}

	var pong ping.Pong
	if err := wire.Decode(resp, &pong); err != nil {
		return PingResult{}, err
	}

	return PingResult{Pong: pong, Duration: p.RTT()}, nil
}
