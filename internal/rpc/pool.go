// ============================================================================
// RPC Client Pool
// ============================================================================
//
// Package: internal/rpc
// File: pool.go
// Purpose: The master dials many distinct workers over the course of its
// life, each at its own base URL; Pool keeps one Client (and therefore one
// underlying *http.Client connection cache) per peer instead of building a
// fresh one per call.
//
// ============================================================================

package rpc

import (
	"context"
	"sync"
	"time"
)

// Pool hands out a cached Client per base URL, all sharing one shared
// secret and timeout.
type Pool struct {
	secret  []byte
	timeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a Pool. Every peer dialed through it authenticates with
// the same shared secret, per spec.md §6 ("a shared secret known to the
// master and every worker").
func NewPool(secret []byte, timeout time.Duration) *Pool {
	return &Pool{
		secret:  secret,
		timeout: timeout,
		clients: make(map[string]*Client),
	}
}

func (p *Pool) clientFor(baseURL string) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[baseURL]
	if !ok {
		c = NewClient(baseURL, p.secret, p.timeout)
		p.clients[baseURL] = c
	}
	return c
}

// Call dials baseURL's cached Client and issues method with req, decoding
// into resp. Satisfies internal/dispatch.Caller.
func (p *Pool) Call(ctx context.Context, baseURL, method string, req, resp interface{}) error {
	return p.clientFor(baseURL).Call(ctx, method, req, resp)
}
