// Package transport implements the per-endpoint connection pool the
// orchestrator -> daemon RPC client (pkg/api.NodeClient) uses, plus its
// idle-connection reaper.
package transport

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

const idleSweepInterval = 300 * time.Second

// Pool hands out a shared *http.Client per endpoint, so repeated RPCs to
// the same daemon reuse one keep-alive transport instead of dialing fresh
// TCP connections per call.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*pooledClient
	stopCh  chan struct{}
}

type pooledClient struct {
	client   *http.Client
	lastUsed time.Time
}

func NewPool() *Pool {
	p := &Pool{
		clients: make(map[string]*pooledClient),
		stopCh:  make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Get returns the pooled client for endpoint, creating one on first use.
func (p *Pool) Get(endpoint string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	pc, ok := p.clients[endpoint]
	if !ok {
		pc = &pooledClient{
			client: &http.Client{
				Timeout: 30 * time.Second,
				Transport: &http.Transport{
					MaxIdleConnsPerHost: 8,
					IdleConnTimeout:     90 * time.Second,
				},
			},
		}
		p.clients[endpoint] = pc
	}
	pc.lastUsed = time.Now()
	return pc.client
}

// Endpoint builds the base URL for a node's RPC address.
func Endpoint(scheme, address string) string {
	return fmt.Sprintf("%s://%s", scheme, address)
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-idleSweepInterval)
	for endpoint, pc := range p.clients {
		if pc.lastUsed.Before(cutoff) {
			pc.client.CloseIdleConnections()
			delete(p.clients, endpoint)
		}
	}
}

// Close stops the idle sweeper and releases every pooled client's
// connections.
func (p *Pool) Close() {
	close(p.stopCh)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.clients {
		pc.client.CloseIdleConnections()
	}
}
