// Package p2p is a thin libp2p identity and liveness-dialing layer. It
// does not replace the Redis heartbeat channel the registry relies on for
// status tracking (see pkg/orchestrator/registry) — it gives a NodeInfo's
// multiaddr something concrete to dial when a caller wants to verify a
// node is actually reachable before routing a job to it.
package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Host wraps a libp2p host with the small surface the rest of the system
// needs: its own multiaddr, and a way to dial a peer's multiaddr to test
// reachability.
type Host struct {
	host   host.Host
	config *HostConfig
}

func NewHost(ctx context.Context, cfg *HostConfig) (*Host, error) {
	if cfg == nil {
		cfg = DefaultHostConfig()
	}

	h, err := libp2p.New(
		libp2p.ListenAddrStrings(cfg.Listen...),
		libp2p.EnableNATService(),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	return &Host{host: h, config: cfg}, nil
}

// Addresses returns this host's dialable multiaddrs, each with the
// host's peer id appended (the form stored in NodeInfo.Address).
func (h *Host) Addresses() []string {
	addrs := h.host.Addrs()
	out := make([]string, 0, len(addrs))
	info := peer.AddrInfo{ID: h.host.ID(), Addrs: addrs}
	full, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return out
	}
	for _, a := range full {
		out = append(out, a.String())
	}
	return out
}

func (h *Host) ID() string { return h.host.ID().String() }

// Dial attempts to connect to a peer's full multiaddr (including its
// /p2p/<id> suffix) within the configured dial timeout, returning the
// round-trip connect latency on success.
func (h *Host) Dial(ctx context.Context, addr string) (time.Duration, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return 0, fmt.Errorf("parse multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return 0, fmt.Errorf("parse peer info: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, h.config.DialTimeout)
	defer cancel()

	start := time.Now()
	if err := h.host.Connect(dialCtx, *info); err != nil {
		return 0, fmt.Errorf("dial %s: %w", info.ID, err)
	}
	return time.Since(start), nil
}

func (h *Host) Close() error {
	return h.host.Close()
}
