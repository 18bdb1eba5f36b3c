package p2p

import "time"

// HostConfig holds the libp2p host configuration shared by the
// orchestrator and daemon binaries. Both use the same listen/connection
// manager defaults; only the protocol prefix and listen port differ.
type HostConfig struct {
	Listen          []string      `json:"listen" yaml:"listen"`
	EnableNoise     bool          `json:"enable_noise" yaml:"enable_noise"`
	EnableNAT       bool          `json:"enable_nat" yaml:"enable_nat"`
	ConnMgrLow      int           `json:"conn_mgr_low" yaml:"conn_mgr_low"`
	ConnMgrHigh     int           `json:"conn_mgr_high" yaml:"conn_mgr_high"`
	ConnMgrGrace    time.Duration `json:"conn_mgr_grace" yaml:"conn_mgr_grace"`
	ProtocolPrefix  string        `json:"protocol_prefix" yaml:"protocol_prefix"`
	DialTimeout     time.Duration `json:"dial_timeout" yaml:"dial_timeout"`
}

func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		Listen:         []string{"/ip4/0.0.0.0/tcp/0"},
		EnableNoise:    true,
		EnableNAT:      true,
		ConnMgrLow:     10,
		ConnMgrHigh:    100,
		ConnMgrGrace:   30 * time.Second,
		ProtocolPrefix: "/dim",
		DialTimeout:    5 * time.Second,
	}
}
