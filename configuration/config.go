// Package configuration holds the JSON-backed bootstrap configuration a
// quorumchat process loads at startup: who it is, where it listens, who to
// seed its membership from, and how often to run log-compaction sync.
//
// Config files are plain JSON since they are edited by hand far more
// often than they are shipped over the wire.
package configuration

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"quorumchat.io/core/ids"
)

// Peer is one other acceptor's bootstrap descriptor: its claimed paxid and
// the address a fresh process should dial to reach it.
type Peer struct {
	PaxId   ids.PaxId `json:"paxid"`
	Address string    `json:"address"`
}

// Config is the full set of knobs a process needs before it can either
// found a new session or join an existing one.
type Config struct {
	// ClusterId names the deployment this process belongs to. It is only
	// reported by String; nothing checks it when peers connect, so it does
	// not keep acceptors of different clusters apart.
	ClusterId string `json:"cluster_id"`
	// Self is this process's own paxid. Zero means "unassigned": the
	// process is waiting on a WELCOME to learn its paxid. A founding
	// process (Seeds empty) carries paxid 1, as BlankConfig sets it.
	Self ids.PaxId `json:"self"`
	// ListenAddress is the host:port this process accepts peer
	// connections on.
	ListenAddress string `json:"listen_address"`
	// Seeds lists peers of an existing session. Empty means found a new
	// session; non-empty means wait for an inbound invitation instead. The
	// daemon does not dial the listed peers.
	Seeds []Peer `json:"seeds"`
	// SyncInterval is how often the proposer issues a SYNC round to
	// advance the truncation base. Zero disables periodic sync entirely.
	SyncInterval time.Duration `json:"sync_interval"`
	// PrometheusAddress is the host:port to serve /metrics and /debug/status
	// on. Empty disables both.
	PrometheusAddress string `json:"prometheus_address"`
}

// BlankConfig returns a Config for a process that will found a brand new
// session as its first acceptor.
func BlankConfig(clusterId, listenAddress string) *Config {
	return &Config{
		ClusterId:     clusterId,
		Self:          ids.PaxId(1),
		ListenAddress: listenAddress,
		SyncInterval:  30 * time.Second,
	}
}

// Clone returns a deep copy, since Seeds is a slice and callers mutate
// configs in place while reloading.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Seeds = make([]Peer, len(c.Seeds))
	copy(cp.Seeds, c.Seeds)
	return &cp
}

// IsBlank reports whether this config has not yet been assigned a self
// paxid, i.e. it is waiting on a WELCOME to learn who it is.
func (c *Config) IsBlank() bool {
	return c == nil || c.Self == 0
}

func (c *Config) String() string {
	if c == nil {
		return "nil"
	}
	return fmt.Sprintf("Config{cluster: %v, self: %v, listen: %v, seeds: %d}",
		c.ClusterId, c.Self, c.ListenAddress, len(c.Seeds))
}

// LoadFile reads and parses a Config from a JSON file on disk.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("configuration: reading %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("configuration: parsing %s: %w", path, err)
	}
	if c.ListenAddress == "" {
		return nil, fmt.Errorf("configuration: %s: listen_address is required", path)
	}
	return &c, nil
}

// WriteFile serializes c as JSON to path, for operators bootstrapping a
// founding node's config by hand or from a prior BlankConfig.
func WriteFile(path string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
