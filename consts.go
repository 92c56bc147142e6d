package core

import "time"

const (
	// ProductName identifies this implementation in the daemon's startup
	// log line and -version output.
	ProductName    = "quorumchat"
	ProductVersion = "dev"

	// SyncInterval is how often a proposer initiates a SYNC round to
	// discover a truncatable prefix.
	SyncInterval = 30 * time.Second

	// ReconnectBackoffMin/Max bound the binary backoff applied to
	// continuation reconnect attempts (welcome, ack_redirect, ack_refuse,
	// ack_reject).
	ReconnectBackoffMin = 50 * time.Millisecond
	ReconnectBackoffMax = 5 * time.Second

	// DefaultPort is the TCP port a participant listens on absent other
	// configuration.
	DefaultPort = 7776
)
