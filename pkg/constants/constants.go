package constants

import "time"

const (
	// ProbeInterval is the fixed period of the connection prober.
	ProbeInterval = 10 * time.Second

	// PrimaryProbeTimeout bounds a single reachability check against Primary.
	PrimaryProbeTimeout = 10 * time.Second

	// SecondaryProbeTimeout is the pool default used when the config does not set one.
	SecondaryProbeTimeout = 5 * time.Second

	// ReconnectDelay is the wait between realtime reconnect attempts.
	ReconnectDelay = 5 * time.Second

	// DefaultPageSize is the number of rows requested per page during a bulk pull.
	DefaultPageSize = 1000
)

const (
	// ChannelSuffix is appended to a table name to form its change feed channel.
	ChannelSuffix = "_changes"

	// MetaLastSync is the metadata key stamped after a fully successful bulk pull.
	MetaLastSync = "last_sync"
)
