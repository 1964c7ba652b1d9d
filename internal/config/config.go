// Package config holds the mesh's tunables, with defaults matching every
// "(default ...)" value named across spec.md. It is constructed either from
// CLI flags (cmd/meshnode) or directly by tests.
package config

import "time"

// Mode selects which of the façade's init variants a node runs under.
type Mode int

const (
	ModeNode Mode = iota
	ModeBridge
	ModeSharedGateway
)

// BridgeStrategy selects how a non-bridge node picks which bridge to route
// internet traffic through (spec.md §4.H.3).
type BridgeStrategy int

const (
	StrategyPriorityBased BridgeStrategy = iota
	StrategyRoundRobin
	StrategyBestSignal
)

// Config is the full set of mesh tunables.
type Config struct {
	SSID       string
	Password   string
	Port       int
	Channel    int // 0 means auto-detect
	Hidden     bool
	MaxConn    int
	Mode       Mode

	RouterSSID     string
	RouterPassword string
	BridgePriority int

	MaxFrameSize      int
	EgressSoftCap     int
	DeletionSpacing   time.Duration
	ConnTimeout       time.Duration

	NodeSyncInterval time.Duration
	TimeSyncInterval time.Duration

	StationScanMaxRetries   int
	StationTCPMaxRetries    int
	StationBackoffBase      time.Duration
	StationBackoffCap       time.Duration
	StationBlockDuration    time.Duration
	IsolatedBridgeThreshold int

	BridgeStatusInterval       time.Duration
	BridgeTimeout              time.Duration
	BridgeElectionMonitorEvery time.Duration
	BridgeElectionStartupGrace time.Duration
	BridgeElectionWindowMin    time.Duration
	BridgeElectionWindowMax    time.Duration
	BridgeRoleChangeCooldown   time.Duration
	BridgeCoordinationInterval time.Duration
	BridgeStrategy             BridgeStrategy

	GatewayDeadline      time.Duration
	GatewaySweepInterval time.Duration
	GatewayBackoffBase   time.Duration

	OfflineQueueSize int
	OfflineFlushGap  time.Duration

	CaptivePortalURL          string
	CaptivePortalExpectedBody string
	DNSProbeHost              string
}

// Default returns a Config with every spec.md default applied.
func Default() Config {
	return Config{
		Port:    5555,
		MaxConn: 10,
		Mode:    ModeNode,

		MaxFrameSize:    2048,
		EgressSoftCap:   64,
		DeletionSpacing: 1000 * time.Millisecond,
		ConnTimeout:     30 * time.Second,

		NodeSyncInterval: 30 * time.Second,
		TimeSyncInterval: 30 * time.Second,

		StationScanMaxRetries:   5,
		StationTCPMaxRetries:    5,
		StationBackoffBase:      1 * time.Second,
		StationBackoffCap:       8 * time.Second,
		StationBlockDuration:    60 * time.Second,
		IsolatedBridgeThreshold: 6,

		BridgeStatusInterval:       30 * time.Second,
		BridgeTimeout:              90 * time.Second,
		BridgeElectionMonitorEvery: 30 * time.Second,
		BridgeElectionStartupGrace: 60 * time.Second,
		BridgeElectionWindowMin:    1 * time.Second,
		BridgeElectionWindowMax:    3 * time.Second,
		BridgeRoleChangeCooldown:   60 * time.Second,
		BridgeCoordinationInterval: 30 * time.Second,
		BridgeStrategy:             StrategyPriorityBased,

		GatewayDeadline:      30 * time.Second,
		GatewaySweepInterval: 5 * time.Second,
		GatewayBackoffBase:   2 * time.Second,

		OfflineQueueSize: 50,
		OfflineFlushGap:  50 * time.Millisecond,

		CaptivePortalURL:          "http://connectivitycheck.example/generate_204",
		CaptivePortalExpectedBody: "",
		DNSProbeHost:              "connectivitycheck.example",
	}
}
