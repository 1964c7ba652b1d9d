// Package mesh implements the public façade (spec.md §4.I): wiring every
// other internal package into the three init variants, the send
// primitives, the named callbacks, and the query methods.
//
// Grounded on the teacher's top-level `pkg/mcast` package, which exposes a
// single `Peer`-owning entry point wrapping transport/storage/state-machine
// construction behind a small public surface — generalized here from one
// consensus peer to one mesh node owning routing, topology, time sync,
// station join, and (conditionally) the bridge subsystem.
package mesh

import (
	"encoding/json"
	"errors"
	"runtime"
	"time"

	"github.com/wireweave/mesh/internal/bridge"
	"github.com/wireweave/mesh/internal/clock"
	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/radio"
	"github.com/wireweave/mesh/internal/router"
	"github.com/wireweave/mesh/internal/routing"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/station"
	"github.com/wireweave/mesh/internal/timesync"
	"github.com/wireweave/mesh/internal/topology"
	"github.com/wireweave/mesh/internal/transport"
	"github.com/wireweave/mesh/internal/wire"
)

// Deps bundles every external collaborator the façade needs. A real
// deployment supplies concrete radio/transport drivers; tests supply
// meshtest's in-memory doubles.
type Deps struct {
	Clock     clock.Source
	Radio     radio.Driver
	Dialer    transport.Dialer
	Listener  transport.Listener
	Scheduler scheduler.Scheduler
	Logger    logging.Logger
}

// Callbacks bundles every façade-level notification named in spec.md
// §4.I. Every field is optional.
type Callbacks struct {
	OnReceive             func(from wire.NodeID, dest *wire.NodeID, broadcast bool, payload json.RawMessage)
	OnNewConnection        func(peer wire.NodeID)
	OnDroppedConnection    func(peer wire.NodeID)
	OnChangedConnections   func()
	OnNodeTimeAdjusted     func(offsetUs int64)
	OnBridgeStatusChanged  func(bridge.Status)
	OnBridgeRoleChanged    func(isBridge bool, reason string)
	OnGatewayChanged       func(bridgeID wire.NodeID, hasGateway bool)
	OnQueueFull            func(bridge.QueuedMessage)
	OnMessageQueued        func(bridge.QueuedMessage)
	OnQueueFlushed         func()
}

// Mesh is one node's complete runtime: routing, topology, time sync,
// station join, and (when applicable) the bridge subsystem, all reachable
// from this one owning object (spec.md §5 "Global mutable state").
type Mesh struct {
	self wire.NodeID
	cfg  config.Config
	deps Deps
	cb   Callbacks

	sched    scheduler.Scheduler
	gate     *framing.DeletionGate
	table    *routing.Table
	registry *pkghandler.Registry
	router   *router.Router
	topo     *topology.Topology
	sync     *timesync.Synchronizer
	station  *station.Station

	connCfg framing.Config

	isBridge bool

	bridgeRegistry *bridge.Registry
	statusB        *bridge.StatusBroadcaster
	election       *bridge.Election
	coordinator    *bridge.Coordinator
	gatewayServer  *bridge.GatewayServer
	gatewayClient  *bridge.GatewayClient
	queue          *bridge.Queue

	idlePaused map[*framing.Connection]bool

	// periodicHandles collects every scheduler.Handle this node has
	// scheduled for itself — NodeSync/TimeSync/election monitoring always,
	// bridge status/coordination broadcasting once becomeBridge runs — so
	// Stop can cancel every one of them (spec.md §4.I "cancel scheduled
	// tasks"; §8 "after stop() returns, no scheduled task remains").
	periodicHandles []scheduler.Handle

	running bool
	startedAt time.Time
}

// New constructs a Mesh bound to self and cfg. Call Init, InitAsBridge, or
// InitAsSharedGateway to bring it up.
func New(self wire.NodeID, cfg config.Config, deps Deps, cb Callbacks) *Mesh {
	if deps.Logger == nil {
		deps.Logger = logging.New()
	}
	return &Mesh{
		self:       self,
		cfg:        cfg,
		deps:       deps,
		cb:         cb,
		sched:      deps.Scheduler,
		gate:       framing.NewDeletionGate(cfg.DeletionSpacing),
		idlePaused: make(map[*framing.Connection]bool),
		connCfg:    framing.Config{MaxFrameSize: cfg.MaxFrameSize, SoftCap: cfg.EgressSoftCap},
	}
}

func (m *Mesh) wireCore() {
	m.table = routing.NewTable(m.self)
	m.registry = pkghandler.New(m.sched, m.deps.Logger)
	m.router = router.New(m.table, m.registry, m.sched, m.deps.Logger, m.self, m.onApplicationReceive)
	m.topo = topology.New(m.table, m.router, m.registry, m.sched, m.gate, m.deps.Logger, m.self, topology.Callbacks{
		NewConnection:      m.onNewConnection,
		DroppedConnection:  m.onDroppedConnection,
		ChangedConnections: m.onChangedConnections,
	})
	m.sync = timesync.New(m.deps.Clock, m.topo, m.router, m.registry, m.sched, m.deps.Logger, m.self, m.onNodeTimeAdjusted)

	// Every node — bridge or not — tracks the bridge registry and
	// coordination broadcasts, and watches for a healthy-bridge gap so it
	// can campaign (spec.md §4.H.1-H.3 are consumed mesh-wide; only H.1/
	// H.3's broadcast halves and H.4's server half are bridge-only).
	m.bridgeRegistry = bridge.NewRegistry(m.cfg.BridgeTimeout)
	m.statusB = bridge.NewStatusBroadcaster(m.self, m.router, m.registry, m.bridgeRegistry, m.sched, m.deps.Logger, m)
	m.statusB.OnStatusChanged = m.onBridgeStatusChanged
	m.coordinator = bridge.NewCoordinator(m.self, m.router, m.registry, m.bridgeRegistry, m.sched, m.deps.Logger, m.cfg.BridgeStrategy)
	m.coordinator.OnGatewayChanged = m.onGatewayChanged
	m.election = bridge.NewElection(m.self, m.router, m.registry, m.bridgeRegistry, m.sched, m.deps.Logger, m,
		m.cfg.BridgeElectionWindowMin, m.cfg.BridgeElectionWindowMax, m.cfg.BridgeRoleChangeCooldown)
	m.election.OnWin = func(r string) { m.becomeBridge(r) }
}

// Init brings the node up as a plain mesh participant (spec.md §4.I
// init). channel=0 means auto-detect.
func (m *Mesh) Init() error {
	m.cfg.Mode = config.ModeNode
	m.wireCore()
	if err := m.startNetwork(); err != nil {
		return err
	}
	m.startStation()
	m.startPeriodics()
	m.running = true
	m.startedAt = time.Now()
	return nil
}

// InitAsBridge joins the configured router (when RouterSSID is set) on the
// configured channel, brings the mesh up, then layers on every bridge
// module (spec.md §4.I initAsBridge).
func (m *Mesh) InitAsBridge(priority int) error {
	m.cfg.Mode = config.ModeBridge
	m.cfg.BridgePriority = priority
	if m.cfg.RouterSSID != "" {
		if err := m.deps.Radio.Associate(m.cfg.RouterSSID, m.cfg.RouterPassword, m.cfg.Channel, ""); err != nil {
			return err
		}
	}
	m.wireCore()
	if err := m.startNetwork(); err != nil {
		return err
	}
	m.becomeBridge("initialised as bridge")
	m.startPeriodics()
	m.running = true
	m.startedAt = time.Now()
	return nil
}

// InitAsSharedGateway joins the configured router (when RouterSSID is set)
// and brings the mesh up, both on the configured channel; the router's own
// channel is not detected. Any node may serve egress (spec.md §4.I
// initAsSharedGateway). The station join state machine is not started: the
// node accepts peers on its own AP but does not join a mesh parent.
func (m *Mesh) InitAsSharedGateway() error {
	m.cfg.Mode = config.ModeSharedGateway
	if m.cfg.RouterSSID != "" {
		if err := m.deps.Radio.Associate(m.cfg.RouterSSID, m.cfg.RouterPassword, m.cfg.Channel, ""); err != nil {
			return err
		}
	}
	m.wireCore()
	if err := m.startNetwork(); err != nil {
		return err
	}
	m.enableGatewayServer()
	m.EnableSendToInternet()
	m.startPeriodics()
	m.running = true
	m.startedAt = time.Now()
	return nil
}

// EnableSendToInternet installs the GatewayAck handler and sweeper on a
// non-bridge node so it may call SendToInternet and QueueMessage (spec.md
// §4.H.4: "required on sending nodes only"). Bridge/shared-gateway nodes
// never need to call this themselves.
func (m *Mesh) EnableSendToInternet() {
	m.enableGatewayClient()
}

func (m *Mesh) startNetwork() error {
	if err := m.deps.Radio.StartAP(m.cfg.SSID, m.cfg.Password, m.cfg.Channel, m.cfg.Hidden, m.cfg.MaxConn); err != nil {
		return err
	}
	listener := m.deps.Listener
	if listener == nil {
		return errors.New("mesh: no transport.Listener configured")
	}
	return listener.Listen(m.cfg.Port, m.onAccepted)
}

func (m *Mesh) startStation() {
	m.station = station.New(m.cfg, m.deps.Radio, m.deps.Dialer, m.sched, m.deps.Clock, m.table, m.deps.Logger, m.newConnection)
	m.station.OnJoined = m.onStationJoined
	m.station.OnIsolatedBridgeCandidate = func() {
		m.becomeBridge("isolated, adopting bridge role")
	}
	m.station.Start()
}

func (m *Mesh) startPeriodics() {
	m.periodicHandles = append(m.periodicHandles,
		m.topo.StartPeriodic(m.cfg.NodeSyncInterval),
		m.sync.StartPeriodic(m.cfg.TimeSyncInterval),
		m.election.StartMonitor(m.cfg.BridgeElectionMonitorEvery, m.cfg.BridgeElectionStartupGrace),
	)
}

// becomeBridge layers the broadcasting/serving halves of H.1-H.4 onto an
// already-running node (spec.md §4.G isolated promotion, §4.H.2 election
// win): the consuming halves (registry, coordinator, election monitor)
// are already wired by wireCore for every node.
func (m *Mesh) becomeBridge(reason string) {
	if m.isBridge {
		return
	}
	m.isBridge = true
	m.periodicHandles = append(m.periodicHandles, m.statusB.EnterBridgeRole(m.cfg.BridgeStatusInterval)...)
	m.periodicHandles = append(m.periodicHandles,
		m.coordinator.StartBroadcasting(m.cfg.BridgeCoordinationInterval, func() (bridge.Role, int, float64, []wire.NodeID) {
			return bridge.RolePrimary, m.cfg.BridgePriority, 0, nil
		}))
	m.election.NotifyRoleChanged()
	m.enableGatewayServer()

	if m.cb.OnBridgeRoleChanged != nil {
		m.cb.OnBridgeRoleChanged(true, reason)
	}
}

func (m *Mesh) enableGatewayServer() {
	if m.gatewayServer != nil {
		return
	}
	m.gatewayServer = bridge.NewGatewayServer(m.self, m.router, m.registry, m.deps.Logger, bridge.PreflightDeps{
		Radio:                     m.deps.Radio,
		DNSProbeHost:              m.cfg.DNSProbeHost,
		CaptivePortalURL:          m.cfg.CaptivePortalURL,
		CaptivePortalExpectedBody: m.cfg.CaptivePortalExpectedBody,
	})
	m.gatewayServer.PauseIdleTimeout = m.pauseIdleTimeout
	m.gatewayServer.ResumeIdleTimeout = m.resumeIdleTimeout
}

func (m *Mesh) enableGatewayClient() {
	if m.gatewayClient != nil {
		return
	}
	m.gatewayClient = bridge.NewGatewayClient(m.self, m.router, m.registry, m.sched, m.deps.Logger, m.cfg)
	m.gatewayClient.HasActiveMeshConnections = m.HasActiveMeshConnections
	m.queue = bridge.NewQueue(m.cfg.OfflineQueueSize, m.cfg.OfflineFlushGap, m.sched)
	m.queue.OnQueueFull = m.cb.OnQueueFull
	m.queue.OnMessageQueued = m.cb.OnMessageQueued
	m.queue.OnQueueFlushed = m.cb.OnQueueFlushed
}

// Stop detaches every peer, cancels scheduled tasks, tears down AP/STA,
// and releases sockets through the deletion-spacing gate (spec.md §4.I).
// After Stop returns it is safe to call an init variant again, but only on
// the next scheduler tick, never inline.
func (m *Mesh) Stop() {
	if !m.running {
		return
	}
	m.running = false
	for _, h := range m.periodicHandles {
		m.sched.Cancel(h)
	}
	m.periodicHandles = nil
	if m.gatewayClient != nil {
		m.gatewayClient.Stop()
	}
	for _, c := range m.table.AllConnections() {
		c.ScheduleDestroy(m.sched, m.gate)
	}
	if m.deps.Listener != nil {
		m.deps.Listener.Close()
	}
	_ = m.deps.Radio.StopAP()
	_ = m.deps.Radio.Disassociate()
}

func (m *Mesh) onAccepted(c transport.Conn) {
	m.newConnection(framing.DirectionAccepted, c)
}

func (m *Mesh) newConnection(direction framing.Direction, c transport.Conn) *framing.Connection {
	conn := framing.New(direction, c, m.connCfg, m.deps.Logger, m.onFrame, m.onConnClosed)
	m.topo.Attach(conn)
	m.sync.SyncOnAttach(conn)
	return conn
}

func (m *Mesh) onStationJoined(conn *framing.Connection, parentID wire.NodeID) {
	conn.Station = true
}

func (m *Mesh) onFrame(conn *framing.Connection, frame []byte) {
	if err := m.router.HandleIncoming(frame, conn); err != nil {
		m.deps.Logger.Debugf("incoming frame from %s rejected: %v", conn.NodeID, err)
	}
}

func (m *Mesh) onConnClosed(conn *framing.Connection) {
	m.topo.Detach(conn)
	if !conn.PendingDeletion() {
		conn.ScheduleDestroy(m.sched, m.gate)
	}
}

func (m *Mesh) onApplicationReceive(from wire.NodeID, dest *wire.NodeID, broadcast bool, payload json.RawMessage) {
	if m.cb.OnReceive != nil {
		m.cb.OnReceive(from, dest, broadcast, payload)
	}
}

func (m *Mesh) onNewConnection(conn *framing.Connection) {
	if m.cb.OnNewConnection != nil {
		m.cb.OnNewConnection(conn.NodeID)
	}
}

func (m *Mesh) onDroppedConnection(conn *framing.Connection) {
	if m.cb.OnDroppedConnection != nil {
		m.cb.OnDroppedConnection(conn.NodeID)
	}
}

func (m *Mesh) onChangedConnections() {
	if m.cb.OnChangedConnections != nil {
		m.cb.OnChangedConnections()
	}
}

func (m *Mesh) onNodeTimeAdjusted(offsetUs int64) {
	if m.cb.OnNodeTimeAdjusted != nil {
		m.cb.OnNodeTimeAdjusted(offsetUs)
	}
}

func (m *Mesh) onBridgeStatusChanged(st bridge.Status) {
	if m.cb.OnBridgeStatusChanged != nil {
		m.cb.OnBridgeStatusChanged(st)
	}
}

func (m *Mesh) onGatewayChanged(id wire.NodeID, has bool) {
	if m.cb.OnGatewayChanged != nil {
		m.cb.OnGatewayChanged(id, has)
	}
}

// pauseIdleTimeout/resumeIdleTimeout record which connections have a
// gateway request in flight. Connections have no idle timeout here
// (Config.ConnTimeout is not read), so nothing else consults this set.
func (m *Mesh) pauseIdleTimeout(conn *framing.Connection)  { m.idlePaused[conn] = true }
func (m *Mesh) resumeIdleTimeout(conn *framing.Connection) { delete(m.idlePaused, conn) }

// SendBroadcast floods payload mesh-wide.
func (m *Mesh) SendBroadcast(payload json.RawMessage) error {
	return m.router.SendBroadcast(payload, false)
}

// SendSingle routes payload to dest.
func (m *Mesh) SendSingle(dest wire.NodeID, payload json.RawMessage) error {
	return m.router.SendSingle(dest, payload)
}

// SendToInternet enqueues a GatewayData RPC to the currently selected
// bridge (spec.md §4.H.4). Returns an error immediately if no gateway
// client is enabled or no bridge is known; the message is not queued
// offline in either case (see QueueMessage).
func (m *Mesh) SendToInternet(url string, payload []byte, maxAttempts int, backoffBase, deadline time.Duration,
	callback func(success bool, status int, errStr string)) (string, error) {

	if m.gatewayClient == nil {
		return "", errors.New("mesh: sendToInternet not enabled; call InitAsSharedGateway or EnableSendToInternet")
	}
	bridgeID, ok := m.PrimaryBridge()
	if !ok {
		return "", errors.New("mesh: no bridge currently available")
	}
	return m.gatewayClient.SendToInternet(bridgeID, url, payload, maxAttempts, backoffBase, deadline, callback), nil
}

// QueueMessage enqueues msg for delivery once internet connectivity
// returns (spec.md §4.H.5). Never blocks.
func (m *Mesh) QueueMessage(msg bridge.QueuedMessage) bool {
	if m.queue == nil {
		m.queue = bridge.NewQueue(m.cfg.OfflineQueueSize, m.cfg.OfflineFlushGap, m.sched)
	}
	return m.queue.QueueMessage(msg)
}

// CheckConnectivityTransition should be called whenever HasInternetConnection
// flips to true, to flush the offline queue (spec.md §4.H.5).
func (m *Mesh) CheckConnectivityTransition(nowConnected bool) {
	if nowConnected && m.queue != nil && m.queue.Len() > 0 {
		m.queue.Flush()
	}
}

// NodeID returns this node's own id (spec.md §4.I getNodeId).
func (m *Mesh) NodeID() wire.NodeID { return m.self }

// NodeTime returns the shared mesh clock in microseconds (getNodeTime).
func (m *Mesh) NodeTime() int64 { return m.sync.MeshTime() }

// TimeSyncStats returns the most recent offset/delay computation, a
// supplemented diagnostics accessor.
func (m *Mesh) TimeSyncStats() timesync.Stats { return m.sync.LastStats() }

// NodeList returns every reachable NodeId (getNodeList).
func (m *Mesh) NodeList(includeSelf bool) []wire.NodeID { return m.table.NodeList(includeSelf) }

// IsConnected reports whether id is reachable (isConnected).
func (m *Mesh) IsConnected(id wire.NodeID) bool { return m.table.Contains(id) }

// HasActiveMeshConnections reports whether any peer connection is live.
func (m *Mesh) HasActiveMeshConnections() bool {
	return len(m.table.Connections()) > 0
}

// HasInternetConnection reports whether this node itself has a live
// uplink: it is a bridge whose radio is associated and has a local IP.
// A node that has not taken the bridge role reports false.
func (m *Mesh) HasInternetConnection() bool {
	return m.isBridge && m.deps.Radio.Status() == radio.StatusAssociated && m.deps.Radio.LocalIP() != ""
}

// PrimaryBridge returns the currently selected bridge (getPrimaryBridge).
func (m *Mesh) PrimaryBridge() (wire.NodeID, bool) {
	if m.coordinator == nil {
		return wire.InvalidNodeID, false
	}
	return m.coordinator.PrimaryBridge()
}

// LastKnownBridge returns the last successfully selected bridge even if
// unhealthy now (getLastKnownBridge).
func (m *Mesh) LastKnownBridge() (wire.NodeID, bool) {
	if m.coordinator == nil {
		return wire.InvalidNodeID, false
	}
	return m.coordinator.LastKnownBridge()
}

// Bridges returns every known bridge's last-advertised status (getBridges).
func (m *Mesh) Bridges() []bridge.Status {
	if m.bridgeRegistry == nil {
		return nil
	}
	return m.bridgeRegistry.All()
}

// --- bridge.StatusSource / bridge.CandidacySource, implemented by Mesh ---

func (m *Mesh) InternetConnected() bool { return m.HasInternetConnection() }
func (m *Mesh) RouterRSSI() int {
	rssi, _ := m.deps.Radio.RSSI()
	return rssi
}
func (m *Mesh) RouterChannel() int { return m.cfg.Channel }
func (m *Mesh) UptimeMs() int64    { return time.Since(m.startedAt).Milliseconds() }
func (m *Mesh) GatewayIP() string  { return m.deps.Radio.LocalIP() }
func (m *Mesh) Priority() int      { return m.cfg.BridgePriority }
func (m *Mesh) LoadPercent() float64 {
	return float64(len(m.table.Connections())) / float64(m.cfg.MaxConn) * 100
}
func (m *Mesh) FreeMemory() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}
func (m *Mesh) HasRouterCredentials() bool { return m.cfg.RouterSSID != "" }
func (m *Mesh) VisibleRouterAP() bool {
	results, err := m.deps.Radio.Scan(true)
	if err != nil {
		return false
	}
	for _, r := range results {
		if r.SSID == m.cfg.RouterSSID {
			return true
		}
	}
	return false
}
