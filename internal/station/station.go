// Package station implements the non-bridge node's scan-and-join state
// machine (spec.md §4.G): scan for a parent, score candidates, associate,
// open a TCP connection with retry/backoff, and decode a NodeId from the
// joined peer's mesh IP.
//
// Grounded on other_examples/kabili207-meshcore-go for the scan-candidate
// scoring/filtering shape, and on the teacher's pkg/mcast/core/peer.go
// connect-with-retry loop, generalized from a fixed-address reconnect to
// a scored multi-candidate join with backoff and blocklisting.
package station

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wireweave/mesh/internal/clock"
	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/radio"
	"github.com/wireweave/mesh/internal/routing"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/transport"
	"github.com/wireweave/mesh/internal/wire"
)

// State is one node of the §4.G state machine.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateSelecting
	StateAssociating
	StateWifiBackoff
	StateTcpConnecting
	StateBlocklistPeer
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateSelecting:
		return "Selecting"
	case StateAssociating:
		return "Associating"
	case StateWifiBackoff:
		return "WifiBackoff"
	case StateTcpConnecting:
		return "TcpConnecting"
	case StateBlocklistPeer:
		return "BlocklistPeer"
	case StateJoined:
		return "Joined"
	default:
		return "Unknown"
	}
}

// blockEntry is one TCP-failure blocklist row (spec.md §3, §4.G).
type blockEntry struct {
	until time.Time
}

// Station drives the scan/join state machine for one node.
type Station struct {
	cfg   config.Config
	radio radio.Driver
	dial  transport.Dialer
	sched scheduler.Scheduler
	log   logging.Logger
	clk   clock.Source
	table *routing.Table

	state State

	blocklist map[string]blockEntry

	scanRetries      int
	tcpRetries       int
	emptyScanStreak  int
	currentChannel   int

	candidate *radio.ScanResult

	// OnJoined is invoked with the new parent connection once NodeId has
	// been decoded from the TCP peer's mesh IP.
	OnJoined func(conn *framing.Connection, parentID wire.NodeID)

	// OnIsolatedBridgeCandidate fires once the empty-scan streak reaches
	// IsolatedBridgeThreshold, letting the façade attempt a bridge
	// promotion (spec.md §4.G, §4.H).
	OnIsolatedBridgeCandidate func()

	connFactory func(direction framing.Direction, c transport.Conn) *framing.Connection
}

// New builds a Station. connFactory lets the façade wire framing.New with
// its own onFrame/onClosed callbacks without station needing to know them.
func New(cfg config.Config, r radio.Driver, dial transport.Dialer, sched scheduler.Scheduler,
	clk clock.Source, table *routing.Table, log logging.Logger,
	connFactory func(direction framing.Direction, c transport.Conn) *framing.Connection) *Station {

	s := &Station{
		cfg:            cfg,
		radio:          r,
		dial:           dial,
		sched:          sched,
		log:            log,
		clk:            clk,
		table:          table,
		blocklist:      make(map[string]blockEntry),
		currentChannel: cfg.Channel,
		connFactory:    connFactory,
	}
	return s
}

// State returns the station's current state-machine state.
func (s *Station) State() State { return s.state }

// Start enters the state machine at Scanning.
func (s *Station) Start() {
	s.transition(StateScanning)
}

func (s *Station) transition(next State) {
	s.log.Debugf("station: %s -> %s", s.state, next)
	s.state = next
	switch next {
	case StateScanning:
		s.sched.AddOnce(0, s.scan)
	case StateAssociating:
		s.sched.AddOnce(0, s.associate)
	case StateTcpConnecting:
		s.sched.AddOnce(0, s.dialParent)
	}
}

func (s *Station) scan() {
	allChannels := s.cfg.Channel == 0 && s.currentChannel == 0
	results, err := s.radio.Scan(allChannels)
	if err != nil {
		s.log.Warnf("station: scan failed: %v", err)
		s.scheduleBackoff()
		return
	}

	candidates := s.filterAndScore(results)
	if len(candidates) == 0 {
		s.emptyScanStreak++
		if s.emptyScanStreak >= s.cfg.IsolatedBridgeThreshold && s.cfg.RouterSSID != "" {
			if s.OnIsolatedBridgeCandidate != nil {
				s.OnIsolatedBridgeCandidate()
			}
		}
		s.scheduleBackoff()
		return
	}
	s.emptyScanStreak = 0
	s.transition(StateSelecting)
	s.candidate = &candidates[0]
	if s.cfg.Channel == 0 {
		s.currentChannel = s.candidate.Channel
	}
	s.transition(StateAssociating)
}

// filterAndScore keeps candidates whose SSID matches and whose BSSID is not
// blocklisted, then sorts by RSSI descending, breaking ties by a stable key
// derived from the BSSID (nodeIDFromBSSID). It does not check for cycles:
// onConnected rejects a parent whose decoded NodeId is already reachable.
func (s *Station) filterAndScore(results []radio.ScanResult) []radio.ScanResult {
	s.expireBlocklist()

	var out []radio.ScanResult
	for _, r := range results {
		if r.SSID != s.cfg.SSID {
			continue
		}
		if entry, blocked := s.blocklist[r.BSSID]; blocked && entry.until.After(time.Now()) {
			continue
		}
		out = append(out, r)
	}

	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if less(out[j], out[i]) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

func less(a, b radio.ScanResult) bool {
	if a.RSSI != b.RSSI {
		return a.RSSI > b.RSSI
	}
	return nodeIDFromBSSID(a.BSSID) < nodeIDFromBSSID(b.BSSID)
}

func (s *Station) expireBlocklist() {
	now := time.Now()
	for k, v := range s.blocklist {
		if !v.until.After(now) {
			delete(s.blocklist, k)
		}
	}
}

func (s *Station) scheduleBackoff() {
	s.transition(StateWifiBackoff)
	delay := backoffFor(s.scanRetries, s.cfg.StationBackoffBase, s.cfg.StationBackoffCap)
	s.scanRetries++
	s.sched.AddOnce(delay, func() {
		s.transition(StateScanning)
	})
}

func backoffFor(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

func (s *Station) associate() {
	if s.candidate == nil {
		s.transition(StateScanning)
		return
	}
	c := *s.candidate
	if err := s.radio.Associate(s.cfg.SSID, s.cfg.Password, s.currentChannel, c.BSSID); err != nil {
		s.log.Warnf("station: associate with %s failed: %v", c.BSSID, err)
		s.scheduleBackoff()
		return
	}
	if s.cfg.Channel == 0 {
		// Channel-hop settle delay: our own AP was opened on channel 0 at
		// startup, before we knew which channel we'd actually join on. Give
		// the radio one scheduler tick to settle after associating, then
		// reopen the AP on the channel we adopted, so our own sub-tree is
		// reachable on the channel we actually joined.
		s.sched.AddOnce(0, s.reprovisionAP)
	}
	s.tcpRetries = 0
	s.transition(StateTcpConnecting)
}

// reprovisionAP reopens this node's own AP on s.currentChannel once the
// station has adopted a channel from a scan match, so a grandchild
// scanning for our SSID finds us on the channel we actually joined on.
func (s *Station) reprovisionAP() {
	if err := s.radio.StartAP(s.cfg.SSID, s.cfg.Password, s.currentChannel, s.cfg.Hidden, s.cfg.MaxConn); err != nil {
		s.log.Warnf("station: failed to reprovision AP on channel %d: %v", s.currentChannel, err)
	}
}

func (s *Station) dialParent() {
	ip := s.radio.LocalIP()
	parentIP := parentFromStationIP(ip)
	if parentIP == "" {
		s.log.Warnf("station: could not derive parent ip from %q", ip)
		s.failJoin()
		return
	}

	s.dial.Connect(parentIP, s.cfg.Port, s.onConnected, s.onConnectError)
}

func (s *Station) onConnected(c transport.Conn) {
	nodeID, ok := nodeIDFromMeshIP(c.RemoteAddr())
	if !ok {
		s.log.Warnf("station: peer %s is not a mesh ip, aborting join", c.RemoteAddr())
		c.Abort()
		s.failJoin()
		return
	}
	if s.table.Contains(nodeID) {
		s.log.Warnf("station: derived NodeId %s already in sub-tree, rejecting to avoid a cycle", nodeID)
		c.Abort()
		s.failJoin()
		return
	}

	conn := s.connFactory(framing.DirectionInitiated, c)
	conn.Station = true

	s.tcpRetries = 0
	s.transition(StateJoined)
	if s.OnJoined != nil {
		s.OnJoined(conn, nodeID)
	}
}

func (s *Station) onConnectError(err error) {
	s.log.Debugf("station: tcp connect failed: %v", err)
	s.failJoin()
}

func (s *Station) failJoin() {
	s.tcpRetries++
	if s.tcpRetries >= s.cfg.StationTCPMaxRetries {
		s.blockCurrentCandidate()
		s.transition(StateBlocklistPeer)
		s.sched.AddOnce(0, func() {
			s.transition(StateScanning)
		})
		return
	}
	delay := backoffFor(s.tcpRetries-1, s.cfg.StationBackoffBase, s.cfg.StationBackoffCap)
	s.sched.AddOnce(delay, s.dialParent)
}

func (s *Station) blockCurrentCandidate() {
	if s.candidate == nil {
		return
	}
	s.blocklist[s.candidate.BSSID] = blockEntry{until: time.Now().Add(s.cfg.StationBlockDuration)}
	s.log.Infof("station: blocklisting %s for %s after exhausting tcp retries", s.candidate.BSSID, s.cfg.StationBlockDuration)
}

// parentFromStationIP returns the AP's address given our own station IP on
// the mesh subnet (always x.y.z.1, spec.md §4.G).
func parentFromStationIP(ip string) string {
	parts := strings.Split(ip, ".")
	if len(parts) != 4 {
		return ""
	}
	return fmt.Sprintf("%s.%s.%s.1", parts[0], parts[1], parts[2])
}

// nodeIDFromMeshIP decodes a NodeId from an address of the form
// 10.(nodeId>>8 & 0xFF).(nodeId & 0xFF).1 (spec.md §4.G). Any other shape,
// including a bare ip:port, is rejected.
func nodeIDFromMeshIP(addr string) (wire.NodeID, bool) {
	host := addr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		host = addr[:idx]
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 || parts[0] != "10" || parts[3] != "1" {
		return wire.InvalidNodeID, false
	}
	hi, err := strconv.Atoi(parts[1])
	if err != nil || hi < 0 || hi > 255 {
		return wire.InvalidNodeID, false
	}
	lo, err := strconv.Atoi(parts[2])
	if err != nil || lo < 0 || lo > 255 {
		return wire.InvalidNodeID, false
	}
	id := wire.NodeID(uint32(hi)<<8 | uint32(lo))
	if !id.Valid() {
		return wire.InvalidNodeID, false
	}
	return id, true
}

// nodeIDFromBSSID is a tie-break helper only: it derives a stable ordering
// key from a BSSID string so candidate scoring is deterministic even when
// two APs report identical RSSI. It does not need to be a real NodeId.
func nodeIDFromBSSID(bssid string) uint64 {
	var h uint64
	for i := 0; i < len(bssid); i++ {
		h = h*131 + uint64(bssid[i])
	}
	return h
}
