// Package wire defines the on-wire package variants exchanged between mesh
// nodes: a tagged struct-per-kind over a common Header, with lossless JSON
// round trip. Every frame produced by internal/framing decodes into exactly
// one of these.
package wire

import (
	"encoding/json"
	"fmt"
)

// NodeID is the 32-bit identifier derived from a node's hardware id. Zero is
// never a valid node; it is used as the sentinel "not yet known" value.
type NodeID uint32

const InvalidNodeID NodeID = 0

func (n NodeID) String() string {
	return fmt.Sprintf("%d", uint32(n))
}

// Valid reports whether n could belong to a real node.
func (n NodeID) Valid() bool {
	return n != InvalidNodeID
}

// PackageType is the wire-level integer `type` field.
type PackageType int

const (
	TypeTimeDelay          PackageType = 3
	TypeTimeSync           PackageType = 4
	TypeNodeSyncRequest    PackageType = 5
	TypeNodeSyncReply      PackageType = 6
	TypeControl            PackageType = 7 // deprecated, kept for wire compatibility
	TypeBroadcast          PackageType = 8
	TypeSingle             PackageType = 9
	TypeBridgeStatus       PackageType = 610
	TypeBridgeElection     PackageType = 611
	TypeBridgeTakeover     PackageType = 612
	TypeBridgeCoordination PackageType = 613
	TypeNTPTimeSync        PackageType = 614
	TypeGatewayData        PackageType = 620
	TypeGatewayAck         PackageType = 621
)

func (t PackageType) String() string {
	switch t {
	case TypeTimeDelay:
		return "TimeDelay"
	case TypeTimeSync:
		return "TimeSync"
	case TypeNodeSyncRequest:
		return "NodeSyncRequest"
	case TypeNodeSyncReply:
		return "NodeSyncReply"
	case TypeControl:
		return "Control"
	case TypeBroadcast:
		return "Broadcast"
	case TypeSingle:
		return "Single"
	case TypeBridgeStatus:
		return "BridgeStatus"
	case TypeBridgeElection:
		return "BridgeElection"
	case TypeBridgeTakeover:
		return "BridgeTakeover"
	case TypeBridgeCoordination:
		return "BridgeCoordination"
	case TypeNTPTimeSync:
		return "NTPTimeSync"
	case TypeGatewayData:
		return "GatewayData"
	case TypeGatewayAck:
		return "GatewayAck"
	default:
		if t >= 200 && t < 700 {
			return fmt.Sprintf("Application(%d)", int(t))
		}
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// IsApplication reports whether t is an opaque application-layer type,
// passed through the core untouched except for the bridge reservations.
func (t PackageType) IsApplication() bool {
	switch t {
	case TypeBridgeStatus, TypeBridgeElection, TypeBridgeTakeover,
		TypeBridgeCoordination, TypeNTPTimeSync, TypeGatewayData, TypeGatewayAck:
		return false
	}
	return t >= 200 && t < 700
}

// Routing distinguishes how a package should be delivered across the mesh.
type Routing int

const (
	RoutingNeighbour Routing = 0
	RoutingSingle    Routing = 1
	RoutingBroadcast Routing = 2
)

func (r Routing) String() string {
	switch r {
	case RoutingNeighbour:
		return "NEIGHBOUR"
	case RoutingSingle:
		return "SINGLE"
	case RoutingBroadcast:
		return "BROADCAST"
	default:
		return "UNKNOWN"
	}
}

// Header carries the fields every package variant has.
type Header struct {
	Type    PackageType `json:"type"`
	From    NodeID      `json:"from"`
	Routing Routing     `json:"routing"`
	Dest    *NodeID     `json:"dest,omitempty"`
}

// Head lets any variant satisfy the Variant interface by embedding Header.
func (h Header) Head() Header { return h }

// Variant is satisfied by every concrete package struct.
type Variant interface {
	Head() Header
}

// SubTreeNode is the recursive, JSON-serialisable shape of a connection's
// sub-tree: the node itself, plus the sub-trees of everything reachable
// through it.
type SubTreeNode struct {
	NodeID NodeID        `json:"nodeId"`
	Subs   []SubTreeNode `json:"subs,omitempty"`
}

// Flatten returns every NodeID in the sub-tree, self included.
func (n SubTreeNode) Flatten() []NodeID {
	ids := []NodeID{n.NodeID}
	for _, c := range n.Subs {
		ids = append(ids, c.Flatten()...)
	}
	return ids
}

// TimeSyncPackage implements the four-timestamp SNTP-style exchange
// (§4.F). T1 is always present (stamped by the initiator). T2/T3 are
// present only on the responder's reply.
type TimeSyncPackage struct {
	Header
	T1 int64  `json:"t1"`
	T2 *int64 `json:"t2,omitempty"`
	T3 *int64 `json:"t3,omitempty"`
}

// IsReply reports whether this TimeSync carries a responder's reply.
func (t TimeSyncPackage) IsReply() bool { return t.T2 != nil && t.T3 != nil }

// NodeSyncPackage carries a sender's view of its own sub-tree, either as a
// request (NodeSyncRequest) or a reply (NodeSyncReply); Type distinguishes.
// Root is rooted at the sender itself. RootID, if set, is the NodeID of
// the mesh root as known by the sender (spec.md §4.E); nil means the
// sender knows of no root. Version carries the sender's ProtocolVersion;
// empty means a peer that predates version advertising.
type NodeSyncPackage struct {
	Header
	Root    SubTreeNode `json:"root"`
	RootID  *NodeID     `json:"rootId,omitempty"`
	Version string      `json:"version,omitempty"`
}

// BroadcastPackage wraps an opaque application payload flooded mesh-wide.
type BroadcastPackage struct {
	Header
	Payload json.RawMessage `json:"payload"`
}

// SinglePackage wraps an opaque application payload for one destination.
type SinglePackage struct {
	Header
	Payload json.RawMessage `json:"payload"`
}

// BridgeStatusPackage is broadcast periodically by a bridge (§4.H.1).
type BridgeStatusPackage struct {
	Header
	InternetConnected bool   `json:"internetConnected"`
	RouterRSSI        int    `json:"routerRssi"`
	RouterChannel     int    `json:"routerChannel"`
	UptimeMs          int64  `json:"uptime"`
	GatewayIP         string `json:"gatewayIp"`
	Priority          int    `json:"priority"`
	Role              string `json:"role"`
	LoadPercent       float64 `json:"load"`
}

// BridgeElectionPackage is broadcast by a campaigning node (§4.H.2).
type BridgeElectionPackage struct {
	Header
	RouterRSSI  int    `json:"routerRssi"`
	UptimeMs    int64  `json:"uptime"`
	FreeMemory  uint64 `json:"freeMemory"`
	TimestampUs int64  `json:"timestamp"`
}

// BridgeTakeoverPackage announces a winning campaigner (§4.H.2).
type BridgeTakeoverPackage struct {
	Header
	PreviousBridge NodeID `json:"previousBridge"`
	Reason         string `json:"reason"`
	TimestampUs    int64  `json:"timestamp"`
}

// BridgeCoordinationPackage is the multi-bridge health/priority broadcast
// (§4.H.3).
type BridgeCoordinationPackage struct {
	Header
	Priority    int      `json:"priority"`
	Role        string   `json:"role"`
	PeerBridges []NodeID `json:"peerBridges"`
	LoadPercent float64  `json:"load"`
	TimestampUs int64    `json:"timestamp"`
}

// NTPTimeSyncPackage is emitted by a bridge with a trusted external clock.
type NTPTimeSyncPackage struct {
	Header
	WallClockUs  int64 `json:"wallClockUs"`
	PrecisionUs  int64 `json:"precisionUs"`
}

// GatewayDataPackage is the sendToInternet RPC request (§4.H.4).
type GatewayDataPackage struct {
	Header
	MessageID     string          `json:"messageId"`
	URL           string          `json:"url"`
	Payload       json.RawMessage `json:"payload"`
	MaxAttempts   int             `json:"maxAttempts"`
	BackoffBaseMs int64           `json:"backoffBaseMs"`
	DeadlineMs    int64           `json:"deadlineMs"`
}

// GatewayAckPackage is the bridge's reply to a GatewayDataPackage.
type GatewayAckPackage struct {
	Header
	MessageID  string `json:"messageId"`
	Success    bool   `json:"success"`
	HTTPStatus int    `json:"httpStatus"`
	Error      string `json:"error,omitempty"`
}

// ApplicationPackage wraps a 200-699 opaque application payload that is
// neither Broadcast nor Single framed (pass-through, e.g. a bare
// NEIGHBOUR-routed message).
type ApplicationPackage struct {
	Header
	Payload json.RawMessage `json:"payload"`
}
