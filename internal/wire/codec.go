package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	goversion "github.com/hashicorp/go-version"
)

// MaxFrameSize is the default ceiling on one frame's serialised size
// (§4.A). Frames above this are dropped by internal/framing before they
// ever reach Decode.
const MaxFrameSize = 2048

// MaxParseSize bounds the arena (in Go terms: the buffer encoding/json is
// allowed to walk) considered for a single Decode call, independent of
// the transport-level frame cap. It is never escalated on failure — see
// DESIGN.md / spec.md §9 on the historical "double until 20KiB" bug.
const MaxParseSize = 8192

var (
	ErrOversizeFrame     = errors.New("wire: frame exceeds maximum size")
	ErrMalformed         = errors.New("wire: malformed package")
	ErrUnknownType       = errors.New("wire: unknown package type")
	ErrUnsupportedVersion = errors.New("wire: incompatible protocol version")
)

// ProtocolVersion is the mesh wire protocol version this build speaks.
// Bumped when a package shape changes in a way that is not backward
// compatible.
const ProtocolVersion = "1.0.0"

var currentVersion = goversion.Must(goversion.NewVersion(ProtocolVersion))

// CompatibleVersion reports whether a peer advertising `remote` can
// interoperate with this build. Mesh nodes only exchange a bare semantic
// version inside the initial NodeSyncRequest/Reply handshake (not every
// frame), so this is called once per newly attached peer rather than per
// frame, generalizing the teacher's per-RPC checkRPCHeader gate.
func CompatibleVersion(remote string) error {
	if remote == "" {
		return nil // peers that predate version advertising are tolerated
	}
	v, err := goversion.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedVersion, err)
	}
	if v.Segments()[0] != currentVersion.Segments()[0] {
		return fmt.Errorf("%w: remote=%s local=%s", ErrUnsupportedVersion, remote, ProtocolVersion)
	}
	return nil
}

// Decode parses one frame's raw bytes into its concrete Variant. It never
// escalates buffer size on failure: raw is rejected outright above
// MaxParseSize.
func Decode(raw []byte) (Variant, error) {
	if len(raw) > MaxParseSize {
		return nil, ErrOversizeFrame
	}

	var head Header
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	decodeInto := func(v Variant) (Variant, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return v, nil
	}

	switch head.Type {
	case TypeTimeSync, TypeTimeDelay:
		return decodeInto(&TimeSyncPackage{})
	case TypeNodeSyncRequest, TypeNodeSyncReply:
		return decodeInto(&NodeSyncPackage{})
	case TypeBroadcast:
		return decodeInto(&BroadcastPackage{})
	case TypeSingle:
		return decodeInto(&SinglePackage{})
	case TypeBridgeStatus:
		return decodeInto(&BridgeStatusPackage{})
	case TypeBridgeElection:
		return decodeInto(&BridgeElectionPackage{})
	case TypeBridgeTakeover:
		return decodeInto(&BridgeTakeoverPackage{})
	case TypeBridgeCoordination:
		return decodeInto(&BridgeCoordinationPackage{})
	case TypeNTPTimeSync:
		return decodeInto(&NTPTimeSyncPackage{})
	case TypeGatewayData:
		return decodeInto(&GatewayDataPackage{})
	case TypeGatewayAck:
		return decodeInto(&GatewayAckPackage{})
	case TypeControl:
		return decodeInto(&ApplicationPackage{})
	default:
		if head.Type.IsApplication() {
			return decodeInto(&ApplicationPackage{})
		}
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, head.Type)
	}
}

// Encode serialises a Variant back to its canonical JSON form (no trailing
// newline; internal/framing appends the frame terminator).
func Encode(v Variant) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(raw) > MaxFrameSize {
		return nil, ErrOversizeFrame
	}
	return raw, nil
}
