package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	dest := NodeID(42)
	pkg := &BroadcastPackage{
		Header:  Header{Type: TypeBroadcast, From: NodeID(7), Routing: RoutingBroadcast, Dest: &dest},
		Payload: json.RawMessage(`{"hello":"world"}`),
	}

	raw, err := Encode(pkg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := decoded.(*BroadcastPackage)
	if !ok {
		t.Fatalf("Decode returned %T, want *BroadcastPackage", decoded)
	}
	if got.From != pkg.From || got.Dest == nil || *got.Dest != dest {
		t.Fatalf("round trip lost header fields: %+v", got.Header)
	}
	if string(got.Payload) != string(pkg.Payload) {
		t.Fatalf("round trip lost payload: got %s", got.Payload)
	}
}

func TestDecodeRejectsOversizeFrame(t *testing.T) {
	raw := []byte(`{"type":8` + strings.Repeat(" ", MaxParseSize) + `}`)
	if _, err := Decode(raw); err != ErrOversizeFrame {
		t.Fatalf("Decode = %v, want ErrOversizeFrame", err)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	raw := []byte(`{"type":999,"from":1,"routing":0}`)
	if _, err := Decode(raw); err == nil {
		t.Fatalf("Decode of an unknown, non-application type should fail")
	}
}

func TestDecodeApplicationTypePassesThrough(t *testing.T) {
	raw := []byte(`{"type":300,"from":1,"routing":1,"payload":{"x":1}}`)
	v, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := v.(*ApplicationPackage); !ok {
		t.Fatalf("Decode returned %T, want *ApplicationPackage", v)
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	pkg := &BroadcastPackage{
		Header:  Header{Type: TypeBroadcast, From: NodeID(1), Routing: RoutingBroadcast},
		Payload: json.RawMessage(`"` + strings.Repeat("x", MaxFrameSize*2) + `"`),
	}
	if _, err := Encode(pkg); err != ErrOversizeFrame {
		t.Fatalf("Encode = %v, want ErrOversizeFrame", err)
	}
}

func TestTimeSyncIsReply(t *testing.T) {
	t2, t3 := int64(100), int64(110)
	req := TimeSyncPackage{Header: Header{Type: TypeTimeSync}, T1: 50}
	if req.IsReply() {
		t.Fatalf("a bare request must not report IsReply")
	}
	reply := TimeSyncPackage{Header: Header{Type: TypeTimeSync}, T1: 50, T2: &t2, T3: &t3}
	if !reply.IsReply() {
		t.Fatalf("a package carrying T2/T3 must report IsReply")
	}
}

func TestCompatibleVersion(t *testing.T) {
	if err := CompatibleVersion(""); err != nil {
		t.Fatalf("an empty remote version must be tolerated, got %v", err)
	}
	if err := CompatibleVersion(ProtocolVersion); err != nil {
		t.Fatalf("identical versions must be compatible, got %v", err)
	}
	if err := CompatibleVersion("2.0.0"); err == nil {
		t.Fatalf("a different major version must be rejected")
	}
}

func TestSubTreeFlatten(t *testing.T) {
	tree := SubTreeNode{
		NodeID: 1,
		Subs: []SubTreeNode{
			{NodeID: 2, Subs: []SubTreeNode{{NodeID: 4}}},
			{NodeID: 3},
		},
	}
	ids := tree.Flatten()
	want := []NodeID{1, 2, 4, 3}
	if len(ids) != len(want) {
		t.Fatalf("Flatten = %v, want %v", ids, want)
	}
	for i, id := range want {
		if ids[i] != id {
			t.Fatalf("Flatten[%d] = %d, want %d", i, ids[i], id)
		}
	}
}
