package mesh_test

import (
	"testing"
	"time"

	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/radio"
	"github.com/wireweave/mesh/meshtest"
)

// TestTwoNodeStationJoinOverFabric exercises a real scan -> associate ->
// TCP dial -> NodeId decode join between two mesh.Mesh instances talking
// over an in-memory Fabric, with no real sockets or WiFi hardware.
func TestTwoNodeStationJoinOverFabric(t *testing.T) {
	cfg := config.Default()
	cfg.SSID = "test-mesh"
	cfg.Password = "12345678"
	cfg.Channel = 6

	cluster := meshtest.NewCluster(2, cfg)
	parent, child := cluster.Nodes[0], cluster.Nodes[1]

	// The child sees only the parent's AP; AssociatedLocalIP models the
	// station address the parent's AP would hand out on its own subnet.
	child.Radio.SetScanResults([]radio.ScanResult{
		{SSID: cfg.SSID, BSSID: "aa:bb:cc:dd:ee:01", RSSI: -40, Channel: cfg.Channel},
	})
	child.Radio.AssociatedLocalIP = "10.0.1.2"

	parent.Run()
	child.Run()

	if err := parent.Mesh.Init(); err != nil {
		cluster.StopAll()
		t.Fatalf("parent Init failed: %v", err)
	}
	if err := child.Mesh.Init(); err != nil {
		cluster.StopAll()
		t.Fatalf("child Init failed: %v", err)
	}

	joined := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if child.Mesh.IsConnected(parent.NodeID) && parent.Mesh.IsConnected(child.NodeID) {
			joined = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cluster.StopAll()
	if !joined {
		t.Fatalf("child never joined parent: child sees parent=%v, parent sees child=%v",
			child.Mesh.IsConnected(parent.NodeID), parent.Mesh.IsConnected(child.NodeID))
	}
	meshtest.VerifyNoLeaks(t)
}
