package meshtest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/wireweave/mesh/internal/clock"
	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/mesh"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

// Node bundles one test mesh instance with the fake collaborators backing
// it, so a test can reach into the radio/fabric beneath the façade.
type Node struct {
	Mesh   *mesh.Mesh
	Radio  *FakeRadio
	Sched  scheduler.Scheduler
	NodeID wire.NodeID

	stop chan struct{}
	wg   sync.WaitGroup
}

// Run starts the node's scheduler loop on its own goroutine (mirroring
// the teacher's TestInvoker.Spawn), and returns at once; it does not call
// Init.
func (n *Node) Run() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Sched.Run()
	}()
}

// Stop tears the node's mesh down and waits for its scheduler goroutine
// to exit.
func (n *Node) Stop() {
	n.Mesh.Stop()
	n.Sched.Stop()
	n.wg.Wait()
}

// Cluster is a set of in-memory mesh nodes wired together through one
// shared Fabric, the way test/testing.go's UnityCluster groups Unities.
type Cluster struct {
	Fabric *Fabric
	Nodes  []*Node
}

// NewCluster builds size nodes on a shared Fabric, each with its own
// scheduler and fake radio, addressed 10.0.<n>.1 on the mesh subnet, where
// n is the node's NodeID (1 through size). It
// does not start or join them — call Node.Mesh.Init() (or InitAsBridge/
// InitAsSharedGateway) and Node.Run() once test wiring is complete.
func NewCluster(size int, cfg config.Config) *Cluster {
	fabric := NewFabric()
	c := &Cluster{Fabric: fabric}
	for i := 0; i < size; i++ {
		ip := fmt.Sprintf("10.0.%d.1", i+1)
		nodeID := wire.NodeID(i + 1)
		sched := scheduler.New()
		radioDrv := NewFakeRadio(ip)

		nodeCfg := cfg
		deps := mesh.Deps{
			Clock:     clock.NewSystem(),
			Radio:     radioDrv,
			Dialer:    &FakeDialer{Fabric: fabric, Post: sched.Post, LocalIP: ip},
			Listener:  &FakeListener{Fabric: fabric, Post: sched.Post, IP: ip},
			Scheduler: sched,
			Logger:    logging.Noop(),
		}
		m := mesh.New(nodeID, nodeCfg, deps, mesh.Callbacks{})
		c.Nodes = append(c.Nodes, &Node{Mesh: m, Radio: radioDrv, Sched: sched, NodeID: nodeID})
	}
	return c
}

// StopAll stops every node and waits for its scheduler to exit.
func (c *Cluster) StopAll() {
	var wg sync.WaitGroup
	for _, n := range c.Nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			n.Stop()
		}(n)
	}
	wg.Wait()
}

// VerifyNoLeaks asserts that stopping a cluster left no scheduler or
// connection goroutine running, the way fuzzy/commit_test.go verifies a
// Unity's teardown with goleak.VerifyNone. Call it after StopAll.
func VerifyNoLeaks(t *testing.T) {
	t.Helper()
	goleak.VerifyNone(t)
}

// WaitThisOrTimeout runs cb on its own goroutine and reports whether it
// finished before duration elapsed (grounded on test/testing.go's helper
// of the same name).
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
