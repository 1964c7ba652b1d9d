// Command meshnode runs one mesh node as an OS process, wiring the real
// scheduler, TCP transport, and system clock behind internal/mesh's façade.
// Grounded on the teacher's kingpin/alecthomas-template dependency, left
// unused at runtime in the teacher but wired here into an actual CLI.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/wireweave/mesh/internal/clock"
	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/mesh"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/transport"
	"github.com/wireweave/mesh/internal/wire"
)

var (
	app = kingpin.New("meshnode", "Run one node of a self-organizing mesh.")

	nodeID   = app.Flag("node-id", "this node's 32-bit NodeID").Required().Uint32()
	ssid     = app.Flag("ssid", "mesh AP SSID every node shares").Required().String()
	password = app.Flag("password", "mesh AP password").Required().String()
	port     = app.Flag("port", "mesh TCP port").Default("5555").Int()
	channel  = app.Flag("channel", "WiFi channel, 0 to auto-adopt from scan").Default("0").Int()
	hidden   = app.Flag("hidden", "run the mesh AP hidden").Default("false").Bool()
	maxConn  = app.Flag("max-conn", "maximum simultaneous child connections").Default("10").Int()
	localIP  = app.Flag("local-ip", "this node's mesh-subnet station address (host radio stand-in)").Default("10.0.0.1").String()

	mode = app.Flag("mode", "node, bridge, or shared-gateway").Default("node").Enum("node", "bridge", "shared-gateway")

	routerSSID     = app.Flag("router-ssid", "upstream router SSID, for bridge election eligibility").String()
	routerPassword = app.Flag("router-password", "upstream router password").String()
	bridgePriority = app.Flag("bridge-priority", "static priority used when --mode=bridge").Default("0").Int()

	maxFrame = app.Flag("max-frame-size", "hard per-frame byte cap (accepts human sizes, e.g. 2KiB)").Default("2KiB").Bytes()

	debug   = app.Flag("debug", "enable debug-level logging").Default("false").Bool()
	sendNet = app.Flag("enable-send-to-internet", "acquire the sendToInternet client role").Default("false").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logging.New()
	log.ToggleDebug(*debug)

	cfg := config.Default()
	cfg.SSID = *ssid
	cfg.Password = *password
	cfg.Port = *port
	cfg.Channel = *channel
	cfg.Hidden = *hidden
	cfg.MaxConn = *maxConn
	cfg.RouterSSID = *routerSSID
	cfg.RouterPassword = *routerPassword
	cfg.BridgePriority = *bridgePriority
	cfg.MaxFrameSize = int(*maxFrame)

	sched := scheduler.New()
	deps := mesh.Deps{
		Clock:     clock.NewSystem(),
		Radio:     newHostRadio(*localIP, *routerSSID),
		Dialer:    &transport.TCPDialer{Post: sched.Post},
		Listener:  &transport.TCPListener{Post: sched.Post},
		Scheduler: sched,
		Logger:    log,
	}

	cb := mesh.Callbacks{
		OnNewConnection: func(id wire.NodeID) {
			log.Infof("connection up: %s", id)
		},
		OnDroppedConnection: func(id wire.NodeID) {
			log.Infof("connection down: %s", id)
		},
		OnChangedConnections: func() {
			log.Debug("routing table changed")
		},
		OnBridgeRoleChanged: func(isBridge bool, reason string) {
			log.Infof("bridge role changed: %v (%s)", isBridge, reason)
		},
		OnGatewayChanged: func(id wire.NodeID, has bool) {
			log.Infof("gateway changed: %s reachable=%v", id, has)
		},
	}

	m := mesh.New(wire.NodeID(*nodeID), cfg, deps, cb)

	var err error
	switch *mode {
	case "bridge":
		err = m.InitAsBridge(*bridgePriority)
	case "shared-gateway":
		err = m.InitAsSharedGateway()
	default:
		err = m.Init()
	}
	if err != nil {
		log.Fatalf("mesh init failed: %v", err)
	}
	if *sendNet && *mode != "shared-gateway" {
		m.EnableSendToInternet()
	}

	log.Infof("meshnode %s listening on :%d (mode=%s)", m.NodeID(), cfg.Port, *mode)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go sched.Run()

	<-sigCh
	log.Info("shutting down")
	m.Stop()
	sched.Stop()
	time.Sleep(cfg.DeletionSpacing)
}
