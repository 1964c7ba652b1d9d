package bridge

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/framing"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/radio"
	"github.com/wireweave/mesh/internal/router"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

const (
	reasonWifiDown        = "Gateway WiFi not connected"
	reasonNoInternet      = "Router has no internet access"
	reasonCaptivePortal   = "Captive portal detected — requires web authentication"
	reasonTimedOut        = "Request timed out"
)

// PreflightDeps are the collaborators the bridge side of the RPC needs to
// run the §4.H.4 pre-flight checks and perform the HTTP request.
type PreflightDeps struct {
	Radio                     radio.Driver
	DNSProbeHost              string
	CaptivePortalURL          string
	CaptivePortalExpectedBody string
	Client                    *http.Client
}

// GatewayServer is the bridge-side half of the sendToInternet RPC: it
// receives GatewayData, runs pre-flight checks, performs the HTTP call,
// and replies with GatewayAck (spec.md §4.H.4 steps 1-3).
type GatewayServer struct {
	self   wire.NodeID
	router *router.Router
	log    logging.Logger
	deps   PreflightDeps

	// PauseIdleTimeout/ResumeIdleTimeout are called before and after the
	// HTTP request with the connection the GatewayData arrived on, so the
	// façade can mark that connection as having a request in flight.
	PauseIdleTimeout  func(conn *framing.Connection)
	ResumeIdleTimeout func(conn *framing.Connection)
}

// NewGatewayServer builds a GatewayServer and registers its handler.
func NewGatewayServer(self wire.NodeID, r *router.Router, pkgReg *pkghandler.Registry,
	log logging.Logger, deps PreflightDeps) *GatewayServer {
	if deps.Client == nil {
		deps.Client = &http.Client{}
	}
	g := &GatewayServer{self: self, router: r, log: log, deps: deps}
	pkgReg.On(wire.TypeGatewayData, g.handle)
	return g
}

func (g *GatewayServer) handle(v wire.Variant, conn *framing.Connection, _ time.Time) bool {
	pkg, ok := v.(*wire.GatewayDataPackage)
	if !ok {
		return true
	}
	if reason, ok := g.preflight(); !ok {
		g.reply(pkg, false, 0, reason)
		return true
	}

	if g.PauseIdleTimeout != nil {
		g.PauseIdleTimeout(conn)
	}
	status, _, err := g.doRequest(pkg)
	if g.ResumeIdleTimeout != nil {
		g.ResumeIdleTimeout(conn)
	}

	if err != nil {
		g.reply(pkg, false, 0, err.Error())
		return true
	}
	success := status == http.StatusOK || status == http.StatusCreated ||
		status == http.StatusAccepted || status == http.StatusNoContent
	g.reply(pkg, success, status, "")
	return true
}

// preflight runs the three ordered checks of spec.md §4.H.4 step 1.
func (g *GatewayServer) preflight() (string, bool) {
	if g.deps.Radio == nil || g.deps.Radio.Status() != radio.StatusAssociated {
		return reasonWifiDown, false
	}
	if _, err := net.LookupHost(g.deps.DNSProbeHost); err != nil {
		return reasonNoInternet, false
	}
	if g.deps.CaptivePortalURL != "" {
		resp, err := http.Get(g.deps.CaptivePortalURL)
		if err != nil {
			return reasonNoInternet, false
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != g.deps.CaptivePortalExpectedBody {
			return reasonCaptivePortal, false
		}
	}
	return "", true
}

func (g *GatewayServer) doRequest(pkg *wire.GatewayDataPackage) (int, []byte, error) {
	client := g.deps.Client
	var req *http.Request
	var err error
	if len(pkg.Payload) > 0 {
		req, err = http.NewRequest(http.MethodPost, pkg.URL, nil)
	} else {
		req, err = http.NewRequest(http.MethodGet, pkg.URL, nil)
	}
	if err != nil {
		return 0, nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, body, nil
}

func (g *GatewayServer) reply(pkg *wire.GatewayDataPackage, success bool, status int, errStr string) {
	ack := &wire.GatewayAckPackage{
		Header:     wire.Header{Type: wire.TypeGatewayAck, From: g.self, Routing: wire.RoutingSingle, Dest: &pkg.Header.From},
		MessageID:  pkg.MessageID,
		Success:    success,
		HTTPStatus: status,
		Error:      errStr,
	}
	if err := g.router.TransmitSingle(pkg.Header.From, ack); err != nil {
		g.log.Warnf("gateway ack to %s failed: %v", pkg.Header.From, err)
	}
}

// nonRetryableReason reports whether s is one of the pre-flight strings
// that must never be retried.
func nonRetryableReason(s string) bool {
	switch s {
	case reasonWifiDown, reasonNoInternet, reasonCaptivePortal:
		return true
	}
	return false
}

// pendingRequest is one in-flight sendToInternet call, tracked sender-side.
type pendingRequest struct {
	messageID     string
	url           string
	payload       []byte
	attempt       int
	maxAttempts   int
	backoff       time.Duration
	backoffBase   time.Duration
	deadline      time.Time
	bridge        wire.NodeID
	callback      func(success bool, status int, errStr string)
}

// GatewayClient is the sender-side half of the RPC (spec.md §4.H.4): issues
// GatewayData, classifies the ack, retries within budget/deadline, and
// sweeps timed-out requests.
type GatewayClient struct {
	self    wire.NodeID
	router  *router.Router
	sched   scheduler.Scheduler
	log     logging.Logger
	cfg     config.Config

	pending     map[string]*pendingRequest
	seq         int
	sweepHandle scheduler.Handle

	// HasActiveMeshConnections reports whether a retry should actually be
	// attempted right now (spec.md §7: "mesh unreachable, reschedule
	// without consuming retry budget").
	HasActiveMeshConnections func() bool
}

// NewGatewayClient builds a GatewayClient and registers its ack handler
// and sweeper (spec.md §4.H.4: "enableSendToInternet... installs the
// GatewayAck handler and the sweeper").
func NewGatewayClient(self wire.NodeID, r *router.Router, pkgReg *pkghandler.Registry,
	sched scheduler.Scheduler, log logging.Logger, cfg config.Config) *GatewayClient {

	c := &GatewayClient{
		self:    self,
		router:  r,
		sched:   sched,
		log:     log,
		cfg:     cfg,
		pending: make(map[string]*pendingRequest),
	}
	pkgReg.On(wire.TypeGatewayAck, c.handleAck)
	c.sweepHandle = sched.AddPeriodic(cfg.GatewaySweepInterval, c.sweep)
	return c
}

// Stop cancels the periodic sweeper. Pending requests are left untouched;
// the façade tears down every peer connection separately on shutdown.
func (c *GatewayClient) Stop() {
	c.sched.Cancel(c.sweepHandle)
}

// SendToInternet enqueues a GatewayData request to bridgeID. callback is
// invoked exactly once with the terminal outcome.
func (c *GatewayClient) SendToInternet(bridgeID wire.NodeID, url string, payload []byte,
	maxAttempts int, backoffBase, deadline time.Duration, callback func(success bool, status int, errStr string)) string {

	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = c.cfg.GatewayBackoffBase
	}
	if deadline <= 0 {
		deadline = c.cfg.GatewayDeadline
	}

	c.seq++
	id := c.self.String() + "-" + time.Now().Format("150405") + "-" + itoa(c.seq)
	req := &pendingRequest{
		messageID:   id,
		url:         url,
		payload:     payload,
		maxAttempts: maxAttempts,
		backoff:     backoffBase,
		backoffBase: backoffBase,
		deadline:    time.Now().Add(deadline),
		bridge:      bridgeID,
		callback:    callback,
	}
	c.pending[id] = req
	c.attempt(req)
	return id
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (c *GatewayClient) attempt(req *pendingRequest) {
	if c.HasActiveMeshConnections != nil && !c.HasActiveMeshConnections() {
		c.sched.AddOnce(req.backoff, func() { c.attempt(req) })
		return
	}
	req.attempt++
	pkg := &wire.GatewayDataPackage{
		Header:        wire.Header{Type: wire.TypeGatewayData, From: c.self, Routing: wire.RoutingSingle, Dest: &req.bridge},
		MessageID:     req.messageID,
		URL:           req.url,
		Payload:       req.payload,
		MaxAttempts:   req.maxAttempts,
		BackoffBaseMs: req.backoffBase.Milliseconds(),
		DeadlineMs:    time.Until(req.deadline).Milliseconds(),
	}
	if err := c.router.TransmitSingle(req.bridge, pkg); err != nil {
		c.finish(req, false, 0, err.Error())
	}
}

func (c *GatewayClient) handleAck(v wire.Variant, _ *framing.Connection, _ time.Time) bool {
	ack, ok := v.(*wire.GatewayAckPackage)
	if !ok {
		return true
	}
	req, ok := c.pending[ack.MessageID]
	if !ok {
		return true
	}

	switch {
	case ack.Success:
		c.finish(req, true, ack.HTTPStatus, "")
	case isRetryableAck(ack.HTTPStatus, ack.Error):
		c.retry(req)
	default:
		c.finish(req, false, ack.HTTPStatus, ack.Error)
	}
	return true
}

func isRetryableAck(status int, errStr string) bool {
	if status == 203 || status == 429 || (status >= 500 && status < 600) {
		return true
	}
	if status == 0 {
		return !nonRetryableReason(errStr)
	}
	return false
}

func (c *GatewayClient) retry(req *pendingRequest) {
	if req.attempt >= req.maxAttempts || time.Now().After(req.deadline) {
		c.finish(req, false, 0, reasonTimedOut)
		return
	}
	req.backoff *= 2
	remaining := time.Until(req.deadline)
	if req.backoff > remaining {
		req.backoff = remaining
	}
	c.sched.AddOnce(req.backoff, func() { c.attempt(req) })
}

func (c *GatewayClient) sweep() {
	now := time.Now()
	for id, req := range c.pending {
		if now.After(req.deadline) {
			delete(c.pending, id)
			if req.callback != nil {
				req.callback(false, 0, reasonTimedOut)
			}
		}
	}
}

func (c *GatewayClient) finish(req *pendingRequest, success bool, status int, errStr string) {
	delete(c.pending, req.messageID)
	if req.callback != nil {
		req.callback(success, status, errStr)
	}
}
