package bridge

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/pkghandler"
	"github.com/wireweave/mesh/internal/radio"
	"github.com/wireweave/mesh/internal/router"
	"github.com/wireweave/mesh/internal/routing"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/wire"
)

type fakeRadio struct {
	status radio.Status
}

func (f *fakeRadio) StartAP(string, string, int, bool, int) error { return nil }
func (f *fakeRadio) StopAP() error                                { return nil }
func (f *fakeRadio) EnableAP(bool) error                          { return nil }
func (f *fakeRadio) Scan(bool) ([]radio.ScanResult, error)        { return nil, nil }
func (f *fakeRadio) Associate(string, string, int, string) error  { return nil }
func (f *fakeRadio) Disassociate() error                          { return nil }
func (f *fakeRadio) RSSI() (int, error)                           { return -50, nil }
func (f *fakeRadio) Status() radio.Status                         { return f.status }
func (f *fakeRadio) OnEvent(func(radio.Event))                    {}
func (f *fakeRadio) LocalIP() string                              { return "10.0.0.1" }

func TestIsRetryableAck(t *testing.T) {
	cases := []struct {
		status int
		errStr string
		want   bool
	}{
		{203, "", true},
		{429, "", true},
		{503, "", true},
		{200, "", false},
		{0, reasonWifiDown, false},
		{0, reasonNoInternet, false},
		{0, reasonCaptivePortal, false},
		{0, reasonTimedOut, true},
	}
	for _, c := range cases {
		if got := isRetryableAck(c.status, c.errStr); got != c.want {
			t.Errorf("isRetryableAck(%d, %q) = %v, want %v", c.status, c.errStr, got, c.want)
		}
	}
}

func TestPreflightFailsWhenRadioNotAssociated(t *testing.T) {
	g := &GatewayServer{deps: PreflightDeps{Radio: &fakeRadio{status: radio.StatusIdle}}}
	reason, ok := g.preflight()
	if ok || reason != reasonWifiDown {
		t.Fatalf("preflight() = (%q, %v), want (%q, false)", reason, ok, reasonWifiDown)
	}
}

func TestPreflightDetectsCaptivePortal(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("login required"))
	}))
	defer portal.Close()

	g := &GatewayServer{deps: PreflightDeps{
		Radio:                     &fakeRadio{status: radio.StatusAssociated},
		DNSProbeHost:              "localhost",
		CaptivePortalURL:          portal.URL,
		CaptivePortalExpectedBody: "ok",
		Client:                    portal.Client(),
	}}
	reason, ok := g.preflight()
	if ok || reason != reasonCaptivePortal {
		t.Fatalf("preflight() = (%q, %v), want (%q, false)", reason, ok, reasonCaptivePortal)
	}
}

func TestPreflightPassesWhenCaptivePortalBodyMatches(t *testing.T) {
	portal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer portal.Close()

	g := &GatewayServer{deps: PreflightDeps{
		Radio:                     &fakeRadio{status: radio.StatusAssociated},
		DNSProbeHost:              "localhost",
		CaptivePortalURL:          portal.URL,
		CaptivePortalExpectedBody: "ok",
		Client:                    portal.Client(),
	}}
	if _, ok := g.preflight(); !ok {
		t.Fatalf("preflight must pass once every check clears")
	}
}

func newTestGatewayClient(self wire.NodeID) *GatewayClient {
	table := routing.NewTable(self)
	sched := scheduler.New()
	go sched.Run()
	pkgReg := pkghandler.New(sched, logging.Noop())
	r := router.New(table, pkgReg, sched, logging.Noop(), self, nil)
	cfg := config.Default()
	cfg.GatewaySweepInterval = time.Hour
	cfg.GatewayBackoffBase = 10 * time.Millisecond
	cfg.GatewayDeadline = time.Second
	return NewGatewayClient(self, r, pkgReg, sched, logging.Noop(), cfg)
}

func TestSendToInternetFinishesOnSuccessfulAck(t *testing.T) {
	c := newTestGatewayClient(wire.NodeID(1))
	done := make(chan bool, 1)
	id := c.SendToInternet(wire.NodeID(2), "http://example/", nil, 3, 0, 0, func(success bool, status int, errStr string) {
		done <- success
	})

	ack := &wire.GatewayAckPackage{
		Header:     wire.Header{Type: wire.TypeGatewayAck, From: wire.NodeID(2)},
		MessageID:  id,
		Success:    true,
		HTTPStatus: 200,
	}
	if consumed := c.handleAck(ack, nil, time.Now()); !consumed {
		t.Fatalf("handleAck must consume a GatewayAckPackage")
	}

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("callback success = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatalf("callback never fired")
	}
	if _, stillPending := c.pending[id]; stillPending {
		t.Fatalf("a finished request must be removed from pending")
	}
}

func TestSendToInternetRetriesOnRetryableAckThenSucceeds(t *testing.T) {
	c := newTestGatewayClient(wire.NodeID(1))
	done := make(chan bool, 1)
	id := c.SendToInternet(wire.NodeID(2), "http://example/", nil, 3, 5*time.Millisecond, time.Second,
		func(success bool, status int, errStr string) { done <- success })

	retryable := &wire.GatewayAckPackage{
		Header:     wire.Header{Type: wire.TypeGatewayAck, From: wire.NodeID(2)},
		MessageID:  id,
		Success:    false,
		HTTPStatus: 503,
	}
	c.handleAck(retryable, nil, time.Now())

	// the retry is scheduled via sched.AddOnce(backoff, ...), which re-sends
	// GatewayData; acknowledge that resend as a success.
	time.Sleep(20 * time.Millisecond)
	success := &wire.GatewayAckPackage{
		Header:     wire.Header{Type: wire.TypeGatewayAck, From: wire.NodeID(2)},
		MessageID:  id,
		Success:    true,
		HTTPStatus: 200,
	}
	c.handleAck(success, nil, time.Now())

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("callback success = false after eventual success ack, want true")
		}
	case <-time.After(time.Second):
		t.Fatalf("callback never fired after retry")
	}
}

func TestSendToInternetFinishesOnNonRetryableAck(t *testing.T) {
	c := newTestGatewayClient(wire.NodeID(1))
	done := make(chan bool, 1)
	id := c.SendToInternet(wire.NodeID(2), "http://example/", nil, 3, 0, 0, func(success bool, status int, errStr string) {
		done <- success
	})

	fatal := &wire.GatewayAckPackage{
		Header:     wire.Header{Type: wire.TypeGatewayAck, From: wire.NodeID(2)},
		MessageID:  id,
		Success:    false,
		HTTPStatus: 0,
		Error:      reasonWifiDown,
	}
	c.handleAck(fatal, nil, time.Now())

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("callback success = true for a non-retryable failure, want false")
		}
	case <-time.After(time.Second):
		t.Fatalf("callback never fired")
	}
}

func TestSweepExpiresOverdueRequests(t *testing.T) {
	c := newTestGatewayClient(wire.NodeID(1))
	done := make(chan bool, 1)
	c.pending["stale"] = &pendingRequest{
		messageID: "stale",
		deadline:  time.Now().Add(-time.Second),
		callback:  func(success bool, status int, errStr string) { done <- success },
	}

	c.sweep()

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("an overdue request must finish unsuccessfully")
		}
	case <-time.After(time.Second):
		t.Fatalf("sweep never finished the overdue request")
	}
	if _, stillPending := c.pending["stale"]; stillPending {
		t.Fatalf("sweep must drop the overdue request from pending")
	}
}
