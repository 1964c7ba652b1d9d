package station

import (
	"testing"
	"time"

	"github.com/wireweave/mesh/internal/config"
	"github.com/wireweave/mesh/internal/logging"
	"github.com/wireweave/mesh/internal/radio"
	"github.com/wireweave/mesh/internal/scheduler"
	"github.com/wireweave/mesh/internal/transport"
	"github.com/wireweave/mesh/internal/wire"
)

// recordingRadio is a radio.Driver fake that remembers every channel it
// was asked to start its AP on.
type recordingRadio struct {
	associateErr error
	apChannels   []int
}

func (r *recordingRadio) StartAP(ssid, password string, channel int, hidden bool, maxConn int) error {
	r.apChannels = append(r.apChannels, channel)
	return nil
}
func (r *recordingRadio) StopAP() error                               { return nil }
func (r *recordingRadio) EnableAP(bool) error                         { return nil }
func (r *recordingRadio) Scan(bool) ([]radio.ScanResult, error)       { return nil, nil }
func (r *recordingRadio) Associate(string, string, int, string) error { return r.associateErr }
func (r *recordingRadio) Disassociate() error                        { return nil }
func (r *recordingRadio) RSSI() (int, error)                          { return -50, nil }
func (r *recordingRadio) Status() radio.Status                        { return radio.StatusAssociated }
func (r *recordingRadio) OnEvent(func(radio.Event))                   {}
func (r *recordingRadio) LocalIP() string                             { return "10.0.1.2" }

// noopDialer never actually connects; it only lets associate()'s follow-on
// transition to StateTcpConnecting run without touching a nil Dialer.
type noopDialer struct{}

func (noopDialer) Connect(ip string, port int, connectCb func(transport.Conn), errorCb func(error)) {
}

func TestParentFromStationIP(t *testing.T) {
	cases := map[string]string{
		"10.0.1.5": "10.0.1.1",
		"10.2.3.9": "10.2.3.1",
		"not-an-ip": "",
		"10.0.1":    "",
	}
	for in, want := range cases {
		if got := parentFromStationIP(in); got != want {
			t.Errorf("parentFromStationIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNodeIDFromMeshIPAcceptsTheMeshAddressScheme(t *testing.T) {
	id, ok := nodeIDFromMeshIP("10.1.44.1:5555")
	if !ok {
		t.Fatalf("a well-formed mesh address must decode")
	}
	if id != wire.NodeID(1<<8|44) {
		t.Fatalf("nodeIDFromMeshIP = %d, want %d", id, 1<<8|44)
	}
}

func TestNodeIDFromMeshIPRejectsMalformedAddresses(t *testing.T) {
	bad := []string{
		"192.168.1.1:5555", // wrong first octet
		"10.1.44.2:5555",   // wrong last octet
		"10.1.1",           // not enough octets
		"example.com:5555", // not an ip at all
		"10.0.0.1:5555",    // decodes to NodeID 0, which is never valid
	}
	for _, addr := range bad {
		if _, ok := nodeIDFromMeshIP(addr); ok {
			t.Errorf("nodeIDFromMeshIP(%q) should have been rejected", addr)
		}
	}
}

func TestBackoffForDoublesThenCaps(t *testing.T) {
	base := 1 * time.Second
	cap := 8 * time.Second

	if got := backoffFor(0, base, cap); got != base {
		t.Errorf("first attempt backoff = %v, want %v", got, base)
	}
	if got := backoffFor(1, base, cap); got != 2*time.Second {
		t.Errorf("second attempt backoff = %v, want 2s", got)
	}
	if got := backoffFor(2, base, cap); got != 4*time.Second {
		t.Errorf("third attempt backoff = %v, want 4s", got)
	}
	if got := backoffFor(10, base, cap); got != cap {
		t.Errorf("backoff must be capped at %v, got %v", cap, got)
	}
}

func newTestStation(cfg config.Config) *Station {
	return New(cfg, nil, nil, nil, nil, nil, logging.Noop(), nil)
}

func TestFilterAndScoreOrdersByRSSIDescending(t *testing.T) {
	cfg := config.Default()
	cfg.SSID = "mesh"
	s := newTestStation(cfg)

	results := []radio.ScanResult{
		{SSID: "mesh", BSSID: "aa", RSSI: -70},
		{SSID: "mesh", BSSID: "bb", RSSI: -40},
		{SSID: "other", BSSID: "cc", RSSI: -30},
		{SSID: "mesh", BSSID: "dd", RSSI: -60},
	}
	out := s.filterAndScore(results)
	if len(out) != 3 {
		t.Fatalf("filterAndScore returned %d candidates, want 3 (non-matching SSID excluded)", len(out))
	}
	if out[0].BSSID != "bb" || out[1].BSSID != "dd" || out[2].BSSID != "aa" {
		t.Fatalf("filterAndScore order = %v, want [bb dd aa] by descending RSSI", out)
	}
}

func TestFilterAndScoreExcludesBlocklistedCandidates(t *testing.T) {
	cfg := config.Default()
	cfg.SSID = "mesh"
	s := newTestStation(cfg)
	s.blocklist["bad"] = blockEntry{until: time.Now().Add(time.Minute)}

	out := s.filterAndScore([]radio.ScanResult{
		{SSID: "mesh", BSSID: "bad", RSSI: -10},
		{SSID: "mesh", BSSID: "good", RSSI: -90},
	})
	if len(out) != 1 || out[0].BSSID != "good" {
		t.Fatalf("filterAndScore = %v, want only the non-blocklisted candidate", out)
	}
}

func TestFilterAndScoreExpiresStaleBlocklistEntries(t *testing.T) {
	cfg := config.Default()
	cfg.SSID = "mesh"
	s := newTestStation(cfg)
	s.blocklist["expired"] = blockEntry{until: time.Now().Add(-time.Second)}

	out := s.filterAndScore([]radio.ScanResult{{SSID: "mesh", BSSID: "expired", RSSI: -50}})
	if len(out) != 1 {
		t.Fatalf("a blocklist entry past its deadline must no longer exclude its candidate")
	}
	if _, stillBlocked := s.blocklist["expired"]; stillBlocked {
		t.Fatalf("expireBlocklist must drop entries once their deadline has passed")
	}
}

func TestAssociateReprovisionsOwnAPOnAdoptedChannelWhenAutoDetecting(t *testing.T) {
	cfg := config.Default()
	cfg.SSID = "mesh"
	cfg.Channel = 0

	r := &recordingRadio{}
	sched := scheduler.New()
	go sched.Run()
	defer sched.Stop()

	s := New(cfg, r, noopDialer{}, sched, nil, nil, logging.Noop(), nil)
	s.candidate = &radio.ScanResult{SSID: "mesh", BSSID: "aa", Channel: 11, RSSI: -40}
	s.currentChannel = 11

	s.associate()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(r.apChannels) == 0 {
		time.Sleep(time.Millisecond)
	}
	if len(r.apChannels) != 1 || r.apChannels[0] != 11 {
		t.Fatalf("expected the AP reprovisioned once on the adopted channel 11, got %v", r.apChannels)
	}
}

func TestAssociateDoesNotReprovisionAPWhenChannelIsFixed(t *testing.T) {
	cfg := config.Default()
	cfg.SSID = "mesh"
	cfg.Channel = 6

	r := &recordingRadio{}
	sched := scheduler.New()
	go sched.Run()
	defer sched.Stop()

	s := New(cfg, r, noopDialer{}, sched, nil, nil, logging.Noop(), nil)
	s.candidate = &radio.ScanResult{SSID: "mesh", BSSID: "aa", Channel: 6, RSSI: -40}
	s.currentChannel = 6

	s.associate()
	time.Sleep(20 * time.Millisecond)

	if len(r.apChannels) != 0 {
		t.Fatalf("a fixed configured channel must never trigger AP reprovisioning, got %v", r.apChannels)
	}
}
