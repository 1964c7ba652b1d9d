// Package meshtest provides in-memory test doubles for radio.Driver and
// transport.Dialer/Listener, plus small cluster-building helpers, so mesh
// behaviour can be exercised without real WiFi or sockets.
//
// Grounded on the teacher's test/testing.go (TestInvoker's goroutine+
// WaitGroup spawn/stop pattern, UnityCluster's cluster-of-peers builder)
// and fuzzy/commit_test.go's goleak-verified teardown.
package meshtest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wireweave/mesh/internal/radio"
)

// FakeRadio is an in-memory radio.Driver. Scan results are whatever the
// test installs via SetScanResults; Associate/Disassociate just flip
// Status(); RSSI is fixed unless overridden.
type FakeRadio struct {
	mu sync.Mutex

	status      radio.Status
	scanResults []radio.ScanResult
	localIP     string
	rssi        int

	eventCb func(radio.Event)

	FailAssociate bool
	FailScan      bool

	// AssociatedLocalIP, if set, replaces LocalIP() once Associate
	// succeeds — standing in for a parent's AP handing out a station
	// address on its own mesh subnet, the way a joining node would pick
	// up a DHCP lease in the real network.
	AssociatedLocalIP string
}

// NewFakeRadio builds an idle FakeRadio reporting localIP as its station
// address once associated.
func NewFakeRadio(localIP string) *FakeRadio {
	return &FakeRadio{status: radio.StatusIdle, localIP: localIP, rssi: -50}
}

func (r *FakeRadio) SetScanResults(results []radio.ScanResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanResults = results
}

func (r *FakeRadio) SetRSSI(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rssi = v
}

func (r *FakeRadio) StartAP(ssid, password string, channel int, hidden bool, maxConn int) error {
	return nil
}
func (r *FakeRadio) StopAP() error      { return nil }
func (r *FakeRadio) EnableAP(bool) error { return nil }

func (r *FakeRadio) Scan(allChannels bool) ([]radio.ScanResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailScan {
		return nil, errors.New("meshtest: scan failed")
	}
	out := make([]radio.ScanResult, len(r.scanResults))
	copy(out, r.scanResults)
	return out, nil
}

func (r *FakeRadio) Associate(ssid, password string, channel int, bssid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailAssociate {
		return fmt.Errorf("meshtest: associate with %s failed", bssid)
	}
	r.status = radio.StatusAssociated
	if r.AssociatedLocalIP != "" {
		r.localIP = r.AssociatedLocalIP
	}
	return nil
}

func (r *FakeRadio) Disassociate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = radio.StatusIdle
	return nil
}

func (r *FakeRadio) RSSI() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rssi, nil
}

func (r *FakeRadio) Status() radio.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *FakeRadio) OnEvent(cb func(radio.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventCb = cb
}

func (r *FakeRadio) LocalIP() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != radio.StatusAssociated {
		return ""
	}
	return r.localIP
}

func (r *FakeRadio) fireEvent(e radio.Event) {
	r.mu.Lock()
	cb := r.eventCb
	r.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}
