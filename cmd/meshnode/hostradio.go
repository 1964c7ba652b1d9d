package main

import (
	"sync"

	"github.com/wireweave/mesh/internal/radio"
)

// hostRadio is the WiFi radio external collaborator's stand-in for running
// meshnode processes on an ordinary host network rather than embedded WiFi
// hardware (spec.md §1/§6 explicitly put the radio driver itself out of
// scope). Scan reports only the configured router SSID, and Associate marks
// it associated at once with no real scan or association, so a fleet of
// meshnode processes on one LAN or loopback can exercise station join,
// bridging, and election without a physical radio underneath.
type hostRadio struct {
	mu sync.Mutex

	localIP string
	status  radio.Status
	rssi    int

	routerSSID string
	eventCb    func(radio.Event)
}

func newHostRadio(localIP, routerSSID string) *hostRadio {
	return &hostRadio{localIP: localIP, status: radio.StatusIdle, rssi: -40, routerSSID: routerSSID}
}

func (h *hostRadio) StartAP(ssid, password string, channel int, hidden bool, maxConn int) error {
	return nil
}
func (h *hostRadio) StopAP() error       { return nil }
func (h *hostRadio) EnableAP(bool) error { return nil }

// Scan reports the configured router SSID as the only visible access point,
// standing in for a real scan result set.
func (h *hostRadio) Scan(allChannels bool) ([]radio.ScanResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.routerSSID == "" {
		return nil, nil
	}
	return []radio.ScanResult{{SSID: h.routerSSID, BSSID: "host-router", Channel: 1, RSSI: h.rssi}}, nil
}

func (h *hostRadio) Associate(ssid, password string, channel int, bssid string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = radio.StatusAssociated
	return nil
}

func (h *hostRadio) Disassociate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = radio.StatusIdle
	return nil
}

func (h *hostRadio) RSSI() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rssi, nil
}

func (h *hostRadio) Status() radio.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *hostRadio) OnEvent(cb func(radio.Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventCb = cb
}

func (h *hostRadio) LocalIP() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != radio.StatusAssociated {
		return ""
	}
	return h.localIP
}
