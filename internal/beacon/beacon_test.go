package beacon

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/relaydesk/agent/pkg/wire"
)

func marshalAnnounce(t *testing.T, a wire.PeerAnnounce) []byte {
	t.Helper()
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("failed to marshal announcement: %v", err)
	}
	return data
}

func TestDecodeAnnouncementDropsSelfAnnouncement(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.50"), Port: DefaultPort}
	payload := marshalAnnounce(t, wire.PeerAnnounce{DeviceID: "self-id", DeviceName: "me", Port: 9000, Timestamp: time.Now()})

	_, ok := decodeAnnouncement("self-id", payload, addr)
	if ok {
		t.Fatal("expected self-announcement to be dropped")
	}
}

func TestDecodeAnnouncementAcceptsPeer(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.51"), Port: DefaultPort}
	payload := marshalAnnounce(t, wire.PeerAnnounce{DeviceID: "peer-id", DeviceName: "their-box", Port: 9001, Timestamp: time.Now()})

	entry, ok := decodeAnnouncement("self-id", payload, addr)
	if !ok {
		t.Fatal("expected peer announcement to be accepted")
	}
	if entry.Announce.DeviceID != "peer-id" || entry.Announce.Port != 9001 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestDecodeAnnouncementRejectsMalformedPayload(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.52"), Port: DefaultPort}
	_, ok := decodeAnnouncement("self-id", []byte("not json"), addr)
	if ok {
		t.Fatal("expected malformed payload to be rejected")
	}
}

func TestDecodeAnnouncementRejectsEmptyDeviceID(t *testing.T) {
	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.53"), Port: DefaultPort}
	payload := marshalAnnounce(t, wire.PeerAnnounce{DeviceID: "", Port: 9001, Timestamp: time.Now()})
	_, ok := decodeAnnouncement("self-id", payload, addr)
	if ok {
		t.Fatal("expected empty device id to be rejected")
	}
}

func TestEvictStaleRemovesEntriesPastTimeout(t *testing.T) {
	b := New(Config{DeviceID: "self-id", Timeout: 100 * time.Millisecond})
	b.directory["stale-peer"] = DirectoryEntry{
		Announce: wire.PeerAnnounce{DeviceID: "stale-peer"},
		LastSeen: time.Now().Add(-1 * time.Second),
	}
	b.directory["fresh-peer"] = DirectoryEntry{
		Announce: wire.PeerAnnounce{DeviceID: "fresh-peer"},
		LastSeen: time.Now(),
	}

	b.evictStale()

	entries := b.Directory()
	if len(entries) != 1 || entries[0].Announce.DeviceID != "fresh-peer" {
		t.Fatalf("expected only fresh-peer to remain, got %+v", entries)
	}
}

func TestStartAndStopOpensAndClosesSocketCleanly(t *testing.T) {
	b := New(Config{DeviceID: "self-id", DeviceName: "test-device", Port: 7000, ListenPort: 0, Interval: 50 * time.Millisecond, Timeout: 200 * time.Millisecond})
	// ListenPort 0 would bind an ephemeral port via net.ListenUDP semantics
	// if passed through directly, but New() defaults <=0 to DefaultPort; use
	// an explicit high port instead to avoid colliding with a real listener.
	b.cfg.ListenPort = 39901

	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	b.Stop()
}

func TestDecodedPeerAnnouncementPopulatesDirectory(t *testing.T) {
	portA := 39911
	portB := 39912

	a := New(Config{DeviceID: "device-a", DeviceName: "a", Port: 8000, ListenPort: portA, Interval: 30 * time.Millisecond, Timeout: 5 * time.Second})
	bcn := New(Config{DeviceID: "device-b", DeviceName: "b", Port: 8001, ListenPort: portB, Interval: 30 * time.Millisecond, Timeout: 5 * time.Second})

	// Broadcasting to 255.255.255.255 may be restricted in sandboxed test
	// environments, so this test injects announcements directly into each
	// other's directories via decodeAnnouncement instead of relying on an
	// actual broadcast round trip, keeping the assertion deterministic.
	announceA := wire.PeerAnnounce{DeviceID: a.cfg.DeviceID, DeviceName: a.cfg.DeviceName, Port: a.cfg.Port, Timestamp: time.Now()}
	payload := marshalAnnounce(t, announceA)
	entry, ok := decodeAnnouncement(bcn.cfg.DeviceID, payload, &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: portA})
	if !ok {
		t.Fatal("expected device-b to accept device-a's announcement")
	}
	bcn.mu.Lock()
	bcn.directory[entry.Announce.DeviceID] = entry
	bcn.mu.Unlock()

	dir := bcn.Directory()
	if len(dir) != 1 || dir[0].Announce.DeviceID != "device-a" {
		t.Fatalf("expected device-b's directory to contain device-a, got %+v", dir)
	}
}
