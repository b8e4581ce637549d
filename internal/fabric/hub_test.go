package fabric

import (
	"testing"
	"time"

	"github.com/relaydesk/agent/pkg/wire"
)

func newRegisteredChannel(t *testing.T, h *Hub, id string) *Channel {
	t.Helper()
	ch := NewChannel(16)
	ch.DeviceID = id
	if err := h.Accept(ch); err != nil {
		t.Fatalf("Accept(%s): %v", id, err)
	}
	return ch
}

func TestRouteDeliversToRegisteredTarget(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	a := newRegisteredChannel(t, h, "aaa111222")
	b := newRegisteredChannel(t, h, "bbb333444")
	_ = a

	h.Route(wire.Envelope{Type: wire.TypeOffer, From: "aaa111222", To: "bbb333444", SDP: "v=0..."})

	select {
	case env := <-b.Outbound():
		if env.Type != wire.TypeOffer || env.From != "aaa111222" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRouteToUnknownTargetRepliesUnreachable(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	a := newRegisteredChannel(t, h, "aaa111222")

	h.Route(wire.Envelope{Type: wire.TypeOffer, From: "aaa111222", To: "zzz999888", SDP: "v=0...", CorrelationID: "c1"})

	select {
	case env := <-a.Outbound():
		if env.Type != wire.TypeUnreachable || env.CorrelationID != "c1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Unreachable")
	}
}

func TestOrderPreservedPerSenderReceiverPair(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	newRegisteredChannel(t, h, "aaa111222")
	b := newRegisteredChannel(t, h, "bbb333444")

	h.Route(wire.Envelope{Type: wire.TypeIceCandidate, From: "aaa111222", To: "bbb333444", Candidate: "c1"})
	h.Route(wire.Envelope{Type: wire.TypeIceCandidate, From: "aaa111222", To: "bbb333444", Candidate: "c2"})
	h.Route(wire.Envelope{Type: wire.TypeIceCandidate, From: "aaa111222", To: "bbb333444", Candidate: "c3"})

	want := []string{"c1", "c2", "c3"}
	for _, w := range want {
		select {
		case env := <-b.Outbound():
			if env.Candidate != w {
				t.Fatalf("out of order: got %q want %q", env.Candidate, w)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for candidate")
		}
	}
}

func TestAcceptEvictsPreviousChannelOnSameDeviceID(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	first := newRegisteredChannel(t, h, "aaa111222")
	second := NewChannel(16)
	second.DeviceID = "aaa111222"
	if err := h.Accept(second); err != nil {
		t.Fatalf("Accept(second): %v", err)
	}

	select {
	case env, ok := <-first.Outbound():
		if !ok {
			t.Fatal("expected Disconnect before close, got closed channel")
		}
		if env.Type != wire.TypeDisconnect || env.Reason != "Superseded" {
			t.Fatalf("unexpected eviction envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for eviction notice")
	}
}

func TestListPeersReturnsDirectorySnapshotExcludingSelf(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	a := newRegisteredChannel(t, h, "aaa111222")
	newRegisteredChannel(t, h, "bbb333444")

	h.Route(wire.Envelope{Type: wire.TypeListPeers, From: "aaa111222"})

	select {
	case env := <-a.Outbound():
		if env.Type != wire.TypePeerList {
			t.Fatalf("expected PeerList, got %v", env.Type)
		}
		if len(env.Peers) != 1 || env.Peers[0].DeviceID != "bbb333444" {
			t.Fatalf("unexpected peer list: %+v", env.Peers)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for PeerList")
	}
}
