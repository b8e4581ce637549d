package wire

import (
	"reflect"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []Envelope{
		{Type: TypeRegister, From: "aaa111222", DeviceName: "desk-1", Auth: "token"},
		{Type: TypeListPeers, From: "aaa111222"},
		{Type: TypeConnectionRequest, From: "aaa111222", Target: "bbb333444"},
		{Type: TypeOffer, From: "aaa111222", To: "bbb333444", SDP: "v=0..."},
		{Type: TypeAnswer, From: "bbb333444", To: "aaa111222", SDP: "v=0..."},
		{Type: TypeIceCandidate, From: "aaa111222", To: "bbb333444", Candidate: "candidate:1 1 UDP ...", SDPMid: "0", SDPMLineIdx: 0},
		{Type: TypeDisconnect, From: "aaa111222", To: "bbb333444", Reason: "UserEnded"},
		{Type: TypeUnreachable, From: "fabric", To: "aaa111222", CorrelationID: "corr-1"},
		{Type: TypePeerList, From: "fabric", Peers: []PeerSummary{{DeviceID: "bbb333444", DeviceName: "laptop", Online: true}}},
	}

	for _, want := range cases {
		data, err := want.Marshal()
		if err != nil {
			t.Fatalf("marshal %v: %v", want.Type, err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal %v: %v", want.Type, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
		}
	}
}

func TestEnvelopeValidateRejectsOversize(t *testing.T) {
	e := Envelope{Type: TypeOffer, From: "a", To: "b", SDP: "v=0..."}
	if err := e.Validate(MaxEnvelopeBytes + 1); err == nil {
		t.Fatal("expected oversize envelope to be rejected")
	}
}

func TestEnvelopeValidateRequiresDestination(t *testing.T) {
	e := Envelope{Type: TypeOffer, From: "a", SDP: "v=0..."}
	if err := e.Validate(10); err == nil {
		t.Fatal("expected Offer without to/target to be rejected")
	}
}

func TestEnvelopeDestinationPrefersTo(t *testing.T) {
	e := Envelope{To: "b", Target: "c"}
	if e.Destination() != "b" {
		t.Fatalf("Destination() = %q, want b", e.Destination())
	}
	e2 := Envelope{Target: "c"}
	if e2.Destination() != "c" {
		t.Fatalf("Destination() = %q, want c", e2.Destination())
	}
}
