package rtpio

import (
	"testing"
	"time"

	"github.com/relaydesk/agent/internal/encode"
)

func unitAt(t time.Time, data []byte) encode.EncodedUnit {
	return encode.EncodedUnit{Data: data, CapturedAt: t, Codec: encode.CodecH264}
}

// annexBNALU builds a minimal valid Annex-B access unit (start code + IDR
// slice NAL header + payload bytes) so codecs.H264Payloader has a real NALU
// boundary to fragment, rather than an opaque blob with no start code.
func annexBNALU(payloadSize int) []byte {
	data := make([]byte, 4+payloadSize)
	data[0], data[1], data[2], data[3] = 0x00, 0x00, 0x00, 0x01
	if payloadSize > 0 {
		data[4] = 0x65 // NAL unit type 5 (IDR slice), nal_ref_idc set
	}
	return data
}

func TestSequenceNumbersAreStrictlyMonotonic(t *testing.T) {
	p, err := New(encode.CodecH264, 0x1234, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	base := time.Now()
	var allPackets []uint16
	for i := 0; i < 5; i++ {
		// A payload large enough to fragment into multiple RTP packets.
		pkts, err := p.Packetize(unitAt(base.Add(time.Duration(i)*33*time.Millisecond), annexBNALU(3000)))
		if err != nil {
			t.Fatalf("Packetize: %v", err)
		}
		for _, pkt := range pkts {
			allPackets = append(allPackets, pkt.SequenceNumber)
		}
	}

	for i := 1; i < len(allPackets); i++ {
		want := allPackets[i-1] + 1
		if allPackets[i] != want {
			t.Fatalf("sequence not monotonic at %d: got %d want %d", i, allPackets[i], want)
		}
	}
}

func TestTimestampNonDecreasingAcrossUnits(t *testing.T) {
	p, err := New(encode.CodecH264, 1, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := time.Now()

	var lastTS uint32
	for i := 0; i < 4; i++ {
		pkts, err := p.Packetize(unitAt(base.Add(time.Duration(i)*33*time.Millisecond), []byte{1, 2, 3}))
		if err != nil {
			t.Fatalf("Packetize: %v", err)
		}
		ts := pkts[0].Timestamp
		if i > 0 && rtpTimestampLess(ts, lastTS) {
			t.Fatalf("timestamp decreased: unit %d ts=%d < previous %d", i, ts, lastTS)
		}
		lastTS = ts
	}
}

func TestAllPacketsInUnitShareTimestamp(t *testing.T) {
	p, err := New(encode.CodecH264, 1, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pkts, err := p.Packetize(unitAt(time.Now(), annexBNALU(5000)))
	if err != nil {
		t.Fatalf("Packetize: %v", err)
	}
	if len(pkts) < 2 {
		t.Fatalf("expected a 5000-byte unit to fragment into multiple packets, got %d", len(pkts))
	}
	want := pkts[0].Timestamp
	for _, pkt := range pkts {
		if pkt.Timestamp != want {
			t.Fatalf("packets in one access unit must share a timestamp: got %d want %d", pkt.Timestamp, want)
		}
	}
}

func TestMarkerSetOnlyOnLastPacketOfUnit(t *testing.T) {
	p, err := New(encode.CodecH264, 1, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pkts, err := p.Packetize(unitAt(time.Now(), annexBNALU(5000)))
	if err != nil {
		t.Fatalf("Packetize: %v", err)
	}
	for i, pkt := range pkts {
		want := i == len(pkts)-1
		if pkt.Marker != want {
			t.Fatalf("packet %d marker=%v, want %v", i, pkt.Marker, want)
		}
	}
}

func TestSSRCConstantAcrossUnits(t *testing.T) {
	p, err := New(encode.CodecH264, 0xDEADBEEF, 100)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	base := time.Now()
	for i := 0; i < 3; i++ {
		pkts, err := p.Packetize(unitAt(base.Add(time.Duration(i)*33*time.Millisecond), []byte{1}))
		if err != nil {
			t.Fatalf("Packetize: %v", err)
		}
		for _, pkt := range pkts {
			if pkt.SSRC != 0xDEADBEEF {
				t.Fatalf("SSRC changed: got %x", pkt.SSRC)
			}
		}
	}
}

func TestUnsupportedCodecRejected(t *testing.T) {
	if _, err := New("mpeg2", 1, 100); err == nil {
		t.Fatal("expected an error for an unsupported codec")
	}
}
