package rerr

import (
	"errors"
	"testing"
)

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(KindTransport, "dial", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestKindOfUnwrapsWrapped(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := Wrap(KindTransport, "connect to fabric", base)
	wrapped := fmtErrorf(err)

	kind, ok := KindOf(wrapped)
	if !ok || kind != KindTransport {
		t.Fatalf("KindOf(wrapped) = %v, %v, want Transport, true", kind, ok)
	}
}

func fmtErrorf(err error) error {
	return errors.Join(err)
}

func TestPermissionAndCapabilityAreNotFatal(t *testing.T) {
	if KindPermission.Fatal() {
		t.Fatal("Permission should not be fatal")
	}
	if KindCapability.Fatal() {
		t.Fatal("Capability should not be fatal")
	}
}

func TestTransportNegotiationMediaResourceProtocolAreFatal(t *testing.T) {
	for _, k := range []Kind{KindTransport, KindNegotiation, KindMedia, KindResource, KindProtocol} {
		if !k.Fatal() {
			t.Fatalf("%s should be fatal", k)
		}
	}
}
