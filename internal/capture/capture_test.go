package capture

import (
	"testing"
	"time"
)

func TestSourceDeliversFrames(t *testing.T) {
	fc := newFakeCapturer(64, 48)
	src := NewSource(fc, Config{TargetFPS: 100})
	src.Start()
	defer src.Stop()

	select {
	case <-src.FrameReady():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first frame")
	}

	frame, ok := src.Next()
	if !ok {
		t.Fatal("expected a frame to be pending")
	}
	if frame.MonitorW != 64 || frame.MonitorH != 48 {
		t.Fatalf("unexpected dimensions: %dx%d", frame.MonitorW, frame.MonitorH)
	}

	if _, ok := src.Next(); ok {
		t.Fatal("expected no frame pending after drain")
	}
}

func TestSourceDropsUnconsumedFrames(t *testing.T) {
	fc := newFakeCapturer(16, 16)
	src := NewSource(fc, Config{TargetFPS: 200})
	src.Start()
	defer src.Stop()

	// Let several captures happen without draining.
	time.Sleep(100 * time.Millisecond)

	if src.DroppedFrames() == 0 {
		t.Fatal("expected some frames to be dropped under backpressure")
	}

	if _, ok := src.Next(); !ok {
		t.Fatal("expected the most recent frame to still be available")
	}
}

func TestStopClosesCapturer(t *testing.T) {
	fc := newFakeCapturer(8, 8)
	src := NewSource(fc, Config{TargetFPS: 50})
	src.Start()
	time.Sleep(20 * time.Millisecond)
	src.Stop()

	if !fc.closed.Load() {
		t.Fatal("expected capturer to be closed on Stop")
	}
}
