package abr

import (
	"testing"
	"time"
)

func newController(t *testing.T, initial int) (*Controller, *int, *int) {
	t.Helper()
	bitrateCalls := 0
	keyframeCalls := 0
	c := New(Config{
		InitialBitrateBPS: initial,
		RequestBitrate:    func(int) { bitrateCalls++ },
		RequestKeyframe:   func() { keyframeCalls++ },
	})
	return c, &bitrateCalls, &keyframeCalls
}

// TestS1BitrateIncreaseUnderGoodConditions mirrors spec scenario S1.
func TestS1BitrateIncreaseUnderGoodConditions(t *testing.T) {
	c, bitrateCalls, keyframeCalls := newController(t, 5_000_000)
	c.Observe(Sample{RTT: 20 * time.Millisecond, Loss: 0.001, Bandwidth: 10_000_000})

	action, next := c.Evaluate()
	if action != ActionUpgrade {
		t.Fatalf("expected upgrade, got %s", action)
	}
	if next != 5_500_000 {
		t.Fatalf("expected 5500000, got %d", next)
	}
	if *bitrateCalls != 1 {
		t.Fatalf("expected RequestBitrate called once, got %d", *bitrateCalls)
	}
	if *keyframeCalls != 0 {
		t.Fatalf("expected no keyframe request on upgrade, got %d", *keyframeCalls)
	}
}

// TestS2BitrateDecreaseUnderLoss mirrors spec scenario S2.
func TestS2BitrateDecreaseUnderLoss(t *testing.T) {
	c, _, keyframeCalls := newController(t, 5_000_000)
	c.Observe(Sample{RTT: 40 * time.Millisecond, Loss: 0.10, Bandwidth: 10_000_000})

	action, next := c.Evaluate()
	if action != ActionDegrade {
		t.Fatalf("expected degrade, got %s", action)
	}
	if next != 4_000_000 {
		t.Fatalf("expected 4000000, got %d", next)
	}
	if *keyframeCalls != 1 {
		t.Fatalf("expected exactly one keyframe request on a >=20%% step-down, got %d", *keyframeCalls)
	}
}

func TestHighRTTOnlyDegradeIsModerate(t *testing.T) {
	c, _, keyframeCalls := newController(t, 5_000_000)
	c.Observe(Sample{RTT: 150 * time.Millisecond, Loss: 0.02, Bandwidth: 10_000_000})

	action, next := c.Evaluate()
	if action != ActionDegrade {
		t.Fatalf("expected degrade, got %s", action)
	}
	if next != 4_500_000 {
		t.Fatalf("expected 4500000 (x0.9), got %d", next)
	}
	// 10% step-down is below the 20% keyframe-request threshold.
	if *keyframeCalls != 0 {
		t.Fatalf("expected no keyframe request on a <20%% step-down, got %d", *keyframeCalls)
	}
}

func TestMiddleZoneHolds(t *testing.T) {
	c, bitrateCalls, _ := newController(t, 5_000_000)
	c.Observe(Sample{RTT: 70 * time.Millisecond, Loss: 0.03, Bandwidth: 10_000_000})

	action, next := c.Evaluate()
	if action != ActionHold {
		t.Fatalf("expected hold, got %s", action)
	}
	if next != 5_000_000 {
		t.Fatalf("expected bitrate unchanged at 5000000, got %d", next)
	}
	if *bitrateCalls != 0 {
		t.Fatalf("expected RequestBitrate not called on hold, got %d", *bitrateCalls)
	}
}

// TestProperty5SteadyGoodConditionsAreNonDecreasingUntilMax mirrors
// Testable Property 5.
func TestProperty5SteadyGoodConditionsAreNonDecreasingUntilMax(t *testing.T) {
	c := New(Config{InitialBitrateBPS: 1_000_000, MaxBitrateBPS: 3_000_000})

	last := c.CurrentBitrate()
	for i := 0; i < 50; i++ {
		c.Observe(Sample{RTT: 20 * time.Millisecond, Loss: 0, Bandwidth: 10_000_000})
		_, next := c.Evaluate()
		if next < last {
			t.Fatalf("bitrate decreased from %d to %d under steady good conditions", last, next)
		}
		last = next
	}
	if last != 3_000_000 {
		t.Fatalf("expected bitrate to reach the max ceiling of 3000000, got %d", last)
	}
}

func TestClampsToConfiguredBounds(t *testing.T) {
	c := New(Config{InitialBitrateBPS: 500_000, MinBitrateBPS: 500_000, MaxBitrateBPS: 1_000_000})
	c.Observe(Sample{RTT: 10 * time.Millisecond, Loss: 0.5, Bandwidth: 1})
	_, next := c.Evaluate()
	if next < 500_000 {
		t.Fatalf("expected bitrate clamped to min 500000, got %d", next)
	}
}

func TestEmptyWindowHolds(t *testing.T) {
	c := New(Config{InitialBitrateBPS: 2_000_000})
	action, next := c.Evaluate()
	if action != ActionHold || next != 2_000_000 {
		t.Fatalf("expected hold at initial bitrate with no samples, got %s %d", action, next)
	}
}
