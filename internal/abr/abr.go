// Package abr implements the adaptive bitrate controller (C5): a pure
// function of a rolling window of link-quality samples that decides the
// next target bitrate for the video encoder and, on a large enough
// step-down, asks it for a fresh keyframe.
package abr

import (
	"sync"
	"time"
)

const (
	defaultMinBitrateBPS = 500_000
	defaultMaxBitrateBPS = 20_000_000

	lossDegradeThreshold  = 0.05
	rttDegradeThreshold   = 100 * time.Millisecond
	lossUpgradeThreshold  = 0.01
	rttUpgradeThreshold   = 50 * time.Millisecond
	degradeFactorLoss     = 0.8
	degradeFactorRTT      = 0.9
	upgradeFraction       = 0.1
	upgradeBandwidthShare = 0.8

	// keyframeStepDownThreshold is the fraction of current bitrate a
	// degrade must cross before the controller also requests a keyframe.
	keyframeStepDownThreshold = 0.20

	// windowSize is the number of most-recent samples averaged per
	// decision, per spec §4.5 ("rolling window ... most recent 10").
	windowSize = 10
)

// Sample is one RTT/loss/bandwidth-estimate observation fed to the
// controller, typically derived from RTCP receiver reports.
type Sample struct {
	RTT       time.Duration
	Loss      float64 // fraction in [0,1]
	Bandwidth int64    // estimated available bandwidth, bits/sec
}

// Config bounds and wires the controller.
type Config struct {
	InitialBitrateBPS int
	MinBitrateBPS     int
	MaxBitrateBPS     int

	// RequestBitrate pushes a new target into the encoder without
	// re-initializing it (C2's request_bitrate contract).
	RequestBitrate func(bps int)
	// RequestKeyframe is called once per step-down of at least 20%.
	RequestKeyframe func()
}

// Action classifies what a single Evaluate call decided, for logging and
// tests.
type Action string

const (
	ActionHold     Action = "hold"
	ActionDegrade  Action = "degrade"
	ActionUpgrade  Action = "upgrade"
)

// Controller evaluates the window of samples at a fixed cadence (the
// caller drives the cadence; Evaluate itself is a pure function of the
// window plus the current target, per Testable Property 6/spec §4.5).
type Controller struct {
	mu sync.Mutex

	minBitrate int
	maxBitrate int
	current    int

	window []Sample

	onBitrate  func(bps int)
	onKeyframe func()
}

func New(cfg Config) *Controller {
	minB := cfg.MinBitrateBPS
	if minB <= 0 {
		minB = defaultMinBitrateBPS
	}
	maxB := cfg.MaxBitrateBPS
	if maxB <= 0 {
		maxB = defaultMaxBitrateBPS
	}
	initial := cfg.InitialBitrateBPS
	if initial <= 0 {
		initial = minB
	}
	return &Controller{
		minBitrate: minB,
		maxBitrate: maxB,
		current:    clamp(initial, minB, maxB),
		onBitrate:  cfg.RequestBitrate,
		onKeyframe: cfg.RequestKeyframe,
	}
}

// Observe appends one link-quality sample to the rolling window, keeping
// only the most recent windowSize entries.
func (c *Controller) Observe(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.window = append(c.window, s)
	if len(c.window) > windowSize {
		c.window = c.window[len(c.window)-windowSize:]
	}
}

// CurrentBitrate returns the controller's present target.
func (c *Controller) CurrentBitrate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Evaluate runs one decision cycle over the current window (spec's
// 1 Hz default cadence is the caller's responsibility — call this on a
// ticker). It returns the action taken and the resulting target bitrate.
// With an empty window it holds.
func (c *Controller) Evaluate() (Action, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.window) == 0 {
		return ActionHold, c.current
	}

	avgLoss, avgRTT, avgBW := averages(c.window)
	prev := c.current

	action := ActionHold
	next := prev

	switch {
	case avgLoss > lossDegradeThreshold:
		action = ActionDegrade
		next = int(float64(prev) * degradeFactorLoss)
	case avgRTT > rttDegradeThreshold:
		action = ActionDegrade
		next = int(float64(prev) * degradeFactorRTT)
	case avgLoss < lossUpgradeThreshold && avgRTT < rttUpgradeThreshold:
		action = ActionUpgrade
		additive := float64(prev) * upgradeFraction
		bwCap := upgradeBandwidthShare * float64(avgBW)
		step := additive
		if bwCap < step {
			step = bwCap
		}
		next = prev + int(step)
	}

	next = clamp(next, c.minBitrate, c.maxBitrate)

	if next == prev {
		return ActionHold, prev
	}

	c.current = next
	if c.onBitrate != nil {
		c.onBitrate(next)
	}

	if action == ActionDegrade && prev > 0 {
		stepDown := float64(prev-next) / float64(prev)
		if stepDown >= keyframeStepDownThreshold && c.onKeyframe != nil {
			c.onKeyframe()
		}
	}

	return action, next
}

func averages(window []Sample) (loss float64, rtt time.Duration, bandwidth int64) {
	var lossSum float64
	var rttSum time.Duration
	var bwSum int64
	for _, s := range window {
		lossSum += s.Loss
		rttSum += s.RTT
		bwSum += s.Bandwidth
	}
	n := int64(len(window))
	return lossSum / float64(len(window)), rttSum / time.Duration(len(window)), bwSum / n
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
