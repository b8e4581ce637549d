// Package capture implements the frame source (C1): a lazy, finite sequence
// of RawFrame backed by a platform screen capturer, feeding C2 through a
// single-slot most-recent-wins backpressure cell.
package capture

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydesk/agent/internal/logging"
)

var log = logging.L("capture")

// RawFrame is one captured screen image, timestamped from a steady clock.
type RawFrame struct {
	Image       *image.RGBA
	CapturedAt  time.Time
	MonitorW    int
	MonitorH    int
	CursorX     int32
	CursorY     int32
	CursorShown bool
}

// ScreenCapturer is a platform screen capture backend. Implementations live
// in the _windows/_darwin/_linux build-tagged files; NewCapturer selects one
// for the running GOOS.
type ScreenCapturer interface {
	Capture() (*image.RGBA, error)
	CaptureRegion(x, y, width, height int) (*image.RGBA, error)
	Bounds() (width, height int, err error)
	Close() error
}

// Config parameterizes a capture Source.
type Config struct {
	DisplayIndex  int
	TargetFPS     int
	IncludeCursor bool
}

// Source is the C1 frame source: start(region, target_fps, include_cursor)
// returning a sequence of RawFrame, terminated by Stop. A single-slot
// most-recent-wins cell sits between the capture loop and Next: if the
// consumer (C2) is still processing the previous frame, a fresh capture
// replaces whatever was pending rather than queuing unboundedly.
type Source struct {
	cfg      Config
	capturer ScreenCapturer

	mu      sync.Mutex
	pending *RawFrame

	ready chan struct{}

	dropped atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource creates a Source over the given capturer. The capturer is owned
// by the Source and closed when Stop is called.
func NewSource(capturer ScreenCapturer, cfg Config) *Source {
	if cfg.TargetFPS <= 0 {
		cfg.TargetFPS = 30
	}
	return &Source{
		cfg:      cfg,
		capturer: capturer,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Start begins the capture loop in its own goroutine.
func (s *Source) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
}

// Stop terminates the capture loop and releases the underlying capturer.
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	if err := s.capturer.Close(); err != nil {
		log.Warn("capturer close failed", "error", err)
	}
}

// FrameReady returns a channel that is signaled (non-blocking, coalesced)
// whenever a new frame is available, so callers never spin. Matches spec
// §4.4's `frame_ready` notification requirement.
func (s *Source) FrameReady() <-chan struct{} {
	return s.ready
}

// Next returns the most recently captured frame, or false if none is
// pending (the caller already drained it).
func (s *Source) Next() (RawFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return RawFrame{}, false
	}
	frame := *s.pending
	s.pending = nil
	return frame, true
}

// DroppedFrames returns the count of captured frames discarded because the
// consumer had not yet drained the previous one.
func (s *Source) DroppedFrames() uint64 {
	return s.dropped.Load()
}

func (s *Source) loop(ctx context.Context) {
	defer close(s.done)

	period := time.Second / time.Duration(s.cfg.TargetFPS)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.captureOnce()
		}
	}
}

func (s *Source) captureOnce() {
	img, err := s.capturer.Capture()
	if err != nil {
		log.Warn("capture failed", "error", err)
		return
	}
	if img == nil {
		return // capturer reports no new frame (e.g. unchanged screen)
	}

	w, h, _ := s.capturer.Bounds()
	frame := RawFrame{
		Image:      img,
		CapturedAt: time.Now(),
		MonitorW:   w,
		MonitorH:   h,
	}

	s.mu.Lock()
	replaced := s.pending != nil
	s.pending = &frame
	s.mu.Unlock()

	if replaced {
		s.dropped.Add(1)
	}

	select {
	case s.ready <- struct{}{}:
	default:
	}
}
