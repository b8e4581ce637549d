// Package clipboard bridges the host's system clipboard to the control
// channel's ClipboardFrame, sitting behind the permission gate (C10) like
// input injection and file transfer do.
package clipboard

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/relaydesk/agent/internal/control"
	"github.com/relaydesk/agent/internal/logging"
)

var log = logging.L("clipboard")

// errUnsupportedContent is returned by platform providers asked to set a
// content type their backend has no native representation for.
var errUnsupportedContent = errors.New("clipboard: unsupported content type for this backend")

// ErrNotSupported is returned by unsupportedProvider on platforms without a
// clipboard backend.
var ErrNotSupported = errors.New("clipboard: not supported on this platform")

// unsupportedProvider is the fallback used when no platform backend (or no
// external clipboard tool, on Linux) is available.
type unsupportedProvider struct{}

func (unsupportedProvider) GetContent() (Content, error) { return Content{}, ErrNotSupported }
func (unsupportedProvider) SetContent(Content) error     { return ErrNotSupported }

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeRTF   ContentType = "rtf"
	ContentTypeImage ContentType = "image"
)

// Content is a decoded clipboard payload, independent of the host OS's
// native clipboard format representation.
type Content struct {
	Type        ContentType
	Text        string
	RTF         []byte
	Image       []byte
	ImageFormat string // "png" or "jpeg", set when Type == ContentTypeImage
}

// Provider is the host-OS clipboard backend.
type Provider interface {
	GetContent() (Content, error)
	SetContent(content Content) error
}

func contentToFrame(c Content) control.ClipboardFrame {
	switch c.Type {
	case ContentTypeImage:
		mime := "image/png"
		if c.ImageFormat == "jpeg" {
			mime = "image/jpeg"
		}
		return control.ClipboardFrame{MIMEType: mime, Data: c.Image}
	case ContentTypeRTF:
		return control.ClipboardFrame{MIMEType: "text/rtf", Data: c.RTF}
	default:
		return control.ClipboardFrame{MIMEType: "text/plain", Data: []byte(c.Text)}
	}
}

func contentEqual(a, b Content) bool {
	return a.Type == b.Type && a.Text == b.Text && a.ImageFormat == b.ImageFormat &&
		bytes.Equal(a.RTF, b.RTF) && bytes.Equal(a.Image, b.Image)
}

func frameToContent(f control.ClipboardFrame) Content {
	switch f.MIMEType {
	case "image/png":
		return Content{Type: ContentTypeImage, Image: f.Data, ImageFormat: "png"}
	case "image/jpeg":
		return Content{Type: ContentTypeImage, Image: f.Data, ImageFormat: "jpeg"}
	case "text/rtf":
		return Content{Type: ContentTypeRTF, RTF: f.Data}
	default:
		return Content{Type: ContentTypeText, Text: string(f.Data)}
	}
}

// pollInterval is how often the Syncer checks for local clipboard changes.
// There is no cross-platform clipboard-change notification API, so this
// mirrors every clipboard-sync tool in the pack's lineage in polling.
const pollInterval = 500 * time.Millisecond

// Syncer watches the local clipboard for changes and applies remote
// updates, without itself deciding whether sync is permitted — callers
// gate outbound Changes() sends and inbound ApplyRemote() calls through
// permission.Gate.
type Syncer struct {
	provider Provider

	mu       sync.Mutex
	lastSent Content

	changes chan control.ClipboardFrame
	done    chan struct{}
	once    sync.Once
}

func NewSyncer(provider Provider) *Syncer {
	return &Syncer{
		provider: provider,
		changes:  make(chan control.ClipboardFrame, 1),
		done:     make(chan struct{}),
	}
}

// Start begins polling the local clipboard for changes in a background
// goroutine. Call Stop to end it.
func (s *Syncer) Start() {
	go s.loop()
}

func (s *Syncer) Stop() {
	s.once.Do(func() { close(s.done) })
}

// Changes delivers locally-originated clipboard updates to send to the
// remote peer. Only the most recent unconsumed change is kept.
func (s *Syncer) Changes() <-chan control.ClipboardFrame {
	return s.changes
}

// ApplyRemote writes a remote clipboard update to the local system
// clipboard and records it so the next poll doesn't loop it back out as a
// local change.
func (s *Syncer) ApplyRemote(f control.ClipboardFrame) error {
	content := frameToContent(f)
	if err := s.provider.SetContent(content); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastSent = content
	s.mu.Unlock()
	return nil
}

func (s *Syncer) loop() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Syncer) pollOnce() {
	current, err := s.provider.GetContent()
	if err != nil {
		return
	}

	s.mu.Lock()
	unchanged := contentEqual(current, s.lastSent)
	if !unchanged {
		s.lastSent = current
	}
	s.mu.Unlock()

	if unchanged {
		return
	}

	frame := contentToFrame(current)
	select {
	case s.changes <- frame:
	default:
		// Most-recent-wins: drop the stale pending change and replace it.
		select {
		case <-s.changes:
		default:
		}
		select {
		case s.changes <- frame:
		default:
			log.Warn("dropped clipboard change, channel still full after drain")
		}
	}
}
