package clipboard

import (
	"testing"
	"time"

	"github.com/relaydesk/agent/internal/control"
)

type fakeProvider struct {
	content Content
	setErr  error
	sets    []Content
}

func (f *fakeProvider) GetContent() (Content, error) {
	return f.content, nil
}

func (f *fakeProvider) SetContent(c Content) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.sets = append(f.sets, c)
	f.content = c
	return nil
}

func TestPollOnceEmitsChangeWhenContentDiffers(t *testing.T) {
	p := &fakeProvider{content: Content{Type: ContentTypeText, Text: "hello"}}
	s := NewSyncer(p)

	s.pollOnce()

	select {
	case frame := <-s.Changes():
		if string(frame.Data) != "hello" {
			t.Fatalf("expected frame data %q, got %q", "hello", frame.Data)
		}
	default:
		t.Fatal("expected a change to be emitted")
	}
}

func TestPollOnceDoesNotEmitWhenUnchanged(t *testing.T) {
	p := &fakeProvider{content: Content{Type: ContentTypeText, Text: "same"}}
	s := NewSyncer(p)

	s.pollOnce()
	<-s.Changes() // drain the first emission

	s.pollOnce()
	select {
	case <-s.Changes():
		t.Fatal("expected no second change for unchanged content")
	default:
	}
}

func TestMostRecentWinsWhenChannelIsFull(t *testing.T) {
	p := &fakeProvider{content: Content{Type: ContentTypeText, Text: "first"}}
	s := NewSyncer(p)

	s.pollOnce() // fills the 1-buffer channel with "first"

	p.content = Content{Type: ContentTypeText, Text: "second"}
	s.pollOnce() // should drain "first" and replace with "second"

	frame := <-s.Changes()
	if string(frame.Data) != "second" {
		t.Fatalf("expected most recent content %q, got %q", "second", frame.Data)
	}

	select {
	case <-s.Changes():
		t.Fatal("expected exactly one buffered frame")
	default:
	}
}

func TestApplyRemoteWritesAndSuppressesEcho(t *testing.T) {
	p := &fakeProvider{content: Content{Type: ContentTypeText, Text: "local"}}
	s := NewSyncer(p)

	remote := control.ClipboardFrame{MIMEType: "text/plain", Data: []byte("from-peer")}
	if err := s.ApplyRemote(remote); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	if len(p.sets) != 1 || p.sets[0].Text != "from-peer" {
		t.Fatalf("expected provider to receive the remote content, got %+v", p.sets)
	}

	// The provider now reports back the content ApplyRemote just wrote, so
	// the next poll must not treat it as a new local change.
	s.pollOnce()
	select {
	case <-s.Changes():
		t.Fatal("expected no echo of the just-applied remote content")
	default:
	}
}

func TestContentTypeRoundTripsThroughFrame(t *testing.T) {
	rtf := Content{Type: ContentTypeRTF, RTF: []byte(`{\rtf1}`)}
	frame := contentToFrame(rtf)
	if frame.MIMEType != "text/rtf" {
		t.Fatalf("expected text/rtf MIME type, got %q", frame.MIMEType)
	}
	back := frameToContent(frame)
	if back.Type != ContentTypeRTF || string(back.RTF) != string(rtf.RTF) {
		t.Fatalf("round trip mismatch: got %+v", back)
	}

	img := Content{Type: ContentTypeImage, Image: []byte{1, 2, 3}, ImageFormat: "jpeg"}
	frame = contentToFrame(img)
	if frame.MIMEType != "image/jpeg" {
		t.Fatalf("expected image/jpeg MIME type, got %q", frame.MIMEType)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	p := &fakeProvider{content: Content{Type: ContentTypeText, Text: "x"}}
	s := NewSyncer(p)
	s.Start()
	s.Stop()
	s.Stop() // must not panic on double-close

	// give the loop goroutine a moment to observe done and exit
	time.Sleep(10 * time.Millisecond)
}
