package control

import "testing"

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	f := Frame{
		Type: FrameTypeMouse,
		Mouse: &MouseEvent{
			Mode:    CoordinateAbsolute,
			X:       1000,
			Y:       2000,
			Buttons: 1,
		},
	}
	buf, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, n, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("expected to consume all %d bytes, consumed %d", len(buf), n)
	}
	if got.Type != FrameTypeMouse || got.Mouse == nil || got.Mouse.X != 1000 || got.Mouse.Y != 2000 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestUnmarshalAllHandlesCoalescedFrames(t *testing.T) {
	a, _ := Marshal(Frame{Type: FrameTypeKeyboard, Keyboard: &KeyboardEvent{KeyCode: 65, Pressed: true}})
	b, _ := Marshal(Frame{Type: FrameTypeKeyboard, Keyboard: &KeyboardEvent{KeyCode: 65, Pressed: false}})
	buf := append(append([]byte{}, a...), b...)

	frames, err := UnmarshalAll(buf)
	if err != nil {
		t.Fatalf("UnmarshalAll: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if !frames[0].Keyboard.Pressed || frames[1].Keyboard.Pressed {
		t.Fatalf("frame order not preserved: %+v", frames)
	}
}

func TestUnmarshalRejectsTruncatedFrame(t *testing.T) {
	buf, _ := Marshal(Frame{Type: FrameTypeMouse, Mouse: &MouseEvent{}})
	_, _, err := Unmarshal(buf[:len(buf)-2])
	if err == nil {
		t.Fatal("expected an error for a truncated frame")
	}
}

func TestMarshalRejectsOversizeFrame(t *testing.T) {
	big := make([]byte, MaxFrameSize+1)
	f := Frame{Type: FrameTypeClipboard, Clipboard: &ClipboardFrame{MIMEType: "text/plain", Data: big}}
	if _, err := Marshal(f); err == nil {
		t.Fatal("expected an error for a frame exceeding MaxFrameSize")
	}
}
