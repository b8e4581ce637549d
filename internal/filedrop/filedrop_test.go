package filedrop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relaydesk/agent/internal/control"
)

func TestSendFileEmitsOfferThenChunksThenFinalFlag(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "report.txt")
	content := []byte("line one\nline two\n")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("failed to write source file: %v", err)
	}

	var frames []control.Frame
	h := New(func(f control.Frame) error {
		frames = append(frames, f)
		return nil
	}, "")
	h.chunkSize = 4 // force multiple chunks for a short file

	transferID, err := h.SendFile(srcPath)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}

	if len(frames) < 2 {
		t.Fatalf("expected at least an offer and one chunk, got %d frames", len(frames))
	}
	if frames[0].Type != control.FrameTypeFileOffer {
		t.Fatalf("expected first frame to be FileOffer, got %v", frames[0].Type)
	}
	if frames[0].FileOffer.TransferID != transferID {
		t.Fatalf("offer transfer id mismatch")
	}
	if frames[0].FileOffer.SizeBytes != int64(len(content)) {
		t.Fatalf("expected offer size %d, got %d", len(content), frames[0].FileOffer.SizeBytes)
	}

	last := frames[len(frames)-1]
	if last.Type != control.FrameTypeFileChunk || !last.FileChunk.Final {
		t.Fatalf("expected last frame to be a final FileChunk")
	}

	var reassembled []byte
	for _, f := range frames[1:] {
		reassembled = append(reassembled, f.FileChunk.Data...)
	}
	if string(reassembled) != string(content) {
		t.Fatalf("reassembled data mismatch: got %q want %q", reassembled, content)
	}
}

func TestHandleFrameReassemblesIncomingFile(t *testing.T) {
	recvDir := t.TempDir()
	h := New(nil, recvDir)

	offer := control.Frame{
		Type: control.FrameTypeFileOffer,
		FileOffer: &control.FileOffer{
			TransferID: "t1",
			Name:       "photo.png",
			SizeBytes:  6,
		},
	}
	if err := h.HandleFrame(offer); err != nil {
		t.Fatalf("offer handling failed: %v", err)
	}

	chunk1 := control.Frame{
		Type:      control.FrameTypeFileChunk,
		FileChunk: &control.FileChunk{TransferID: "t1", Offset: 0, Data: []byte("abc")},
	}
	if err := h.HandleFrame(chunk1); err != nil {
		t.Fatalf("chunk1 handling failed: %v", err)
	}

	chunk2 := control.Frame{
		Type:      control.FrameTypeFileChunk,
		FileChunk: &control.FileChunk{TransferID: "t1", Offset: 3, Data: []byte("def"), Final: true},
	}
	if err := h.HandleFrame(chunk2); err != nil {
		t.Fatalf("chunk2 handling failed: %v", err)
	}

	received := <-h.Completed()
	if received.Name != "photo.png" || received.Size != 6 {
		t.Fatalf("unexpected completed result: %+v", received)
	}
	data, err := os.ReadFile(received.Path)
	if err != nil {
		t.Fatalf("failed to read reassembled file: %v", err)
	}
	if string(data) != "abcdef" {
		t.Fatalf("expected reassembled content %q, got %q", "abcdef", data)
	}
}

func TestHandleOfferRejectsPathTraversal(t *testing.T) {
	h := New(nil, t.TempDir())
	offer := control.Frame{
		Type: control.FrameTypeFileOffer,
		FileOffer: &control.FileOffer{
			TransferID: "t2",
			Name:       "../../etc/passwd",
			SizeBytes:  10,
		},
	}
	if err := h.HandleFrame(offer); err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestHandleChunkRejectsUnknownTransfer(t *testing.T) {
	h := New(nil, t.TempDir())
	chunk := control.Frame{
		Type:      control.FrameTypeFileChunk,
		FileChunk: &control.FileChunk{TransferID: "ghost", Offset: 0, Data: []byte("x")},
	}
	if err := h.HandleFrame(chunk); err != ErrUnknownTransfer {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestHandleChunkRejectsOversizedData(t *testing.T) {
	h := New(nil, t.TempDir())
	offer := control.Frame{
		Type:      control.FrameTypeFileOffer,
		FileOffer: &control.FileOffer{TransferID: "t3", Name: "small.bin", SizeBytes: 2},
	}
	if err := h.HandleFrame(offer); err != nil {
		t.Fatalf("offer handling failed: %v", err)
	}
	chunk := control.Frame{
		Type:      control.FrameTypeFileChunk,
		FileChunk: &control.FileChunk{TransferID: "t3", Offset: 0, Data: []byte("abc")},
	}
	if err := h.HandleFrame(chunk); err != ErrOversizedChunk {
		t.Fatalf("expected ErrOversizedChunk, got %v", err)
	}
}

func TestSendFileWithoutSinkFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	h := New(nil, "")
	if _, err := h.SendFile(path); err != ErrNoSink {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}
