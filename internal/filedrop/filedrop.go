// Package filedrop implements file transfer over the control channel (C9
// frame types FileOffer/FileConfirm/FileChunk), gated by the permission
// gate (C10) like input injection and clipboard sync.
package filedrop

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/relaydesk/agent/internal/control"
	"github.com/relaydesk/agent/internal/logging"
)

var log = logging.L("filedrop")

const (
	defaultChunkSize = 64 * 1024
	maxTransferSize  = 500 * 1024 * 1024
)

var (
	ErrNoSink           = errors.New("filedrop: no frame sink configured")
	ErrTransferTooLarge = errors.New("filedrop: file exceeds maximum transfer size")
	ErrUnknownTransfer  = errors.New("filedrop: unknown transfer id")
	ErrInvalidFileName  = errors.New("filedrop: invalid file name")
	ErrInvalidOffset    = errors.New("filedrop: invalid chunk offset")
	ErrOversizedChunk   = errors.New("filedrop: chunk would exceed declared file size")
)

// Received is one fully-written incoming file, handed to the caller over
// the Completed() channel.
type Received struct {
	TransferID string
	Name       string
	Path       string
	Size       int64
}

type incomingTransfer struct {
	name     string
	size     int64
	received int64
	file     *os.File
}

// Handler drives both directions of file transfer: offering and chunking
// local files out over a control.Frame sink, and reassembling inbound
// offers/chunks into files under receiveDir. It does not itself decide
// whether a transfer is allowed -- callers run inbound frames through
// permission.Gate.Evaluate before calling HandleFrame.
type Handler struct {
	send       func(control.Frame) error
	chunkSize  int
	receiveDir string

	mu        sync.Mutex
	transfers map[string]*incomingTransfer
	completed chan Received
	closed    bool
}

// New builds a Handler. send is called to emit outbound control frames
// (FileOffer/FileChunk); it is typically the session's control-channel
// writer. receiveDir defaults to os.TempDir() when empty.
func New(send func(control.Frame) error, receiveDir string) *Handler {
	return &Handler{
		send:       send,
		chunkSize:  defaultChunkSize,
		receiveDir: receiveDir,
		transfers:  make(map[string]*incomingTransfer),
		completed:  make(chan Received, 8),
	}
}

// HandleFrame processes one inbound control frame related to file
// transfer. Callers should only invoke this after the frame has cleared
// the permission gate.
func (h *Handler) HandleFrame(frame control.Frame) error {
	switch frame.Type {
	case control.FrameTypeFileOffer:
		return h.handleOffer(frame.FileOffer)
	case control.FrameTypeFileChunk:
		return h.handleChunk(frame.FileChunk)
	case control.FrameTypeFileConfirm:
		// Confirmation bookkeeping belongs to permission.Gate
		// (RecordConfirmation); nothing left for the handler to do once
		// the gate has accepted the confirm.
		return nil
	default:
		return fmt.Errorf("filedrop: unexpected frame type %q", frame.Type)
	}
}

// SendFile reads path and streams it out as a FileOffer followed by
// FileChunk frames, returning the transfer ID used.
func (h *Handler) SendFile(path string) (string, error) {
	if h.send == nil {
		return "", ErrNoSink
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.New("filedrop: directories not supported")
	}
	if info.Size() > maxTransferSize {
		return "", ErrTransferTooLarge
	}

	transferID, err := randomID()
	if err != nil {
		return "", err
	}

	offer := control.Frame{
		Type: control.FrameTypeFileOffer,
		FileOffer: &control.FileOffer{
			TransferID: transferID,
			Name:       filepath.Base(path),
			SizeBytes:  info.Size(),
		},
	}
	if err := h.send(offer); err != nil {
		return "", err
	}

	chunkSize := h.chunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	buf := make([]byte, chunkSize)
	var offset int64
	for {
		n, err := file.Read(buf)
		if err != nil && err != io.EOF {
			return "", err
		}
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			final := false
			if offset+int64(n) >= info.Size() {
				final = true
			}
			chunk := control.Frame{
				Type: control.FrameTypeFileChunk,
				FileChunk: &control.FileChunk{
					TransferID: transferID,
					Offset:     offset,
					Data:       payload,
					Final:      final,
				},
			}
			if err := h.send(chunk); err != nil {
				return "", err
			}
			offset += int64(n)
		}
		if n == 0 {
			break
		}
	}

	return transferID, nil
}

// Completed delivers fully-reassembled incoming files.
func (h *Handler) Completed() <-chan Received {
	return h.completed
}

func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, t := range h.transfers {
		_ = t.file.Close()
	}
	h.transfers = make(map[string]*incomingTransfer)
	close(h.completed)
}

func (h *Handler) handleOffer(offer *control.FileOffer) error {
	if offer == nil || offer.TransferID == "" {
		return errors.New("filedrop: missing transfer id")
	}
	if offer.Name == "" {
		return ErrInvalidFileName
	}

	safeName := filepath.Base(offer.Name)
	if safeName == "." || safeName == ".." || strings.ContainsAny(offer.Name, `/\`) || strings.HasPrefix(safeName, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidFileName, offer.Name)
	}
	if offer.SizeBytes > maxTransferSize {
		return ErrTransferTooLarge
	}

	receiveDir := h.receiveDir
	if receiveDir == "" {
		receiveDir = os.TempDir()
	}
	if err := os.MkdirAll(receiveDir, 0o755); err != nil {
		return err
	}

	filePath := filepath.Join(receiveDir, safeName)
	absReceiveDir, err := filepath.Abs(receiveDir)
	if err != nil {
		return err
	}
	absFilePath, err := filepath.Abs(filePath)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(absFilePath, absReceiveDir+string(filepath.Separator)) {
		return fmt.Errorf("filedrop: path traversal detected for %q", offer.Name)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.transfers[offer.TransferID] = &incomingTransfer{
		name: safeName,
		size: offer.SizeBytes,
		file: file,
	}
	h.mu.Unlock()
	return nil
}

func (h *Handler) handleChunk(chunk *control.FileChunk) error {
	if chunk == nil || chunk.TransferID == "" {
		return errors.New("filedrop: missing transfer id")
	}

	h.mu.Lock()
	transfer, ok := h.transfers[chunk.TransferID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownTransfer
	}
	if chunk.Offset < 0 || chunk.Offset > transfer.size {
		h.mu.Unlock()
		return ErrInvalidOffset
	}
	if transfer.received+int64(len(chunk.Data)) > transfer.size {
		h.mu.Unlock()
		return ErrOversizedChunk
	}
	if _, err := transfer.file.WriteAt(chunk.Data, chunk.Offset); err != nil {
		h.mu.Unlock()
		return err
	}
	transfer.received += int64(len(chunk.Data))
	final := chunk.Final
	h.mu.Unlock()

	if final {
		return h.finish(chunk.TransferID)
	}
	return nil
}

func (h *Handler) finish(transferID string) error {
	h.mu.Lock()
	transfer, ok := h.transfers[transferID]
	if ok {
		delete(h.transfers, transferID)
	}
	h.mu.Unlock()
	if !ok {
		return ErrUnknownTransfer
	}

	if err := transfer.file.Close(); err != nil {
		return err
	}

	receiveDir := h.receiveDir
	if receiveDir == "" {
		receiveDir = os.TempDir()
	}
	result := Received{
		TransferID: transferID,
		Name:       transfer.name,
		Path:       filepath.Join(receiveDir, transfer.name),
		Size:       transfer.size,
	}

	select {
	case h.completed <- result:
	default:
		log.Warn("completed channel full, dropping notification", "name", result.Name)
	}
	return nil
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}
