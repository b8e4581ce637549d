//go:build windows

package inputinject

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/relaydesk/agent/internal/control"
)

var (
	user32               = windows.NewLazySystemDLL("user32.dll")
	procSendInput        = user32.NewProc("SendInput")
	procGetSystemMetrics = user32.NewProc("GetSystemMetrics")
	procMapVirtualKeyW   = user32.NewProc("MapVirtualKeyW")
	procLockWorkStation  = user32.NewProc("LockWorkStation")

	sasDLL      = windows.NewLazySystemDLL("sas.dll")
	procSendSAS = sasDLL.NewProc("SendSAS")

	advapi32                  = windows.NewLazySystemDLL("advapi32.dll")
	procAdjustTokenPrivileges = advapi32.NewProc("AdjustTokenPrivileges")
	procLookupPrivilegeValueW = advapi32.NewProc("LookupPrivilegeValueW")
)

const seTcbPrivilege = "SeTcbPrivilege"

const (
	tokenAdjustPrivileges = 0x0020
	tokenQuery            = 0x0008
	sePrivilegeEnabled    = 0x00000002
)

// luidAndAttributes and tokenPrivileges mirror the Win32 LUID_AND_ATTRIBUTES
// and TOKEN_PRIVILEGES(1) structures used by AdjustTokenPrivileges.
type luidAndAttributes struct {
	luid       windows.LUID
	attributes uint32
}

type tokenPrivileges struct {
	privilegeCount uint32
	privileges     [1]luidAndAttributes
}

// enableSeTcbPrivilege grants the calling process SeTcbPrivilege, required
// for SendSAS to succeed when called from a service rather than winlogon
// itself.
func enableSeTcbPrivilege() error {
	var token windows.Token
	proc, err := windows.GetCurrentProcess()
	if err != nil {
		return err
	}
	if err := windows.OpenProcessToken(proc, tokenAdjustPrivileges|tokenQuery, &token); err != nil {
		return fmt.Errorf("open process token: %w", err)
	}
	defer token.Close()

	var luid windows.LUID
	namePtr, err := windows.UTF16PtrFromString(seTcbPrivilege)
	if err != nil {
		return err
	}
	ret, _, callErr := procLookupPrivilegeValueW.Call(0, uintptr(unsafe.Pointer(namePtr)), uintptr(unsafe.Pointer(&luid)))
	if ret == 0 {
		return fmt.Errorf("LookupPrivilegeValue(%s): %w", seTcbPrivilege, callErr)
	}

	priv := tokenPrivileges{
		privilegeCount: 1,
		privileges:     [1]luidAndAttributes{{luid: luid, attributes: sePrivilegeEnabled}},
	}
	ret, _, callErr = procAdjustTokenPrivileges.Call(
		uintptr(token), 0, uintptr(unsafe.Pointer(&priv)), 0, 0, 0,
	)
	if ret == 0 {
		return fmt.Errorf("AdjustTokenPrivileges(%s): %w", seTcbPrivilege, callErr)
	}
	return nil
}

const (
	smXVirtualScreen = 76
	smYVirtualScreen = 77
	smCXVirtualScreen = 78
	smCYVirtualScreen = 79

	inputMouse    = 0
	inputKeyboard = 1

	mouseEventFMove      = 0x0001
	mouseEventFAbsolute  = 0x8000
	mouseEventFVirtualDesk = 0x4000
	mouseEventFLeftDown  = 0x0002
	mouseEventFLeftUp    = 0x0004
	mouseEventFRightDown = 0x0008
	mouseEventFRightUp   = 0x0010
	mouseEventFMiddleDown = 0x0020
	mouseEventFMiddleUp  = 0x0040
	mouseEventFWheel     = 0x0800
	mouseEventFHWheel    = 0x1000

	keyEventFExtendedKey = 0x0001
	keyEventFKeyUp       = 0x0002
	keyEventFScanCode    = 0x0008
	keyEventFUnicode     = 0x0004

	wheelDelta = 120

	mapvkVKToVSC = 0
)

// mouseInput and keybdInput mirror the MOUSEINPUT/KEYBDINPUT members of the
// Win32 INPUT union. INPUT is modeled as a fixed-size byte array sized to
// the larger of the two, matching how cgo-free Win32 input code typically
// avoids depending on the real union layout.
type mouseInput struct {
	dx, dy          int32
	mouseData       uint32
	dwFlags         uint32
	time            uint32
	dwExtraInfo     uintptr
}

type keybdInput struct {
	wVk         uint16
	wScan       uint16
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

type input struct {
	typ uint32
	// padded union: large enough for mouseInput or keybdInput on amd64
	mi mouseInput
	_  [8]byte
}

func sendInputMouse(mi mouseInput) error {
	in := input{typ: inputMouse, mi: mi}
	return callSendInput(unsafe.Pointer(&in))
}

func sendInputKeyboard(ki keybdInput) error {
	// keybdInput is smaller than mouseInput; reinterpret the same slot.
	var in input
	in.typ = inputKeyboard
	*(*keybdInput)(unsafe.Pointer(&in.mi)) = ki
	return callSendInput(unsafe.Pointer(&in))
}

func callSendInput(in unsafe.Pointer) error {
	ret, _, err := procSendInput.Call(1, uintptr(in), unsafe.Sizeof(input{}))
	if ret == 0 {
		return fmt.Errorf("SendInput failed: %w", err)
	}
	return nil
}

func getSystemMetrics(index int) int {
	ret, _, _ := procGetSystemMetrics.Call(uintptr(index))
	return int(int32(ret))
}

func mapVirtualKeyToScanCode(vk uint32) uint16 {
	ret, _, _ := procMapVirtualKeyW.Call(uintptr(vk), mapvkVKToVSC)
	return uint16(ret)
}

type windowsInjector struct {
	mu          sync.Mutex
	lastButtons uint8
}

// NewPlatformInjector builds the Windows SendInput-based Injector.
func NewPlatformInjector() (Injector, error) {
	return &windowsInjector{}, nil
}

func (w *windowsInjector) InjectMouse(e control.MouseEvent) error {
	if err := w.move(e); err != nil {
		return err
	}
	if err := w.applyButtons(e.Buttons); err != nil {
		return err
	}
	return w.applyWheel(e)
}

func (w *windowsInjector) move(e control.MouseEvent) error {
	if e.Mode == control.CoordinateAbsolute {
		vx := getSystemMetrics(smXVirtualScreen)
		vy := getSystemMetrics(smYVirtualScreen)
		vw := getSystemMetrics(smCXVirtualScreen)
		vh := getSystemMetrics(smCYVirtualScreen)
		if vw <= 0 || vh <= 0 {
			return fmt.Errorf("invalid virtual screen metrics: %dx%d", vw, vh)
		}
		// Win32 absolute mouse coordinates are themselves normalized to
		// [0, 65535] across the virtual screen, so a wire-format coordinate
		// already in that space only needs an offset correction when vx/vy
		// are non-zero (multi-monitor layouts with a monitor to the left of
		// or above the primary).
		absX := int32(int64(e.X)*65535/65535) + normalizeOffset(vx, vw)
		absY := int32(int64(e.Y)*65535/65535) + normalizeOffset(vy, vh)
		return sendInputMouse(mouseInput{
			dx:      absX,
			dy:      absY,
			dwFlags: mouseEventFMove | mouseEventFAbsolute | mouseEventFVirtualDesk,
		})
	}
	return sendInputMouse(mouseInput{
		dx:      e.X,
		dy:      e.Y,
		dwFlags: mouseEventFMove,
	})
}

// normalizeOffset expresses a virtual-screen origin offset (in pixels) as a
// fraction of the 65535 absolute-coordinate space covered by extent pixels.
func normalizeOffset(originPixels, extentPixels int) int32 {
	if extentPixels <= 0 {
		return 0
	}
	return int32(int64(originPixels) * 65535 / int64(extentPixels))
}

func (w *windowsInjector) applyButtons(cur uint8) error {
	w.mu.Lock()
	prev := w.lastButtons
	w.lastButtons = cur
	w.mu.Unlock()

	for button, down := range buttonTransitions(prev, cur) {
		var flag uint32
		switch button {
		case MouseButtonLeft:
			flag = mapBool(down, mouseEventFLeftDown, mouseEventFLeftUp)
		case MouseButtonRight:
			flag = mapBool(down, mouseEventFRightDown, mouseEventFRightUp)
		case MouseButtonMiddle:
			flag = mapBool(down, mouseEventFMiddleDown, mouseEventFMiddleUp)
		}
		if err := sendInputMouse(mouseInput{dwFlags: flag}); err != nil {
			return err
		}
	}
	return nil
}

func mapBool(b bool, ifTrue, ifFalse uint32) uint32 {
	if b {
		return ifTrue
	}
	return ifFalse
}

func (w *windowsInjector) applyWheel(e control.MouseEvent) error {
	if e.WheelDY != 0 {
		if err := sendInputMouse(mouseInput{
			mouseData: uint32(int32(e.WheelDY) * wheelDelta),
			dwFlags:   mouseEventFWheel,
		}); err != nil {
			return err
		}
	}
	if e.WheelDX != 0 {
		if err := sendInputMouse(mouseInput{
			mouseData: uint32(int32(e.WheelDX) * wheelDelta),
			dwFlags:   mouseEventFHWheel,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (w *windowsInjector) InjectKeyboard(e control.KeyboardEvent) error {
	flags := uint32(0)
	if !e.Pressed {
		flags |= keyEventFKeyUp
	}

	if e.Rune != 0 {
		return sendInputKeyboard(keybdInput{
			wScan:   uint16(e.Rune),
			dwFlags: flags | keyEventFUnicode,
		})
	}

	scan := uint16(e.ScanCode)
	if scan == 0 {
		scan = mapVirtualKeyToScanCode(e.KeyCode)
	}
	return sendInputKeyboard(keybdInput{
		wVk:     uint16(e.KeyCode),
		wScan:   scan,
		dwFlags: flags | keyEventFScanCode,
	})
}

func (w *windowsInjector) InjectSystemAction(action SystemAction) error {
	switch action {
	case SystemActionSAS:
		return sendSAS()
	case SystemActionLockWorkstation:
		ret, _, err := procLockWorkStation.Call()
		if ret == 0 {
			return fmt.Errorf("LockWorkStation failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown system action %q", ErrNotSupported, action)
	}
}

// sendSAS invokes sas.dll!SendSAS, the documented way a non-winlogon process
// triggers Ctrl+Alt+Del. SendSAS is a VOID API: a call never reports success
// or failure, only whether it was issued. It tries the service path
// (asUser=FALSE) first, the path a process registered with the SCM normally
// uses, then falls back to the application path (asUser=TRUE), which needs
// SeTcbPrivilege enabled on the calling token first.
func sendSAS() error {
	if err := procSendSAS.Find(); err != nil {
		return fmt.Errorf("%w: sas.dll!SendSAS not found: %v", ErrNotSupported, err)
	}

	procSendSAS.Call(0)
	log.Info("SendSAS called", "asUser", false)

	if err := enableSeTcbPrivilege(); err != nil {
		log.Warn("SeTcbPrivilege unavailable, service-path SendSAS already attempted", "error", err)
		return nil
	}
	procSendSAS.Call(1)
	log.Info("SendSAS called", "asUser", true)
	return nil
}
