//go:build linux

package inputinject

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/relaydesk/agent/internal/control"
)

// linuxInjector shells out to xdotool, the same tool the desktop session
// handler's input backend uses, extended to cover wheel scroll and raw
// keycode/Unicode injection.
type linuxInjector struct {
	mu          sync.Mutex
	lastButtons uint8

	screenW, screenH int
}

// NewPlatformInjector builds the Linux xdotool-based Injector.
func NewPlatformInjector() (Injector, error) {
	if _, err := exec.LookPath("xdotool"); err != nil {
		return nil, fmt.Errorf("%w: xdotool not found: %v", ErrNotSupported, err)
	}
	w, h := queryDisplayGeometry()
	return &linuxInjector{screenW: w, screenH: h}, nil
}

func queryDisplayGeometry() (int, int) {
	out, err := exec.Command("xdotool", "getdisplaygeometry").Output()
	if err != nil {
		return 1920, 1080
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 2 {
		return 1920, 1080
	}
	w, errW := strconv.Atoi(fields[0])
	h, errH := strconv.Atoi(fields[1])
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 1920, 1080
	}
	return w, h
}

func (l *linuxInjector) InjectMouse(e control.MouseEvent) error {
	if err := l.move(e); err != nil {
		return err
	}
	if err := l.applyButtons(e.Buttons); err != nil {
		return err
	}
	return l.applyWheel(e)
}

func (l *linuxInjector) move(e control.MouseEvent) error {
	if e.Mode == control.CoordinateAbsolute {
		px := normalizeAbsolute(e.X, l.screenW)
		py := normalizeAbsolute(e.Y, l.screenH)
		return exec.Command("xdotool", "mousemove", strconv.Itoa(px), strconv.Itoa(py)).Run()
	}
	return exec.Command("xdotool", "mousemove_relative", "--", strconv.Itoa(int(e.X)), strconv.Itoa(int(e.Y))).Run()
}

func (l *linuxInjector) applyButtons(cur uint8) error {
	l.mu.Lock()
	prev := l.lastButtons
	l.lastButtons = cur
	l.mu.Unlock()

	for button, down := range buttonTransitions(prev, cur) {
		btn := "1"
		switch button {
		case MouseButtonRight:
			btn = "3"
		case MouseButtonMiddle:
			btn = "2"
		}
		verb := "mousedown"
		if !down {
			verb = "mouseup"
		}
		if err := exec.Command("xdotool", verb, btn).Run(); err != nil {
			return err
		}
	}
	return nil
}

func (l *linuxInjector) applyWheel(e control.MouseEvent) error {
	if e.WheelDY != 0 {
		btn := "5" // scroll down
		clicks := int(e.WheelDY)
		if clicks < 0 {
			btn = "4" // scroll up
			clicks = -clicks
		}
		if err := exec.Command("xdotool", "click", "--repeat", strconv.Itoa(clicks), btn).Run(); err != nil {
			return err
		}
	}
	if e.WheelDX != 0 {
		btn := "7"
		clicks := int(e.WheelDX)
		if clicks < 0 {
			btn = "6"
			clicks = -clicks
		}
		return exec.Command("xdotool", "click", "--repeat", strconv.Itoa(clicks), btn).Run()
	}
	return nil
}

func (l *linuxInjector) InjectKeyboard(e control.KeyboardEvent) error {
	if e.Rune != 0 && e.Pressed {
		return exec.Command("xdotool", "type", "--", string(e.Rune)).Run()
	}

	verb := "keydown"
	if !e.Pressed {
		verb = "keyup"
	}
	return exec.Command("xdotool", verb, keysymFor(e)).Run()
}

// InjectSystemAction supports workstation lock via loginctl, the systemd
// session manager's standard lock call; there is no secure-attention-sequence
// equivalent on this platform.
func (l *linuxInjector) InjectSystemAction(action SystemAction) error {
	switch action {
	case SystemActionLockWorkstation:
		return exec.Command("loginctl", "lock-session").Run()
	default:
		return fmt.Errorf("%w: %q on linux", ErrNotSupported, action)
	}
}

// keysymFor renders a raw key code as an X keysym xdotool accepts. Lacking a
// full scan-code-to-keysym table, this passes the numeric code through as a
// hex keysym, which xdotool resolves via XStringToKeysym("0x...").
func keysymFor(e control.KeyboardEvent) string {
	return fmt.Sprintf("0x%x", e.KeyCode)
}
