//go:build darwin

package inputinject

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/relaydesk/agent/internal/control"
)

// darwinInjector drives input through cliclick. When cliclick is not
// installed, absolute moves and text keystrokes fall back to AppleScript
// ("System Events"); relative moves, buttons, scroll and raw virtual key
// codes return an error instead. Both are external processes, so this
// backend needs no cgo for CGEvent injection.
type darwinInjector struct {
	mu          sync.Mutex
	lastButtons uint8
	haveClick   bool

	screenW, screenH int
}

// NewPlatformInjector builds the macOS Injector.
func NewPlatformInjector() (Injector, error) {
	_, err := exec.LookPath("cliclick")
	w, h := queryScreenSize()
	return &darwinInjector{haveClick: err == nil, screenW: w, screenH: h}, nil
}

func queryScreenSize() (int, int) {
	out, err := exec.Command("osascript", "-e", `tell application "Finder" to get bounds of window of desktop`).Output()
	if err != nil {
		return 1920, 1080
	}
	parts := strings.Split(strings.TrimSpace(string(out)), ",")
	if len(parts) != 4 {
		return 1920, 1080
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[2]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[3]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return 1920, 1080
	}
	return w, h
}

func (d *darwinInjector) InjectMouse(e control.MouseEvent) error {
	if err := d.move(e); err != nil {
		return err
	}
	if err := d.applyButtons(e.Buttons); err != nil {
		return err
	}
	return d.applyWheel(e)
}

func (d *darwinInjector) move(e control.MouseEvent) error {
	if e.Mode == control.CoordinateAbsolute {
		px := normalizeAbsolute(e.X, d.screenW)
		py := normalizeAbsolute(e.Y, d.screenH)
		if d.haveClick {
			return exec.Command("cliclick", fmt.Sprintf("m:%d,%d", px, py)).Run()
		}
		script := fmt.Sprintf(`tell application "System Events" to set mouseLocation to {%d, %d}`, px, py)
		return exec.Command("osascript", "-e", script).Run()
	}
	if d.haveClick {
		return exec.Command("cliclick", fmt.Sprintf("m:+%d,+%d", e.X, e.Y)).Run()
	}
	return fmt.Errorf("relative mouse move unsupported without cliclick")
}

func (d *darwinInjector) applyButtons(cur uint8) error {
	d.mu.Lock()
	prev := d.lastButtons
	d.lastButtons = cur
	d.mu.Unlock()

	for button, down := range buttonTransitions(prev, cur) {
		if !d.haveClick {
			return fmt.Errorf("mouse button injection requires cliclick")
		}
		verb := buttonVerb(button, down)
		if err := exec.Command("cliclick", verb+":.").Run(); err != nil {
			return err
		}
	}
	return nil
}

// buttonVerb maps a button and its new pressed state to the cliclick verb
// that presses or releases it at the cursor's current position.
func buttonVerb(button MouseButton, down bool) string {
	switch button {
	case MouseButtonRight:
		if down {
			return "drd" // down: right
		}
		return "dru" // up: right
	case MouseButtonMiddle:
		if down {
			return "dmd"
		}
		return "dmu"
	default:
		if down {
			return "dd"
		}
		return "du"
	}
}

func (d *darwinInjector) applyWheel(e control.MouseEvent) error {
	if e.WheelDY == 0 && e.WheelDX == 0 {
		return nil
	}
	if !d.haveClick {
		return fmt.Errorf("scroll injection requires cliclick")
	}
	return exec.Command("cliclick", fmt.Sprintf("s:%d,%d", e.WheelDX, e.WheelDY)).Run()
}

func (d *darwinInjector) InjectKeyboard(e control.KeyboardEvent) error {
	if e.Rune != 0 && e.Pressed {
		if d.haveClick {
			return exec.Command("cliclick", fmt.Sprintf("t:%c", e.Rune)).Run()
		}
		script := fmt.Sprintf(`tell application "System Events" to keystroke "%c"`, e.Rune)
		return exec.Command("osascript", "-e", script).Run()
	}

	action := "kp"
	if !e.Pressed {
		action = "ku"
	}
	if d.haveClick {
		return exec.Command("cliclick", fmt.Sprintf("%s:0x%02x", action, e.KeyCode)).Run()
	}
	return fmt.Errorf("raw key code injection requires cliclick")
}

// InjectSystemAction supports workstation lock (the login window) via
// pmset, which macOS always ships; there is no secure-attention-sequence
// equivalent on this platform.
func (d *darwinInjector) InjectSystemAction(action SystemAction) error {
	switch action {
	case SystemActionLockWorkstation:
		return exec.Command("pmset", "displaysleepnow").Run()
	default:
		return fmt.Errorf("%w: %q on darwin", ErrNotSupported, action)
	}
}
