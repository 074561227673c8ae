// Package tray provides a system tray menu for the platewatch camera system.
package tray

import (
	"fmt"
	"sync"

	"github.com/getlantern/systray"
)

// Tray represents the system tray application.
type Tray struct {
	onToggle func(enabled bool)
	onOpen   func()
	onQuit   func()
	enabled  bool
	lastText string
	cameras  int
	mu       sync.RWMutex

	// Menu items stored for later updates
	menuToggle    *systray.MenuItem
	menuLastPlate *systray.MenuItem
	menuCameras   *systray.MenuItem
}

// New creates a new Tray instance with recognition enabled.
func New() *Tray {
	return &Tray{
		enabled:  true,
		lastText: lastPlateLabel(0, ""),
	}
}

// OnToggle sets the callback called when recognition is paused or resumed
// from the menu.
func (t *Tray) OnToggle(fn func(enabled bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onToggle = fn
}

// OnOpen sets the callback called when the dashboard menu item is clicked.
func (t *Tray) OnOpen(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onOpen = fn
}

// OnQuit sets the callback called when the quit menu item is clicked.
func (t *Tray) OnQuit(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onQuit = fn
}

// Run starts the system tray application.
// This function blocks until Quit is called.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

// Quit closes the tray.
func (t *Tray) Quit() {
	systray.Quit()
}

// onReady is called when the system tray is ready.
// It sets up the menu structure.
func (t *Tray) onReady() {
	systray.SetTitle("Platewatch")
	systray.SetTooltip("Platewatch plate recognition")

	t.mu.Lock()
	t.menuToggle = systray.AddMenuItem(toggleLabel(t.enabled), "Pause or resume plate recognition")
	systray.AddSeparator()

	t.menuLastPlate = systray.AddMenuItem(t.lastText, "Last recognized plate")
	t.menuLastPlate.Disable()
	t.menuCameras = systray.AddMenuItem(camerasLabel(t.cameras), "Live cameras")
	t.menuCameras.Disable()
	systray.AddSeparator()
	t.mu.Unlock()

	menuOpen := systray.AddMenuItem("Open Dashboard...", "Open the dashboard in a browser")
	systray.AddSeparator()

	menuQuit := systray.AddMenuItem("Quit", "Quit Platewatch")

	// Handle menu item clicks in a separate goroutine
	go func() {
		for {
			select {
			case <-t.menuToggle.ClickedCh:
				t.handleToggle()
			case <-menuOpen.ClickedCh:
				t.handleOpen()
			case <-menuQuit.ClickedCh:
				t.handleQuit()
				return
			}
		}
	}()
}

func (t *Tray) onExit() {}

// handleToggle flips the enabled state and reports it.
func (t *Tray) handleToggle() {
	t.mu.Lock()
	t.enabled = !t.enabled
	enabled := t.enabled
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleLabel(enabled))
	}
	callback := t.onToggle
	t.mu.Unlock()

	// Call the callback outside the lock to prevent deadlocks
	if callback != nil {
		callback(enabled)
	}
}

func (t *Tray) handleOpen() {
	t.mu.RLock()
	callback := t.onOpen
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}
}

func (t *Tray) handleQuit() {
	t.mu.RLock()
	callback := t.onQuit
	t.mu.RUnlock()

	if callback != nil {
		callback()
	}

	systray.Quit()
}

// SetEnabled reflects a pause or resume made elsewhere, without calling the
// toggle callback.
func (t *Tray) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.enabled = enabled
	if t.menuToggle != nil {
		t.menuToggle.SetTitle(toggleLabel(enabled))
	}
}

// SetLastPlate updates the last plate shown in the menu. An empty plate
// shows none.
func (t *Tray) SetLastPlate(cameraID int, plate string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastText = lastPlateLabel(cameraID, plate)
	if t.menuLastPlate != nil {
		t.menuLastPlate.SetTitle(t.lastText)
	}
}

// SetCameras updates the live camera count shown in the menu.
func (t *Tray) SetCameras(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cameras = n
	if t.menuCameras != nil {
		t.menuCameras.SetTitle(camerasLabel(n))
	}
}

// IsEnabled returns the current enabled state.
func (t *Tray) IsEnabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// LastPlate returns the text of the last plate menu item.
func (t *Tray) LastPlate() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastText
}

func toggleLabel(enabled bool) string {
	if enabled {
		return "● Recognizing"
	}
	return "○ Paused"
}

func lastPlateLabel(cameraID int, plate string) string {
	if plate == "" {
		return "Last: none"
	}
	return fmt.Sprintf("Last: %s (camera %d)", plate, cameraID)
}

func camerasLabel(n int) string {
	if n == 1 {
		return "1 camera"
	}
	return fmt.Sprintf("%d cameras", n)
}
