// Package tray renders the menu bar presence: recording state,
// latency warnings and the fatal-error badge that asks for a reset.
package tray

import (
	"fmt"
	"sync"
	"time"

	"fyne.io/systray"
)

// Callbacks are invoked from the tray's click loop goroutine.
type Callbacks struct {
	OnToggle    func()
	OnCopyLast  func()
	OnAutoPaste func(on bool)
	OnReset     func()
}

type Tray struct {
	cb        Callbacks
	autoPaste bool

	quit      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	mRecord    *systray.MenuItem
	mCopy      *systray.MenuItem
	mAutoPaste *systray.MenuItem
	mReset     *systray.MenuItem
	recording  bool
	fatal      bool
}

func New(cb Callbacks, autoPaste bool) *Tray {
	return &Tray{cb: cb, autoPaste: autoPaste, quit: make(chan struct{})}
}

// Start brings the icon up without taking over the calling goroutine.
// On macOS and Windows the start hook is dispatched to the main thread.
func (t *Tray) Start() {
	start, _ := systray.RunWithExternalLoop(t.onReady, t.onExit)
	runOnMain(start)
}

// Done is closed when the user picks Quit.
func (t *Tray) Done() <-chan struct{} { return t.quit }

func (t *Tray) Quit() {
	systray.Quit()
}

func (t *Tray) onReady() {
	systray.SetTemplateIcon(iconIdleHi, iconIdle)
	systray.SetTooltip("murmur – push to talk")

	t.mu.Lock()
	t.mRecord = systray.AddMenuItem("Start Recording", "Toggle dictation")
	t.mCopy = systray.AddMenuItem("Copy Last Text", "Copy the last transcript again")
	systray.AddSeparator()
	t.mAutoPaste = systray.AddMenuItemCheckbox("Auto-paste", "Paste after copying", t.autoPaste)
	t.mReset = systray.AddMenuItem("Reset After Error", "Clear the error state")
	t.mReset.Hide()
	systray.AddSeparator()
	mQuit := systray.AddMenuItem("Quit", "Quit murmur")
	t.mu.Unlock()

	go t.clickLoop(mQuit)
}

func (t *Tray) onExit() {
	t.closeOnce.Do(func() { close(t.quit) })
}

func (t *Tray) clickLoop(mQuit *systray.MenuItem) {
	for {
		select {
		case <-t.mRecord.ClickedCh:
			if t.cb.OnToggle != nil {
				t.cb.OnToggle()
			}
		case <-t.mCopy.ClickedCh:
			if t.cb.OnCopyLast != nil {
				t.cb.OnCopyLast()
			}
		case <-t.mAutoPaste.ClickedCh:
			t.mu.Lock()
			t.autoPaste = !t.autoPaste
			on := t.autoPaste
			if on {
				t.mAutoPaste.Check()
			} else {
				t.mAutoPaste.Uncheck()
			}
			t.mu.Unlock()
			if t.cb.OnAutoPaste != nil {
				t.cb.OnAutoPaste(on)
			}
		case <-t.mReset.ClickedCh:
			if t.cb.OnReset != nil {
				t.cb.OnReset()
			}
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		case <-t.quit:
			return
		}
	}
}

// SetRecording switches the icon and the toggle item title.
func (t *Tray) SetRecording(rec bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recording = rec
	if t.fatal || t.mRecord == nil {
		return
	}
	if rec {
		systray.SetIcon(iconRecHi)
		t.mRecord.SetTitle("Stop Recording")
	} else {
		systray.SetTemplateIcon(iconIdleHi, iconIdle)
		t.mRecord.SetTitle("Start Recording")
	}
}

// SetWarning overlays the warning badge while recording.
func (t *Tray) SetWarning(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fatal || !t.recording {
		return
	}
	if on {
		systray.SetIcon(iconWarnHi)
	} else {
		systray.SetIcon(iconRecHi)
	}
}

// SetFatal shows a persistent error badge and the reset item. It stays
// until ClearFatal.
func (t *Tray) SetFatal(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fatal = true
	systray.SetIcon(iconWarnHi)
	systray.SetTooltip("murmur – " + msg)
	if t.mReset != nil {
		t.mReset.Show()
		t.mRecord.Disable()
	}
}

func (t *Tray) ClearFatal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fatal = false
	systray.SetTemplateIcon(iconIdleHi, iconIdle)
	systray.SetTooltip("murmur – push to talk")
	if t.mReset != nil {
		t.mReset.Hide()
		t.mRecord.Enable()
	}
}

// SetTransient flashes an error in the tooltip for 10 seconds.
func (t *Tray) SetTransient(msg string) {
	systray.SetTooltip("murmur – " + msg)
	go func() {
		time.Sleep(10 * time.Second)
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.fatal {
			systray.SetTooltip("murmur – push to talk")
		}
	}()
}

// SetLastSession updates the copy item with the previous session's
// recording length and stop-to-clipboard time.
func (t *Tray) SetLastSession(recording time.Duration, totalMs float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mCopy == nil {
		return
	}
	t.mCopy.SetTitle(fmt.Sprintf("Copy Last Text (%.1fs | %dms)", recording.Seconds(), int(totalMs)))
}
