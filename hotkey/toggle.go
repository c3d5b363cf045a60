package hotkey

import (
	"sync/atomic"
	"time"
)

// Controller turns raw key events into start/stop signals. The same
// binding supports two gestures: press-and-hold records until release
// (push-to-talk), while a short tap toggles recording on until the
// next tap.
type Controller struct {
	startCh chan struct{}
	stopCh  chan struct{}
	toggled atomic.Bool
	done    chan struct{}
}

// NewController starts watching hk. longPress is the hold duration
// past which a press counts as push-to-talk rather than a tap.
func NewController(hk Hotkey, longPress time.Duration) *Controller {
	c := &Controller{
		startCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.run(hk, longPress)
	return c
}

// StartCh signals when recording should begin.
func (c *Controller) StartCh() <-chan struct{} { return c.startCh }

// StopCh signals when recording should end, for both gestures.
func (c *Controller) StopCh() <-chan struct{} { return c.stopCh }

// IsToggle reports whether the current recording was started by a tap
// and is waiting for a second tap to stop.
func (c *Controller) IsToggle() bool { return c.toggled.Load() }

// Close stops the watcher goroutine.
func (c *Controller) Close() { close(c.done) }

func (c *Controller) run(hk Hotkey, longPress time.Duration) {
	for {
		// Idle: any press starts recording immediately. The gesture is
		// decided by how long the key stays down.
		select {
		case <-hk.Keydown():
		case <-c.done:
			return
		}
		c.signal(c.startCh)
		c.toggled.Store(false)

		timer := time.NewTimer(longPress)
		select {
		case <-timer.C:
			// Held past the threshold: stop on release.
			select {
			case <-hk.Keyup():
			case <-c.done:
				return
			}
			c.signal(c.stopCh)
			continue
		case <-hk.Keyup():
			if !timer.Stop() {
				<-timer.C
			}
			c.toggled.Store(true)
		case <-c.done:
			return
		}

		// Toggled on: the next press-release stops.
		select {
		case <-hk.Keydown():
		case <-c.done:
			return
		}
		select {
		case <-hk.Keyup():
		case <-c.done:
			return
		}
		c.toggled.Store(false)
		c.signal(c.stopCh)
	}
}

func (c *Controller) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
