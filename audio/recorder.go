package audio

import (
	"fmt"
	"sync"
)

// Recorder owns one capture device at a time and hands the
// orchestrator fixed-size frames. Restartable.
type Recorder struct {
	ctx    Context
	device *DeviceInfo
	config CaptureConfig

	// OnLevel, when set, receives the RMS level of each raw callback.
	OnLevel func(level float64)

	mu      sync.Mutex
	capture CaptureDevice
}

func NewRecorder(ctx Context, device *DeviceInfo) *Recorder {
	return &Recorder{ctx: ctx, device: device, config: DefaultConfig()}
}

// Start opens the device and begins pushing frames to onFrame in
// capture order.
func (r *Recorder) Start(onFrame func(frame []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture != nil {
		return fmt.Errorf("capture already running")
	}

	framer := NewFramer(FrameBytes, onFrame)
	capture, err := r.ctx.NewCapture(r.device, r.config)
	if err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}
	capture.SetCallback(func(data []byte, _ uint32) {
		if r.OnLevel != nil {
			r.OnLevel(Level(data))
		}
		framer.Push(data)
	})
	if err := capture.Start(); err != nil {
		capture.Close()
		return fmt.Errorf("start capture: %w", err)
	}
	r.capture = capture
	return nil
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture == nil {
		return
	}
	r.capture.ClearCallback()
	r.capture.Stop()
	r.capture.Close()
	r.capture = nil
}
