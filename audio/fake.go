package audio

import (
	"sync"
	"time"
)

// FakeContext drives synthetic PCM through the capture path without a
// microphone. Used by tests and the diagnostics command.
type FakeContext struct {
	pcm      []byte
	realtime bool
}

// NewFakeContext serves pcm as capture data. With realtime set, chunks
// are paced at the capture rate; otherwise delivered as fast as the
// consumer accepts them.
func NewFakeContext(pcm []byte, realtime bool) *FakeContext {
	return &FakeContext{pcm: pcm, realtime: realtime}
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "fake capture"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &FakeCapture{pcm: f.pcm, realtime: f.realtime}, nil
}

type FakeCapture struct {
	pcm      []byte
	realtime bool

	mu     sync.Mutex
	cb     DataCallback
	stopCh chan struct{}
	done   chan struct{}
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) Start() error {
	f.stopCh = make(chan struct{})
	f.done = make(chan struct{})

	const chunk = FrameBytes
	interval := 20 * time.Millisecond

	go func() {
		defer close(f.done)
		pos := 0
		silence := make([]byte, chunk)
		for {
			select {
			case <-f.stopCh:
				return
			default:
			}

			f.mu.Lock()
			cb := f.cb
			f.mu.Unlock()
			if cb != nil {
				if pos < len(f.pcm) {
					end := pos + chunk
					if end > len(f.pcm) {
						end = len(f.pcm)
					}
					data := make([]byte, end-pos)
					copy(data, f.pcm[pos:end])
					pos = end
					cb(data, uint32(len(data)/2))
				} else {
					cb(silence, chunk/2)
				}
			}

			if f.realtime {
				select {
				case <-f.stopCh:
					return
				case <-time.After(interval):
				}
			} else if pos >= len(f.pcm) {
				// Synthetic input exhausted; idle until stopped.
				select {
				case <-f.stopCh:
					return
				case <-time.After(time.Millisecond):
				}
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.done
}

func (f *FakeCapture) Close() {}
