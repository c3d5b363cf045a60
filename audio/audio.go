// Package audio captures microphone input and slices it into the
// fixed 20 ms PCM16 frames the streaming transcriber expects.
package audio

import "math"

const (
	SampleRate = 16000
	Channels   = 1

	// FrameBytes is one 20 ms frame: 16000 Hz * 0.020 s * 2 bytes.
	FrameBytes = 640
)

type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
}

func DefaultConfig() CaptureConfig {
	return CaptureConfig{SampleRate: SampleRate, Channels: Channels}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
}

// Level returns the RMS of a PCM16 little-endian buffer, normalized to
// [0, 1]. Used for the input level meter.
func Level(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		s := int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8)
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum/float64(n)) / 32768
}
