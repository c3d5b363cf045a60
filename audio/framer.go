package audio

// Framer re-slices arbitrarily sized capture callbacks into exact
// FrameBytes chunks, carrying the remainder over to the next call.
// Not safe for concurrent use; the capture callback is serial.
type Framer struct {
	size int
	buf  []byte
	emit func(frame []byte)
}

func NewFramer(size int, emit func(frame []byte)) *Framer {
	if size <= 0 {
		size = FrameBytes
	}
	return &Framer{size: size, emit: emit}
}

// Push appends data and emits every complete frame. Emitted slices are
// fresh copies; the callback may retain them.
func (f *Framer) Push(data []byte) {
	f.buf = append(f.buf, data...)
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		f.buf = f.buf[f.size:]
		f.emit(frame)
	}
}

// Flush emits the remainder zero-padded to a full frame, if any.
func (f *Framer) Flush() {
	if len(f.buf) == 0 {
		return
	}
	frame := make([]byte, f.size)
	copy(frame, f.buf)
	f.buf = f.buf[:0]
	f.emit(frame)
}
