//go:build !linux

package main

import (
	"runtime"

	"golang.design/x/hotkey/mainthread"
)

func init() {
	runtime.LockOSThread()
}

// The hotkey and tray APIs need the real main thread on macOS and
// Windows; mainthread keeps it pumping while run does the work.
func main() {
	mainthread.Init(run)
}
