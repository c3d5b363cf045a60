//go:build !linux

package tray

import "golang.design/x/hotkey/mainthread"

func runOnMain(fn func()) { mainthread.Call(fn) }
