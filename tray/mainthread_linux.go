//go:build linux

package tray

// The Linux backend talks to the status notifier over D-Bus and has no
// main-thread requirement.
func runOnMain(fn func()) { fn() }
