//go:build !windows

// Package shutdown hides the platform split in termination signals:
// SIGTERM exists everywhere but Windows.
package shutdown

import (
	"os"
	"os/signal"
	"syscall"
)

func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
}
