package doctor

import (
	"os"
	"os/exec"
	"os/signal"
	"runtime"
)

// resetTerminal undoes raw mode the hotkey library can leave behind.
func resetTerminal() {
	if runtime.GOOS != "windows" {
		exec.Command("stty", "sane").Run()
	}
}

func setupInterruptHandler() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	go func() {
		<-sigChan
		println("\nInterrupted")
		os.Exit(1)
	}()
}
