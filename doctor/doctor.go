// Package doctor runs system diagnostics: credential, realtime socket,
// capture devices, clipboard round-trip and hotkey detection.
package doctor

import (
	"context"
	"fmt"
	"time"

	"murmur/audio"
	"murmur/clipboard"
	"murmur/config"
	"murmur/credential"
	"murmur/hotkey"
	"murmur/realtime"
)

// Run executes the checks and returns an exit code (0=all pass).
func Run(cfg *config.Config) int {
	resetTerminal()
	setupInterruptHandler()

	fmt.Println("murmur doctor - system diagnostics")
	fmt.Println("==================================")

	allPass := true
	creds := credential.NewEnvStore(cfg.ProbeURL)

	secret, ok := checkCredential(creds)
	if !ok {
		allPass = false
	}
	if allPass && !checkRealtime(cfg, secret) {
		allPass = false
	}
	if !checkAudio() {
		allPass = false
	}
	if !checkClipboard() {
		allPass = false
	}
	if !checkHotkey() {
		allPass = false
	}

	fmt.Println()
	if allPass {
		fmt.Println("All checks passed!")
		return 0
	}
	fmt.Println("Some checks failed. See details above.")
	return 1
}

func checkCredential(creds *credential.EnvStore) (string, bool) {
	fmt.Println()
	fmt.Println("[1/5] API credential")

	secret, err := creds.Load()
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := creds.Test(ctx, secret); err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return "", false
	}
	fmt.Println("  PASS: credential accepted by provider")
	return secret, true
}

func checkRealtime(cfg *config.Config, secret string) bool {
	fmt.Println()
	fmt.Println("[2/5] Realtime transcription socket")

	client := realtime.NewClient(realtime.Config{
		Endpoint:             cfg.RealtimeURL,
		Model:                cfg.Model,
		Language:             cfg.Language,
		VADThreshold:         cfg.VADThreshold,
		VADPrefixPaddingMs:   cfg.VADPrefixPaddingMs,
		VADSilenceDurationMs: cfg.VADSilenceDurationMs,
		NoiseReduction:       cfg.NoiseReduction,
	}, nil)
	defer client.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Connect(ctx, secret); err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}
	fmt.Println("  PASS: socket opened and session configured")
	return true
}

func checkAudio() bool {
	fmt.Println()
	fmt.Println("[3/5] Audio capture devices")

	ctx, err := audio.NewContext()
	if err != nil {
		fmt.Printf("  FAIL: cannot connect to audio: %v\n", err)
		return false
	}
	defer ctx.Close()

	devices, err := ctx.Devices()
	if err != nil {
		fmt.Printf("  FAIL: cannot list devices: %v\n", err)
		return false
	}
	if len(devices) == 0 {
		fmt.Println("  FAIL: no capture devices found")
		return false
	}
	for _, d := range devices {
		fmt.Printf("  - %s\n", d.Name)
	}
	fmt.Printf("  PASS: %d capture device(s) available\n", len(devices))
	return true
}

func checkClipboard() bool {
	fmt.Println()
	fmt.Println("[4/5] Clipboard round-trip")

	board := clipboard.SystemBoard{}
	previous, readErr := board.Read()

	elapsed, err := clipboard.NewVerifier(board).CopyAndVerify("murmur-doctor-test")
	if err != nil {
		fmt.Printf("  FAIL: %v\n", err)
		return false
	}

	// Put back whatever was on the clipboard before the test.
	if readErr == nil && previous != "" {
		board.Write(previous)
	}
	fmt.Printf("  PASS: write and read-back verified in %dms\n", elapsed.Milliseconds())
	return true
}

func checkHotkey() bool {
	fmt.Println()
	fmt.Println("[5/5] Hotkey detection")
	fmt.Println("Press Ctrl+Shift+Space...")

	hk := hotkey.New()
	if err := hk.Register(); err != nil {
		fmt.Printf("  FAIL: could not register hotkey: %v\n", err)
		return false
	}
	defer hk.Unregister()

	select {
	case <-hk.Keydown():
		fmt.Println("  PASS: hotkey detected")
		// Wait for keyup so the release doesn't leak into the caller.
		select {
		case <-hk.Keyup():
		case <-time.After(5 * time.Second):
		}
		resetTerminal()
		return true
	case <-time.After(10 * time.Second):
		fmt.Println("  FAIL: timeout waiting for hotkey")
		return false
	}
}
