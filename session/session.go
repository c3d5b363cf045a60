// Package session sequences one recording cycle at a time through a
// fixed state machine and coordinates the worker, capture, clipboard
// and latency collaborators.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"murmur/latency"
	"murmur/log"
	"murmur/realtime"
	"murmur/worker"
)

type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
	StateProcessing
	StateError
	StateRecovering
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateProcessing:
		return "processing"
	case StateError:
		return "error"
	case StateRecovering:
		return "recovering"
	case StateFatal:
		return "fatal"
	}
	return "unknown"
}

// transitions is the full set of allowed state changes. Anything else
// is rejected and logged.
var transitions = map[State]map[State]bool{
	StateIdle:       {StateStarting: true, StateError: true, StateFatal: true},
	StateStarting:   {StateRecording: true, StateError: true, StateIdle: true},
	StateRecording:  {StateStopping: true, StateError: true, StateRecovering: true},
	StateStopping:   {StateProcessing: true, StateError: true, StateIdle: true},
	StateProcessing: {StateIdle: true, StateError: true},
	StateError:      {StateRecovering: true, StateIdle: true, StateFatal: true},
	StateRecovering: {StateRecording: true, StateError: true, StateIdle: true},
	StateFatal:      {StateIdle: true},
}

// StatusKind classifies notifier status updates.
type StatusKind string

const (
	StatusIdle      StatusKind = "idle"
	StatusRecording StatusKind = "recording"
	StatusError     StatusKind = "error"
	// StatusFatal means a persistent indicator: the machine stays down
	// until an explicit reset.
	StatusFatal StatusKind = "fatal"
)

// WorkerHost is the isolation boundary running the protocol client.
type WorkerHost interface {
	Start() error
	StartSession(credential string) error
	SendAudio(frame []byte) error
	EndSession() error
	Stop()
	Stats() realtime.Stats
	Events() <-chan worker.Event
}

// CredentialStore supplies and validates the provider credential.
type CredentialStore interface {
	Has() bool
	Load() (string, error)
	Test(ctx context.Context, secret string) error
}

// Capture starts and stops microphone capture; frames arrive on the
// callback in capture order.
type Capture interface {
	Start(onFrame func([]byte)) error
	Stop()
}

// Clipboard commits a transcript and verifies it by reading it back.
type Clipboard interface {
	CopyAndVerify(text string) (time.Duration, error)
}

// Monitor is the per-session latency instrumentation.
type Monitor interface {
	StartSession() string
	MarkRecordingStart()
	MarkRecordingStop()
	MarkFinalTranscript()
	RecordClipboardLatency(time.Duration)
	AddRetry()
	SetTransport(framesSent, reconnects int)
	EndSession() latency.Record
	Abandon()
}

// Notifier receives fire-and-forget UI updates.
type Notifier interface {
	ShowStatus(kind StatusKind, message string)
	ShowNotification(title, body string)
}

// Config carries the retry policy. Zero values take the defaults.
type Config struct {
	MaxRetries   int           // consecutive errors before Fatal
	RetryBackoff time.Duration // base delay before Recovering
	RetryGrowth  float64
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.RetryGrowth == 0 {
		c.RetryGrowth = 1.5
	}
	return c
}

// RetryDelay returns the backoff before recovery attempt n (1-based).
func RetryDelay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(cfg.RetryBackoff) * math.Pow(cfg.RetryGrowth, float64(attempt-1)))
}

type command struct {
	kind  commandKind
	reply chan bool
	// recoverOK carries the outcome of an async recovery check.
	recoverOK  bool
	recoverErr error
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdReset
	cmdRetryTimer
	cmdRecoverResult
)

// Orchestrator is the session state machine. All state changes happen
// on its event loop goroutine; public operations post commands.
type Orchestrator struct {
	cfg         Config
	host        WorkerHost
	credentials CredentialStore
	capture     Capture
	board       Clipboard
	monitor     Monitor
	notifier    Notifier

	// OnPartial, when set, receives incremental transcript updates.
	OnPartial func(text string)
	// OnSuccess, when set, receives the final transcript after it has
	// been committed to the clipboard.
	OnSuccess func(text string, rec latency.Record)

	cmds chan command
	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	state State

	// loop-owned, never touched outside run()
	transcript string
	retryCount int
	retryTimer *time.Timer
	capturing  bool
}

func New(cfg Config, host WorkerHost, creds CredentialStore, capture Capture, board Clipboard, monitor Monitor, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg.withDefaults(),
		host:        host,
		credentials: creds,
		capture:     capture,
		board:       board,
		monitor:     monitor,
		notifier:    notifier,
		cmds:        make(chan command, 16),
		done:        make(chan struct{}),
		state:       StateIdle,
	}
}

// Run starts the event loop. Call Close to stop it.
func (o *Orchestrator) Run() {
	o.wg.Add(1)
	go o.run()
}

// Close stops the event loop and tears down any active session.
func (o *Orchestrator) Close() {
	close(o.done)
	o.wg.Wait()
	o.host.Stop()
}

// State reports the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// StartRecording begins a session. Valid only from Idle; anything else
// is a no-op returning false.
func (o *Orchestrator) StartRecording() bool { return o.post(cmdStart) }

// StopRecording ends the capture phase. Valid only from Recording.
func (o *Orchestrator) StopRecording() bool { return o.post(cmdStop) }

// Reset forces Idle from any state, clearing timers and retry counters.
// This is the only way out of Fatal.
func (o *Orchestrator) Reset() { o.post(cmdReset) }

// Toggle starts recording when idle and stops it when recording. This
// is the hotkey entry point.
func (o *Orchestrator) Toggle() {
	switch o.State() {
	case StateIdle:
		o.StartRecording()
	case StateRecording:
		o.StopRecording()
	default:
		log.RejectedTransition(o.State().String(), "toggle")
	}
}

func (o *Orchestrator) post(kind commandKind) bool {
	reply := make(chan bool, 1)
	select {
	case o.cmds <- command{kind: kind, reply: reply}:
	case <-o.done:
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	for {
		select {
		case cmd := <-o.cmds:
			ok := o.handleCommand(cmd)
			if cmd.reply != nil {
				cmd.reply <- ok
			}
		case ev := <-o.host.Events():
			o.handleWorkerEvent(ev)
		case <-o.done:
			o.stopRetryTimer()
			o.stopCapture()
			return
		}
	}
}

func (o *Orchestrator) handleCommand(cmd command) bool {
	switch cmd.kind {
	case cmdStart:
		if o.State() != StateIdle {
			log.RejectedTransition(o.State().String(), StateStarting.String())
			return false
		}
		return o.enterStarting()
	case cmdStop:
		if o.State() != StateRecording {
			log.RejectedTransition(o.State().String(), StateStopping.String())
			return false
		}
		o.enterStopping()
		return true
	case cmdReset:
		o.forceIdle("reset")
		return true
	case cmdRetryTimer:
		if o.State() == StateError {
			o.enterRecovering()
		}
		return true
	case cmdRecoverResult:
		if o.State() != StateRecovering {
			return true
		}
		if cmd.recoverOK {
			o.retryCount = 0
			o.transition(StateIdle, "recovered")
			o.notifier.ShowStatus(StatusIdle, "")
		} else {
			log.Warnf("recovery check failed: %v", cmd.recoverErr)
			o.enterError("recovery check failed")
		}
		return true
	}
	return false
}

// transition applies a state change if the table allows it.
func (o *Orchestrator) transition(to State, reason string) bool {
	o.mu.Lock()
	from := o.state
	if !transitions[from][to] {
		o.mu.Unlock()
		log.RejectedTransition(from.String(), to.String())
		return false
	}
	o.state = to
	o.mu.Unlock()
	log.Transition(from.String(), to.String(), reason)
	return true
}

func (o *Orchestrator) enterStarting() bool {
	if !o.transition(StateStarting, "hotkey") {
		return false
	}
	o.transcript = ""
	o.monitor.StartSession()

	credential, err := o.credentials.Load()
	if err != nil || credential == "" {
		log.Warnf("credential unavailable: %v", err)
		o.enterError("credential unavailable")
		return false
	}
	if err := o.host.Start(); err != nil {
		log.Errorf("worker start: %v", err)
		o.enterError("worker start failed")
		return false
	}
	if err := o.host.StartSession(credential); err != nil {
		log.Errorf("session start: %v", err)
		o.enterError("session start failed")
		return false
	}
	if err := o.capture.Start(o.onFrame); err != nil {
		log.Errorf("audio capture: %v", err)
		o.enterError("audio capture failed")
		return false
	}
	o.capturing = true

	if !o.transition(StateRecording, "capture started") {
		return false
	}
	o.monitor.MarkRecordingStart()
	o.notifier.ShowStatus(StatusRecording, "")
	return true
}

// onFrame runs on the audio callback goroutine. Frames flow straight
// to the worker without passing through the event loop.
func (o *Orchestrator) onFrame(frame []byte) {
	if o.State() != StateRecording {
		return
	}
	if err := o.host.SendAudio(frame); err != nil {
		log.Warnf("frame dropped: %v", err)
	}
}

func (o *Orchestrator) enterStopping() {
	if !o.transition(StateStopping, "hotkey") {
		return
	}
	o.stopCapture()
	o.monitor.MarkRecordingStop()
	if err := o.host.EndSession(); err != nil {
		o.enterError("end of turn failed")
		return
	}
	// Await the final transcript on the worker event channel.
}

func (o *Orchestrator) enterProcessing() {
	if !o.transition(StateProcessing, "final transcript") {
		return
	}
	if strings.TrimSpace(o.transcript) == "" {
		o.enterError("empty transcript")
		return
	}

	elapsed, err := o.board.CopyAndVerify(o.transcript)
	if err != nil {
		log.Errorf("clipboard: %v", err)
		o.enterError("clipboard failed")
		return
	}
	o.monitor.RecordClipboardLatency(elapsed)
	stats := o.host.Stats()
	o.monitor.SetTransport(stats.FramesAppended, stats.Reconnects)
	rec := o.monitor.EndSession()
	// The connection does not outlive the session.
	o.host.Stop()

	text := o.transcript
	o.transcript = ""
	o.retryCount = 0
	o.transition(StateIdle, "session complete")
	o.notifier.ShowStatus(StatusIdle, "")
	o.notifier.ShowNotification("Copied to clipboard", text)
	if o.OnSuccess != nil {
		o.OnSuccess(text, rec)
	}
}

func (o *Orchestrator) enterError(reason string) {
	if !o.transition(StateError, reason) {
		return
	}
	o.stopCapture()
	stats := o.host.Stats()
	o.host.Stop()
	o.monitor.AddRetry()
	o.monitor.SetTransport(stats.FramesAppended, stats.Reconnects)
	// Error-terminated sessions still land in history for diagnostics.
	o.monitor.EndSession()
	o.retryCount++

	if o.retryCount >= o.cfg.MaxRetries {
		o.enterFatal(reason)
		return
	}

	delay := RetryDelay(o.cfg, o.retryCount)
	o.notifier.ShowStatus(StatusError, reason)
	log.Warnf("session error (%s), recovery attempt %d/%d in %v", reason, o.retryCount, o.cfg.MaxRetries, delay)
	o.stopRetryTimer()
	o.retryTimer = time.AfterFunc(delay, func() {
		select {
		case o.cmds <- command{kind: cmdRetryTimer}:
		case <-o.done:
		}
	})
}

func (o *Orchestrator) enterRecovering() {
	if !o.transition(StateRecovering, "retry backoff elapsed") {
		return
	}
	// Credential probe does network I/O; keep it off the event loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		credential, loadErr := o.credentials.Load()
		switch {
		case loadErr != nil:
			err = loadErr
		case credential == "":
			err = errors.New("credential missing")
		default:
			err = o.credentials.Test(ctx, credential)
		}
		if err == nil {
			// Second self-check: the worker host must still be able to
			// spawn. Left stopped; Starting brings it up for real.
			o.host.Stop()
			if startErr := o.host.Start(); startErr != nil {
				err = fmt.Errorf("worker restart: %w", startErr)
			} else {
				o.host.Stop()
			}
		}
		select {
		case o.cmds <- command{kind: cmdRecoverResult, recoverOK: err == nil, recoverErr: err}:
		case <-o.done:
		}
	}()
}

func (o *Orchestrator) enterFatal(reason string) {
	if !o.transition(StateFatal, reason) {
		return
	}
	o.stopRetryTimer()
	o.stopCapture()
	o.host.Stop()
	o.notifier.ShowStatus(StatusFatal, reason)
	o.notifier.ShowNotification("Dictation stopped", "Repeated failures; open the tray menu to reset.")
}

func (o *Orchestrator) forceIdle(reason string) {
	o.stopRetryTimer()
	o.stopCapture()
	o.host.Stop()
	o.monitor.Abandon()
	o.retryCount = 0
	o.transcript = ""

	o.mu.Lock()
	from := o.state
	o.state = StateIdle
	o.mu.Unlock()
	log.Transition(from.String(), StateIdle.String(), reason)
	o.notifier.ShowStatus(StatusIdle, "")
}

func (o *Orchestrator) handleWorkerEvent(ev worker.Event) {
	if ev.Kind == worker.EventExit {
		if o.active() {
			log.Errorf("worker exited: %v", ev.Err)
			o.enterError("worker exited")
		}
		return
	}

	pe := ev.Proto
	switch pe.Kind {
	case realtime.EventPartial:
		if o.OnPartial != nil {
			o.OnPartial(pe.Text)
		}
	case realtime.EventFinal:
		if o.State() != StateStopping {
			log.Warnf("final transcript outside stopping state, dropped")
			return
		}
		o.monitor.MarkFinalTranscript()
		o.transcript = pe.Text
		o.enterProcessing()
	case realtime.EventStatus:
		log.Infof("transport: %s", pe.Status)
	case realtime.EventError:
		if o.active() {
			log.Errorf("protocol error (%s): %v", pe.ErrKind, pe.Err)
			o.enterError(string(pe.ErrKind))
		}
	}
}

// active reports whether a session currently owns the worker.
func (o *Orchestrator) active() bool {
	switch o.State() {
	case StateStarting, StateRecording, StateStopping, StateProcessing:
		return true
	}
	return false
}

func (o *Orchestrator) stopCapture() {
	if o.capturing {
		o.capture.Stop()
		o.capturing = false
	}
}

func (o *Orchestrator) stopRetryTimer() {
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
}
