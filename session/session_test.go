package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"murmur/latency"
	"murmur/realtime"
	"murmur/worker"
)

type fakeHost struct {
	mu         sync.Mutex
	events     chan worker.Event
	starts     int
	sessions   int
	stops      int
	frames     [][]byte
	ended      bool
	startErr   error
	reconnects int
}

func newFakeHost() *fakeHost {
	return &fakeHost{events: make(chan worker.Event, 16)}
}

func (h *fakeHost) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.startErr != nil {
		return h.startErr
	}
	h.starts++
	return nil
}

func (h *fakeHost) StartSession(credential string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions++
	h.ended = false
	return nil
}

func (h *fakeHost) SendAudio(frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame)
	return nil
}

func (h *fakeHost) EndSession() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = true
	return nil
}

func (h *fakeHost) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
}

func (h *fakeHost) Stats() realtime.Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return realtime.Stats{FramesAppended: len(h.frames), Reconnects: h.reconnects}
}

func (h *fakeHost) Events() <-chan worker.Event { return h.events }

func (h *fakeHost) emitFinal(text string) {
	h.events <- worker.Event{Kind: worker.EventProto, Proto: realtime.Event{Kind: realtime.EventFinal, Text: text}}
}

func (h *fakeHost) counts() (starts, sessions int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.sessions
}

type fakeCreds struct {
	mu      sync.Mutex
	secret  string
	testErr error
	tests   int
}

func (c *fakeCreds) Has() bool { return c.secret != "" }

func (c *fakeCreds) Load() (string, error) { return c.secret, nil }

func (c *fakeCreds) Test(ctx context.Context, secret string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tests++
	return c.testErr
}

func (c *fakeCreds) setTestErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.testErr = err
}

type fakeCapture struct {
	mu       sync.Mutex
	onFrame  func([]byte)
	started  int
	stopped  int
	startErr error
}

func (c *fakeCapture) Start(onFrame func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.onFrame = onFrame
	c.started++
	return nil
}

func (c *fakeCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped++
}

func (c *fakeCapture) push(frame []byte) {
	c.mu.Lock()
	cb := c.onFrame
	c.mu.Unlock()
	if cb != nil {
		cb(frame)
	}
}

type fakeBoard struct {
	mu      sync.Mutex
	content string
	err     error
}

func (b *fakeBoard) CopyAndVerify(text string) (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	b.content = text
	return time.Millisecond, nil
}

func (b *fakeBoard) get() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.content
}

type fakeNotifier struct {
	mu       sync.Mutex
	statuses []StatusKind
	notices  []string
}

func (n *fakeNotifier) ShowStatus(kind StatusKind, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, kind)
}

func (n *fakeNotifier) ShowNotification(title, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, title+": "+body)
}

type fixture struct {
	orch     *Orchestrator
	host     *fakeHost
	creds    *fakeCreds
	capture  *fakeCapture
	board    *fakeBoard
	notifier *fakeNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		host:     newFakeHost(),
		creds:    &fakeCreds{secret: "sk-test"},
		capture:  &fakeCapture{},
		board:    &fakeBoard{},
		notifier: &fakeNotifier{},
	}
	cfg := Config{MaxRetries: 3, RetryBackoff: time.Millisecond, RetryGrowth: 1.5}
	f.orch = New(cfg, f.host, f.creds, f.capture, f.board, latency.NewMonitor(), f.notifier)
	return f
}

func start(t *testing.T, f *fixture) {
	t.Helper()
	f.orch.Run()
	t.Cleanup(f.orch.Close)
}

func waitState(t *testing.T, o *Orchestrator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", o.State(), want)
}

func TestRetryDelay(t *testing.T) {
	cfg := Config{RetryBackoff: 2 * time.Second, RetryGrowth: 1.5}
	if got := RetryDelay(cfg, 1); got != 2*time.Second {
		t.Errorf("attempt 1 = %v, want 2s", got)
	}
	if got := RetryDelay(cfg, 2); got != 3*time.Second {
		t.Errorf("attempt 2 = %v, want 3s", got)
	}
	if got := RetryDelay(cfg, 3); got != 4500*time.Millisecond {
		t.Errorf("attempt 3 = %v, want 4.5s", got)
	}
}

func TestFullCycle(t *testing.T) {
	f := newFixture(t)
	start(t, f)

	if !f.orch.StartRecording() {
		t.Fatal("StartRecording refused from Idle")
	}
	waitState(t, f.orch, StateRecording)

	f.capture.push([]byte("frame-0"))
	f.capture.push([]byte("frame-1"))

	if !f.orch.StopRecording() {
		t.Fatal("StopRecording refused from Recording")
	}
	waitState(t, f.orch, StateStopping)

	f.host.emitFinal("hello world")
	waitState(t, f.orch, StateIdle)

	if got := f.board.get(); got != "hello world" {
		t.Errorf("clipboard = %q, want %q", got, "hello world")
	}
	f.host.mu.Lock()
	frames, ended := len(f.host.frames), f.host.ended
	f.host.mu.Unlock()
	if frames != 2 {
		t.Errorf("forwarded %d frames, want 2", frames)
	}
	if !ended {
		t.Error("end of turn never signalled")
	}
}

func TestAtMostOneSession(t *testing.T) {
	f := newFixture(t)
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateRecording)

	if f.orch.StartRecording() {
		t.Fatal("second StartRecording accepted while recording")
	}
	if _, sessions := f.host.counts(); sessions != 1 {
		t.Fatalf("%d protocol sessions, want 1", sessions)
	}
}

func TestStopOnlyFromRecording(t *testing.T) {
	f := newFixture(t)
	start(t, f)

	if f.orch.StopRecording() {
		t.Fatal("StopRecording accepted from Idle")
	}
	if f.orch.State() != StateIdle {
		t.Fatalf("state = %v after rejected stop", f.orch.State())
	}
}

func TestEmptyTranscriptIsError(t *testing.T) {
	f := newFixture(t)
	f.creds.setTestErr(errors.New("still down")) // keep recovery from reaching Idle
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateRecording)
	f.orch.StopRecording()
	f.host.emitFinal("   ")

	waitState(t, f.orch, StateError)
	if got := f.board.get(); got != "" {
		t.Errorf("clipboard written %q for empty transcript", got)
	}
}

func TestMissingCredential(t *testing.T) {
	f := newFixture(t)
	f.creds.secret = ""
	start(t, f)

	if f.orch.StartRecording() {
		t.Fatal("StartRecording succeeded without credential")
	}
	if starts, _ := f.host.counts(); starts != 0 {
		t.Error("worker started without credential")
	}
}

func TestCaptureFailureIsStartingError(t *testing.T) {
	f := newFixture(t)
	f.capture.startErr = errors.New("mic busy")
	start(t, f)

	if f.orch.StartRecording() {
		t.Fatal("StartRecording succeeded with failing capture")
	}
}

func TestRecoveryReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	f.capture.startErr = errors.New("mic busy")
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateIdle) // Error -> Recovering -> Idle, credential ok

	f.creds.mu.Lock()
	tests := f.creds.tests
	f.creds.mu.Unlock()
	if tests == 0 {
		t.Fatal("recovery never probed the credential")
	}

	// The second self-check cycled the worker host: one start from the
	// failed Starting attempt, at least one more from recovery.
	f.host.mu.Lock()
	restarts := f.host.starts
	f.host.mu.Unlock()
	if restarts < 2 {
		t.Fatalf("host starts = %d, recovery never restarted the worker host", restarts)
	}

	// Retry counter was reset; a fresh failure episode starts from 1.
	f.capture.mu.Lock()
	f.capture.startErr = nil
	f.capture.mu.Unlock()
	if !f.orch.StartRecording() {
		t.Fatal("StartRecording refused after recovery")
	}
	waitState(t, f.orch, StateRecording)
}

func TestRetryBudgetExhaustionIsFatal(t *testing.T) {
	f := newFixture(t)
	f.capture.startErr = errors.New("mic busy")
	f.creds.setTestErr(errors.New("unauthorized"))
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateFatal)

	// Fatal holds until an explicit reset.
	if f.orch.StartRecording() {
		t.Fatal("StartRecording accepted in Fatal")
	}
	f.orch.Reset()
	waitState(t, f.orch, StateIdle)
}

func TestWorkerExitDuringRecording(t *testing.T) {
	f := newFixture(t)
	f.creds.setTestErr(errors.New("still down"))
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateRecording)

	f.host.events <- worker.Event{Kind: worker.EventExit, Err: errors.New("panic")}
	waitState(t, f.orch, StateError)

	f.capture.mu.Lock()
	stopped := f.capture.stopped
	f.capture.mu.Unlock()
	if stopped == 0 {
		t.Error("capture left running after worker exit")
	}
}

func TestWorkerExitWhileIdleIgnored(t *testing.T) {
	f := newFixture(t)
	start(t, f)

	f.host.events <- worker.Event{Kind: worker.EventExit, Err: errors.New("late")}
	time.Sleep(20 * time.Millisecond)
	if f.orch.State() != StateIdle {
		t.Fatalf("state = %v, want Idle", f.orch.State())
	}
}

func TestClipboardFailureIsError(t *testing.T) {
	f := newFixture(t)
	f.board.err = errors.New("no display")
	f.creds.setTestErr(errors.New("still down"))
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateRecording)
	f.orch.StopRecording()
	f.host.emitFinal("hello")

	waitState(t, f.orch, StateError)
}

func TestPartialsForwarded(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var partials []string
	f.orch.OnPartial = func(text string) {
		mu.Lock()
		partials = append(partials, text)
		mu.Unlock()
	}
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateRecording)
	f.host.events <- worker.Event{Kind: worker.EventProto, Proto: realtime.Event{Kind: realtime.EventPartial, Text: "hel"}}
	f.host.events <- worker.Event{Kind: worker.EventProto, Proto: realtime.Event{Kind: realtime.EventPartial, Text: "hello"}}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(partials)
		mu.Unlock()
		if n == 2 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("partials not delivered")
}

func TestFramesIgnoredOutsideRecording(t *testing.T) {
	f := newFixture(t)
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateRecording)
	f.orch.StopRecording()
	waitState(t, f.orch, StateStopping)

	f.capture.push([]byte("straggler"))
	f.host.emitFinal("done")
	waitState(t, f.orch, StateIdle)

	f.host.mu.Lock()
	defer f.host.mu.Unlock()
	for _, frame := range f.host.frames {
		if string(frame) == "straggler" {
			t.Fatal("frame forwarded after recording stopped")
		}
	}
}

type recordingArchiver struct {
	mu   sync.Mutex
	recs []latency.Record
}

func (a *recordingArchiver) Archive(rec latency.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *recordingArchiver) last(t *testing.T) latency.Record {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.recs) == 0 {
		t.Fatal("no record archived")
	}
	return a.recs[len(a.recs)-1]
}

func newArchivedFixture(t *testing.T, arch latency.Archiver) *fixture {
	t.Helper()
	f := &fixture{
		host:     newFakeHost(),
		creds:    &fakeCreds{secret: "sk-test"},
		capture:  &fakeCapture{},
		board:    &fakeBoard{},
		notifier: &fakeNotifier{},
	}
	cfg := Config{MaxRetries: 3, RetryBackoff: time.Millisecond, RetryGrowth: 1.5}
	f.orch = New(cfg, f.host, f.creds, f.capture, f.board,
		latency.NewMonitor(latency.WithArchiver(arch)), f.notifier)
	return f
}

func TestTransportCountersArchived(t *testing.T) {
	arch := &recordingArchiver{}
	f := newArchivedFixture(t, arch)
	f.host.reconnects = 1
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateRecording)
	f.capture.push([]byte("frame-0"))
	f.capture.push([]byte("frame-1"))
	f.orch.StopRecording()
	waitState(t, f.orch, StateStopping)
	f.host.emitFinal("counted")
	waitState(t, f.orch, StateIdle)

	rec := arch.last(t)
	if rec.FramesSent != 2 {
		t.Errorf("FramesSent = %d, want 2", rec.FramesSent)
	}
	if rec.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", rec.Reconnects)
	}
}

func TestTransportCountersArchivedOnError(t *testing.T) {
	arch := &recordingArchiver{}
	f := newArchivedFixture(t, arch)
	f.board.err = errors.New("clipboard denied")
	f.creds.setTestErr(errors.New("still down"))
	start(t, f)

	f.orch.StartRecording()
	waitState(t, f.orch, StateRecording)
	f.capture.push([]byte("frame-0"))
	f.orch.StopRecording()
	waitState(t, f.orch, StateStopping)
	f.host.emitFinal("lost")
	// Failing recovery probes exhaust the retry budget; only the first
	// Error entry archives the session record.
	waitState(t, f.orch, StateFatal)

	if rec := arch.last(t); rec.FramesSent != 1 {
		t.Errorf("FramesSent = %d, want 1", rec.FramesSent)
	}
}
