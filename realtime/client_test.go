package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeSocket struct {
	mu      sync.Mutex
	sent    [][]byte
	sendErr error

	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	pingErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeSocket) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	select {
	case <-f.closed:
		return errors.New("socket closed")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSocket) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("socket closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeSocket) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeSocket) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSocket) push(t *testing.T, msg string) {
	t.Helper()
	select {
	case f.inbound <- []byte(msg):
	case <-time.After(time.Second):
		t.Fatal("push timed out")
	}
}

func (f *fakeSocket) sentMessages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSocket) waitSent(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := f.sentMessages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages, have %d", n, len(f.sentMessages()))
	return nil
}

// script hands out sockets (or errors) to successive dial calls. Sockets get
// the handshake ack pre-queued unless the entry says otherwise.
type script struct {
	mu      sync.Mutex
	entries []scriptEntry
	dials   int
}

type scriptEntry struct {
	sock  *fakeSocket
	err   error
	noAck bool
}

func (s *script) dial(ctx context.Context, endpoint, credential string) (Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return nil, errors.New("script exhausted")
	}
	e := s.entries[0]
	s.entries = s.entries[1:]
	s.dials++
	if e.err != nil {
		return nil, e.err
	}
	if !e.noAck {
		e.sock.inbound <- []byte(`{"type":"transcription_session.created"}`)
	}
	return e.sock, nil
}

func testConfig() Config {
	return Config{
		Endpoint:             "wss://example.invalid/v1/realtime",
		Model:                "gpt-4o-mini-transcribe",
		Language:             "en",
		HeartbeatInterval:    time.Hour,
		HeartbeatTimeout:     time.Second,
		ReconnectBase:        time.Millisecond,
		ReconnectGrowth:      1.6,
		ReconnectCap:         10 * time.Millisecond,
		ReconnectMaxAttempts: 5,
	}
}

// collect drains the client's events into a slice guarded by mu.
func collect(c *Client) (func() []Event, *sync.WaitGroup) {
	var mu sync.Mutex
	var events []Event
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range c.Events() {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		}
	}()
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}, &wg
}

func waitForEvent(t *testing.T, snapshot func() []Event, match func(Event) bool) Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range snapshot() {
			if match(ev) {
				return ev
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for event")
	return Event{}
}

func decodeFrame(t *testing.T, raw []byte) []byte {
	t.Helper()
	var msg audioAppend
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal append: %v", err)
	}
	frame, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	return frame
}

func msgType(t *testing.T, raw []byte) string {
	t.Helper()
	var msg bareMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal message: %v", err)
	}
	return msg.Type
}

func TestReconnectDelay(t *testing.T) {
	cfg := Config{
		ReconnectBase:   100 * time.Millisecond,
		ReconnectGrowth: 1.6,
		ReconnectCap:    25600 * time.Millisecond,
	}

	prev := time.Duration(0)
	for n := 0; n < 20; n++ {
		d := ReconnectDelay(cfg, n)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", n, d, prev)
		}
		if d > cfg.ReconnectCap {
			t.Fatalf("delay %v exceeds cap at attempt %d", d, n)
		}
		prev = d
	}

	if got := ReconnectDelay(cfg, 0); got != 100*time.Millisecond {
		t.Errorf("attempt 0 delay = %v, want 100ms", got)
	}
	if got := ReconnectDelay(cfg, 1); got != 160*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 160ms", got)
	}
	if got := ReconnectDelay(cfg, 19); got != cfg.ReconnectCap {
		t.Errorf("attempt 19 delay = %v, want cap %v", got, cfg.ReconnectCap)
	}
}

func TestConnectHandshake(t *testing.T) {
	sock := newFakeSocket()
	s := &script{entries: []scriptEntry{{sock: sock}}}
	c := NewClient(testConfig(), s.dial)
	defer c.Shutdown()
	snapshot, _ := collect(c)

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msgs := sock.waitSent(t, 1)
	if typ := msgType(t, msgs[0]); typ != msgSessionUpdate {
		t.Errorf("first message = %q, want %q", typ, msgSessionUpdate)
	}
	var update sessionUpdate
	if err := json.Unmarshal(msgs[0], &update); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if update.Session.InputAudioFormat != "pcm16" {
		t.Errorf("input_audio_format = %q, want pcm16", update.Session.InputAudioFormat)
	}
	if update.Session.TurnDetection.Type != "server_vad" {
		t.Errorf("turn_detection = %q, want server_vad", update.Session.TurnDetection.Type)
	}

	waitForEvent(t, snapshot, func(ev Event) bool {
		return ev.Kind == EventStatus && ev.Status == "connected"
	})
}

func TestConnectMalformedHandshake(t *testing.T) {
	sock := newFakeSocket()
	sock.inbound <- []byte("not json")
	s := &script{entries: []scriptEntry{{sock: sock, noAck: true}}}
	c := NewClient(testConfig(), s.dial)
	defer c.Shutdown()

	err := c.Connect(context.Background(), "sk-test")
	if !errors.Is(err, ErrMalformedHandshake) {
		t.Fatalf("Connect error = %v, want ErrMalformedHandshake", err)
	}
}

func TestQueueReplayedInOrderAfterReconnect(t *testing.T) {
	sock1 := newFakeSocket()
	sock2 := newFakeSocket()
	s := &script{entries: []scriptEntry{
		{sock: sock1},
		{err: errors.New("still down")},
		{sock: sock2},
	}}
	c := NewClient(testConfig(), s.dial)
	defer c.Shutdown()
	snapshot, _ := collect(c)

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	frame := func(i int) []byte { return []byte(fmt.Sprintf("frame-%02d", i)) }

	for i := 0; i < 3; i++ {
		c.AppendAudio(frame(i))
	}
	sock1.waitSent(t, 4) // handshake + 3 frames

	sock1.Close()

	// Appended while disconnected: queued, not dropped.
	for i := 3; i < 8; i++ {
		c.AppendAudio(frame(i))
	}

	waitForEvent(t, snapshot, func(ev Event) bool {
		return ev.Kind == EventStatus && ev.Status == "reconnected"
	})

	msgs := sock2.waitSent(t, 6) // handshake + 5 queued frames
	if typ := msgType(t, msgs[0]); typ != msgSessionUpdate {
		t.Fatalf("first message after reconnect = %q, want handshake", typ)
	}
	for i, raw := range msgs[1:6] {
		got := decodeFrame(t, raw)
		want := frame(i + 3)
		if string(got) != string(want) {
			t.Errorf("replayed frame %d = %q, want %q", i, got, want)
		}
	}

	if stats := c.Stats(); stats.Reconnects != 1 {
		t.Errorf("Reconnects = %d, want 1", stats.Reconnects)
	}
}

func TestMaxReconnectExceeded(t *testing.T) {
	sock1 := newFakeSocket()
	s := &script{entries: []scriptEntry{
		{sock: sock1},
		{err: errors.New("down")},
		{err: errors.New("down")},
	}}
	cfg := testConfig()
	cfg.ReconnectMaxAttempts = 2
	c := NewClient(cfg, s.dial)
	defer c.Shutdown()
	snapshot, _ := collect(c)

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sock1.Close()

	ev := waitForEvent(t, snapshot, func(ev Event) bool { return ev.Kind == EventError })
	if ev.ErrKind != ErrKindMaxReconnect {
		t.Errorf("ErrKind = %q, want %q", ev.ErrKind, ErrKindMaxReconnect)
	}
	if !ev.ErrKind.Fatal() {
		t.Error("max-reconnect error should be fatal")
	}
}

func TestAuthRejectionStopsReconnecting(t *testing.T) {
	sock1 := newFakeSocket()
	s := &script{entries: []scriptEntry{
		{sock: sock1},
		{err: fmt.Errorf("%w: HTTP 401", ErrAuthRejected)},
	}}
	c := NewClient(testConfig(), s.dial)
	defer c.Shutdown()
	snapshot, _ := collect(c)

	if err := c.Connect(context.Background(), "sk-revoked"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sock1.Close()

	ev := waitForEvent(t, snapshot, func(ev Event) bool { return ev.Kind == EventError })
	if ev.ErrKind != ErrKindAuth {
		t.Errorf("ErrKind = %q, want %q", ev.ErrKind, ErrKindAuth)
	}

	s.mu.Lock()
	dials := s.dials
	s.mu.Unlock()
	if dials != 2 {
		t.Errorf("dials = %d, want 2 (no retry after auth rejection)", dials)
	}
}

func TestPartialThenFinal(t *testing.T) {
	sock := newFakeSocket()
	s := &script{entries: []scriptEntry{{sock: sock}}}
	c := NewClient(testConfig(), s.dial)
	defer c.Shutdown()
	snapshot, _ := collect(c)

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sock.push(t, `{"type":"conversation.item.input_audio_transcription.delta","delta":"hello"}`)
	waitForEvent(t, snapshot, func(ev Event) bool {
		return ev.Kind == EventPartial && ev.Text == "hello"
	})

	// Segment completed by server VAD before the turn ends: still a partial.
	sock.push(t, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"hello"}`)
	waitForEvent(t, snapshot, func(ev Event) bool {
		return ev.Kind == EventPartial && ev.Text == "hello"
	})

	c.EndTurn()
	sock.push(t, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"world","logprobs":[{"logprob":-0.1},{"logprob":-0.3}]}`)

	ev := waitForEvent(t, snapshot, func(ev Event) bool { return ev.Kind == EventFinal })
	if ev.Text != "hello world" {
		t.Errorf("final text = %q, want %q", ev.Text, "hello world")
	}
	if ev.Confidence == nil {
		t.Fatal("final confidence missing")
	}
	if *ev.Confidence <= 0 || *ev.Confidence > 1 {
		t.Errorf("confidence = %v, want in (0, 1]", *ev.Confidence)
	}
}

func TestEmptyCommitCompletesTurn(t *testing.T) {
	sock := newFakeSocket()
	s := &script{entries: []scriptEntry{{sock: sock}}}
	c := NewClient(testConfig(), s.dial)
	defer c.Shutdown()
	snapshot, _ := collect(c)

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sock.push(t, `{"type":"conversation.item.input_audio_transcription.completed","transcript":"already done"}`)
	c.EndTurn()
	sock.push(t, `{"type":"error","error":{"type":"invalid_request_error","code":"input_audio_buffer_commit_empty","message":"buffer is empty"}}`)

	ev := waitForEvent(t, snapshot, func(ev Event) bool { return ev.Kind == EventFinal })
	if ev.Text != "already done" {
		t.Errorf("final text = %q, want %q", ev.Text, "already done")
	}
}

func TestEndTurnIdempotent(t *testing.T) {
	sock := newFakeSocket()
	s := &script{entries: []scriptEntry{{sock: sock}}}
	c := NewClient(testConfig(), s.dial)
	defer c.Shutdown()

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.EndTurn()
	c.EndTurn()
	c.EndTurn()

	msgs := sock.waitSent(t, 3) // handshake + commit + response.create
	time.Sleep(10 * time.Millisecond)
	msgs = sock.sentMessages()
	if len(msgs) != 3 {
		t.Fatalf("sent %d messages, want 3", len(msgs))
	}
	if typ := msgType(t, msgs[1]); typ != msgAudioCommit {
		t.Errorf("second message = %q, want commit", typ)
	}
	if typ := msgType(t, msgs[2]); typ != msgResponseCreate {
		t.Errorf("third message = %q, want response.create", typ)
	}
}

func TestMalformedInboundDropped(t *testing.T) {
	sock := newFakeSocket()
	s := &script{entries: []scriptEntry{{sock: sock}}}
	c := NewClient(testConfig(), s.dial)
	defer c.Shutdown()
	snapshot, _ := collect(c)

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	sock.push(t, "}{ definitely not json")
	sock.push(t, `{"type":"something.unknown"}`)
	sock.push(t, `{"type":"conversation.item.input_audio_transcription.delta","delta":"ok"}`)

	waitForEvent(t, snapshot, func(ev Event) bool {
		return ev.Kind == EventPartial && ev.Text == "ok"
	})
	for _, ev := range snapshot() {
		if ev.Kind == EventError {
			t.Fatalf("malformed input produced error event: %v", ev.Err)
		}
	}
}

func TestHeartbeatFailureTriggersReconnect(t *testing.T) {
	sock1 := newFakeSocket()
	sock1.pingErr = errors.New("no pong")
	sock2 := newFakeSocket()
	s := &script{entries: []scriptEntry{
		{sock: sock1},
		{sock: sock2},
	}}
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.HeartbeatTimeout = 5 * time.Millisecond
	c := NewClient(cfg, s.dial)
	defer c.Shutdown()
	snapshot, _ := collect(c)

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	waitForEvent(t, snapshot, func(ev Event) bool {
		return ev.Kind == EventStatus && ev.Status == "reconnected"
	})
}

func TestShutdownClosesEvents(t *testing.T) {
	sock := newFakeSocket()
	s := &script{entries: []scriptEntry{{sock: sock}}}
	c := NewClient(testConfig(), s.dial)
	_, wg := collect(c)

	if err := c.Connect(context.Background(), "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Shutdown()
	c.Shutdown() // safe to call twice

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after Shutdown")
	}
}
