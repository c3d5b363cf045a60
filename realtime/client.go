package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"murmur/log"
)

// ConnState tracks the socket lifecycle. Owned exclusively by the Client;
// callers observe it through events and Stats.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

var ErrMalformedHandshake = errors.New("malformed handshake response")

type Config struct {
	Endpoint string
	Model    string
	Language string

	VADThreshold         float64
	VADPrefixPaddingMs   int
	VADSilenceDurationMs int
	NoiseReduction       string

	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectBase        time.Duration
	ReconnectGrowth      float64
	ReconnectCap         time.Duration
	ReconnectMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.ReconnectBase == 0 {
		c.ReconnectBase = 100 * time.Millisecond
	}
	if c.ReconnectGrowth == 0 {
		c.ReconnectGrowth = 1.6
	}
	if c.ReconnectCap == 0 {
		c.ReconnectCap = 25600 * time.Millisecond
	}
	if c.ReconnectMaxAttempts == 0 {
		c.ReconnectMaxAttempts = 5
	}
	return c
}

// ReconnectDelay returns the backoff before reconnect attempt n (0-based):
// min(base * growth^n, cap).
func ReconnectDelay(cfg Config, attempt int) time.Duration {
	d := time.Duration(float64(cfg.ReconnectBase) * math.Pow(cfg.ReconnectGrowth, float64(attempt)))
	if d > cfg.ReconnectCap {
		return cfg.ReconnectCap
	}
	return d
}

type Stats struct {
	FramesAppended int
	Reconnects     int
}

// Client maintains one realtime transcription session. Audio appended while
// the socket is down is queued and replayed in arrival order after the next
// successful reconnect; the session-configuration handshake is resent first.
type Client struct {
	cfg  Config
	dial DialFunc

	events chan Event

	mu          sync.Mutex
	cond        *sync.Cond
	sock        Socket
	state       ConnState
	credential  string
	queue       [][]byte // encoded outbound messages, FIFO
	attempts    int      // reconnect attempts since last successful open
	reconnects  int
	turnEnded   bool
	finalSent   bool
	committed   string
	partial     string
	frames      int
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient builds a client. A nil dial uses the production websocket dialer.
func NewClient(cfg Config, dial DialFunc) *Client {
	if dial == nil {
		dial = Dial
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg.withDefaults(),
		dial:   dial,
		events: make(chan Event, 64),
		ctx:    ctx,
		cancel: cancel,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Events delivers transcript, status, and error events in emission order.
// Closed by Shutdown.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{FramesAppended: c.frames, Reconnects: c.reconnects}
}

// Connect opens the socket and performs the session-configuration handshake.
// Initial connect failures are returned to the caller; only unexpected closes
// after a successful open trigger the reconnect path.
func (c *Client) Connect(ctx context.Context, credential string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client is shut down")
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return errors.New("already connected")
	}
	c.state = StateConnecting
	c.credential = credential
	c.mu.Unlock()

	sock, err := c.dialAndHandshake(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.sock = sock
	c.state = StateOpen
	c.cond.Broadcast()
	c.mu.Unlock()

	c.wg.Add(3)
	go c.readLoop(sock)
	go c.writeLoop()
	go c.heartbeatLoop()

	c.emit(Event{Kind: EventStatus, Status: "connected"})
	return nil
}

// AppendAudio enqueues one PCM16 frame. Safe to call while disconnected; the
// frame waits in the queue. Never blocks on the network.
func (c *Client) AppendAudio(frame []byte) {
	msg := encodeAudioAppend(frame)
	c.mu.Lock()
	if c.closed || c.turnEnded {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, msg)
	c.frames++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// EndTurn signals end-of-audio: commit the buffer and request the final
// transcription. Idempotent.
func (c *Client) EndTurn() {
	c.mu.Lock()
	if c.closed || c.turnEnded {
		c.mu.Unlock()
		return
	}
	c.turnEnded = true
	c.queue = append(c.queue, encodeBare(msgAudioCommit), encodeBare(msgResponseCreate))
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Shutdown closes the socket and releases all resources. Safe from any state;
// the events channel is closed once all internal goroutines have exited.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosing
	sock := c.sock
	c.sock = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	c.cancel()
	if sock != nil {
		sock.Close()
	}
	c.wg.Wait()
	close(c.events)
}

func (c *Client) dialAndHandshake(ctx context.Context) (Socket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	sock, err := c.dial(dialCtx, c.cfg.Endpoint, c.credential)
	if err != nil {
		return nil, err
	}
	if err := sock.Send(dialCtx, encodeSessionUpdate(c.cfg)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("handshake send: %w", err)
	}

	for {
		data, err := sock.Recv(dialCtx)
		if err != nil {
			sock.Close()
			return nil, fmt.Errorf("handshake recv: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sock.Close()
			return nil, ErrMalformedHandshake
		}
		switch msg.Type {
		case msgSessionCreated, msgSessionUpdated:
			return sock, nil
		case msgError:
			sock.Close()
			if msg.Error == nil {
				return nil, ErrMalformedHandshake
			}
			if isAuthCode(msg.Error.Code) {
				return nil, fmt.Errorf("%w: %s", ErrAuthRejected, msg.Error.Message)
			}
			return nil, fmt.Errorf("provider rejected session: %s: %s", msg.Error.Code, msg.Error.Message)
		default:
			// Unrelated traffic before the ack; keep reading.
		}
	}
}

func (c *Client) readLoop(sock Socket) {
	defer c.wg.Done()
	for {
		data, err := sock.Recv(c.ctx)
		if err != nil {
			c.connectionLost(sock, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) writeLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for !c.closed && (c.state != StateOpen || len(c.queue) == 0) {
			c.cond.Wait()
		}
		if c.closed {
			c.mu.Unlock()
			return
		}
		msg := c.queue[0]
		c.queue = c.queue[1:]
		sock := c.sock
		c.mu.Unlock()

		if err := sock.Send(c.ctx, msg); err != nil {
			// Put the unsent message back at the head so replay after
			// reconnect preserves arrival order.
			c.mu.Lock()
			c.queue = append([][]byte{msg}, c.queue...)
			c.mu.Unlock()
			c.connectionLost(sock, err)
		}
	}
}

func (c *Client) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		sock := c.sock
		open := c.state == StateOpen
		c.mu.Unlock()
		if !open {
			continue
		}

		pingCtx, cancel := context.WithTimeout(c.ctx, c.cfg.HeartbeatTimeout)
		err := sock.Ping(pingCtx)
		cancel()
		if err != nil {
			// Close proactively instead of waiting for the transport to
			// notice a dead peer.
			log.Warnf("heartbeat missed: %v", err)
			c.connectionLost(sock, fmt.Errorf("heartbeat: %w", err))
		}
	}
}

// connectionLost handles an unexpected close of the given socket. Both the
// read and write loops can report the same failure; only the first one for
// the current socket starts the reconnect loop.
func (c *Client) connectionLost(sock Socket, err error) {
	c.mu.Lock()
	if c.closed || c.sock != sock || c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.sock = nil
	c.cond.Broadcast()
	c.mu.Unlock()

	sock.Close()
	log.Warnf("connection lost: %v", err)
	c.emit(Event{Kind: EventStatus, Status: "reconnecting"})

	c.wg.Add(1)
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		attempt := c.attempts
		c.attempts++
		if c.attempts > c.cfg.ReconnectMaxAttempts {
			c.mu.Unlock()
			c.emit(Event{
				Kind:    EventError,
				ErrKind: ErrKindMaxReconnect,
				Err:     fmt.Errorf("gave up after %d reconnect attempts", c.cfg.ReconnectMaxAttempts),
			})
			return
		}
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			return
		case <-time.After(ReconnectDelay(c.cfg, attempt)):
		}

		sock, err := c.dialAndHandshake(c.ctx)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				c.emit(Event{Kind: EventError, ErrKind: ErrKindAuth, Err: err})
				return
			}
			log.Warnf("reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			sock.Close()
			return
		}
		c.sock = sock
		c.state = StateOpen
		c.attempts = 0
		c.reconnects++
		c.cond.Broadcast()
		c.mu.Unlock()

		c.wg.Add(1)
		go c.readLoop(sock)
		c.emit(Event{Kind: EventStatus, Status: "reconnected"})
		return
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warnf("dropping malformed provider message: %v", err)
		return
	}

	switch msg.Type {
	case msgTranscriptDelta:
		c.mu.Lock()
		c.partial += msg.Delta
		text := joinText(c.committed, strings.TrimSpace(c.partial))
		c.mu.Unlock()
		c.emit(Event{Kind: EventPartial, Text: text})

	case msgTranscriptDone:
		c.mu.Lock()
		c.partial = ""
		c.committed = joinText(c.committed, strings.TrimSpace(msg.Transcript))
		text := c.committed
		fire := c.turnEnded && !c.finalSent
		if fire {
			c.finalSent = true
		}
		c.mu.Unlock()
		if fire {
			c.emit(Event{Kind: EventFinal, Text: text, Confidence: confidence(msg.Logprobs)})
		} else {
			// Server VAD closed a segment mid-turn; surface it as a partial.
			c.emit(Event{Kind: EventPartial, Text: text})
		}

	case msgAudioCommitted:
		c.emit(Event{Kind: EventStatus, Status: "committed"})

	case msgSpeechStarted:
		c.emit(Event{Kind: EventStatus, Status: "speech-started"})

	case msgSpeechStopped:
		c.emit(Event{Kind: EventStatus, Status: "speech-stopped"})

	case msgSessionCreated, msgSessionUpdated:
		// Handshake acks arriving outside dialAndHandshake carry no news.

	case msgError:
		c.handleServerError(msg.Error)

	default:
		// Unknown message kinds are non-fatal; drop them.
	}
}

func (c *Client) handleServerError(e *serverError) {
	if e == nil {
		log.Warn("provider error without a body")
		return
	}
	if isAuthCode(e.Code) {
		c.emit(Event{Kind: EventError, ErrKind: ErrKindAuth, Err: fmt.Errorf("%w: %s", ErrAuthRejected, e.Message)})
		return
	}

	c.mu.Lock()
	emptyCommit := c.turnEnded && !c.finalSent && e.Code == "input_audio_buffer_commit_empty"
	var text string
	if emptyCommit {
		c.finalSent = true
		text = c.committed
	}
	c.mu.Unlock()

	if emptyCommit {
		// Server VAD already committed and transcribed everything before our
		// explicit commit; the turn is complete.
		c.emit(Event{Kind: EventFinal, Text: text})
		return
	}
	c.emit(Event{Kind: EventError, ErrKind: ErrKindProvider, Err: fmt.Errorf("%s: %s", e.Code, e.Message)})
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func joinText(committed, next string) string {
	switch {
	case next == "":
		return committed
	case committed == "":
		return next
	default:
		return committed + " " + next
	}
}

func isAuthCode(code string) bool {
	switch code {
	case "invalid_api_key", "invalid_authentication", "expired_api_key", "missing_api_key":
		return true
	}
	return false
}
