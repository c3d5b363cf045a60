// Package worker isolates the realtime protocol client on its own goroutine
// behind a typed directive channel, so socket I/O and JSON framing never run
// on the orchestrator's event loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"murmur/log"
	"murmur/realtime"
)

// EventKind discriminates host events.
type EventKind int

const (
	// EventProto wraps a protocol client event, re-emitted unchanged.
	EventProto EventKind = iota
	// EventExit reports that the worker stopped unexpectedly.
	EventExit
)

type Event struct {
	Kind  EventKind
	Proto realtime.Event
	Err   error
}

type directiveKind int

const (
	dirStartSession directiveKind = iota
	dirSendAudio
	dirEndSession
	dirStop
)

type directive struct {
	kind       directiveKind
	credential string
	frame      []byte
}

// ClientFactory builds a protocol client per session. Injected so tests can
// substitute a fake-dial client.
type ClientFactory func() *realtime.Client

const stopGrace = time.Second

var ErrNotRunning = errors.New("worker not running")

// Host owns the worker goroutine's lifecycle: spawn, message routing, and
// forced termination when a graceful stop overruns its grace period.
type Host struct {
	factory ClientFactory

	mu         sync.Mutex
	directives chan directive
	exited     chan struct{}
	running    bool
	client     *realtime.Client

	events chan Event
}

func NewHost(factory ClientFactory) *Host {
	return &Host{
		factory: factory,
		events:  make(chan Event, 64),
	}
}

// Events re-emits every protocol client event plus worker-exit notifications.
func (h *Host) Events() <-chan Event { return h.events }

// Stats reports the current session's transport counters. The counters
// survive client shutdown, so they stay readable after EndSession and Stop
// until the next session replaces the client.
func (h *Host) Stats() realtime.Stats {
	h.mu.Lock()
	c := h.client
	h.mu.Unlock()
	if c == nil {
		return realtime.Stats{}
	}
	return c.Stats()
}

// Start spawns the worker. Returns an error if it is already running.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return errors.New("worker already running")
	}
	h.directives = make(chan directive, 256)
	h.exited = make(chan struct{})
	h.running = true
	go h.run(h.directives, h.exited)
	return nil
}

// StartSession directs the worker to open a protocol session with the
// given credential.
func (h *Host) StartSession(credential string) error {
	return h.send(directive{kind: dirStartSession, credential: credential})
}

// SendAudio forwards one audio frame. Ownership of the slice transfers to
// the worker; the caller must not reuse the buffer. Never blocks unless the
// directive channel is full, which only happens if the worker is wedged.
func (h *Host) SendAudio(frame []byte) error {
	return h.send(directive{kind: dirSendAudio, frame: frame})
}

// EndSession signals end-of-turn for the active session.
func (h *Host) EndSession() error {
	return h.send(directive{kind: dirEndSession})
}

// Stop asks the worker to shut down gracefully, then abandons it after the
// grace period. Safe to call when not running.
func (h *Host) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	directives := h.directives
	exited := h.exited
	h.running = false
	h.mu.Unlock()

	select {
	case directives <- directive{kind: dirStop}:
	default:
		// Directive channel full; the worker is not draining. Fall through
		// to the grace wait, then abandon it.
	}

	select {
	case <-exited:
	case <-time.After(stopGrace):
		log.Warn("worker did not stop within grace period, abandoning")
	}
}

func (h *Host) send(d directive) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrNotRunning
	}
	directives := h.directives
	h.mu.Unlock()

	select {
	case directives <- d:
		return nil
	default:
		return errors.New("worker directive queue full")
	}
}

func (h *Host) run(directives chan directive, exited chan struct{}) {
	var client *realtime.Client
	var forward sync.WaitGroup
	graceful := false

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("worker panic: %v", r)
		}
		if client != nil {
			client.Shutdown()
		}
		forward.Wait()
		close(exited)
		if !graceful {
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			h.events <- Event{Kind: EventExit, Err: errors.New("worker exited unexpectedly")}
		}
	}()

	for d := range directives {
		switch d.kind {
		case dirStartSession:
			if client != nil {
				client.Shutdown()
				forward.Wait()
			}
			client = h.factory()
			h.mu.Lock()
			h.client = client
			h.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := client.Connect(ctx, d.credential)
			cancel()
			if err != nil {
				kind := realtime.ErrKindTransport
				if errors.Is(err, realtime.ErrAuthRejected) {
					kind = realtime.ErrKindAuth
				}
				h.events <- Event{Kind: EventProto, Proto: realtime.Event{
					Kind:    realtime.EventError,
					ErrKind: kind,
					Err:     fmt.Errorf("session start: %w", err),
				}}
				client.Shutdown()
				client = nil
				continue
			}
			forward.Add(1)
			go func(c *realtime.Client) {
				defer forward.Done()
				for ev := range c.Events() {
					h.events <- Event{Kind: EventProto, Proto: ev}
				}
			}(client)

		case dirSendAudio:
			if client != nil {
				client.AppendAudio(d.frame)
			}

		case dirEndSession:
			if client != nil {
				client.EndTurn()
			}

		case dirStop:
			graceful = true
			return
		}
	}
}
