// Package latency tracks per-session timing against fixed budgets.
package latency

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur/log"
)

// Budgets. Clipboard covers recording-stop to verified clipboard write,
// STT covers recording-stop to the final transcript.
const (
	DefaultClipboardBudget = 500 * time.Millisecond
	DefaultSTTBudget       = 2 * time.Second
)

const historyLimit = 100

func msf(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// Record is the timing summary of one completed session.
type Record struct {
	SessionID      string
	StartedAt      time.Time
	RecordingStart time.Time
	RecordingStop  time.Time
	Recording      time.Duration // RecordingStop - RecordingStart
	STT            time.Duration // final transcript - RecordingStop
	Clipboard      time.Duration // verified clipboard write, as measured
	Total          time.Duration // clipboard verified - RecordingStop
	EndToEnd       time.Duration // session end - session start
	Retries        int
	Reconnects     int
	FramesSent     int
}

// Archiver persists completed records. Implementations must not block
// for long; EndSession calls it inline.
type Archiver interface {
	Archive(Record) error
}

// Monitor measures one session at a time and keeps a bounded history.
type Monitor struct {
	clipboardBudget time.Duration
	sttBudget       time.Duration
	now             func() time.Time
	onWarning       func(kind string, observed, budget time.Duration)
	archiver        Archiver

	mu      sync.Mutex
	cur     *Record
	history []Record
}

type Option func(*Monitor)

// WithClock overrides the time source. Tests use this.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithWarning installs a callback fired when a budget is exceeded.
func WithWarning(fn func(kind string, observed, budget time.Duration)) Option {
	return func(m *Monitor) { m.onWarning = fn }
}

// WithArchiver persists each completed record.
func WithArchiver(a Archiver) Option {
	return func(m *Monitor) { m.archiver = a }
}

// WithBudgets overrides the default clipboard and STT budgets.
func WithBudgets(clipboard, stt time.Duration) Option {
	return func(m *Monitor) {
		if clipboard > 0 {
			m.clipboardBudget = clipboard
		}
		if stt > 0 {
			m.sttBudget = stt
		}
	}
}

func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		clipboardBudget: DefaultClipboardBudget,
		sttBudget:       DefaultSTTBudget,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StartSession begins a new measurement and returns its id. A session
// already in flight is discarded.
func (m *Monitor) StartSession() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.cur = &Record{
		SessionID: id,
		StartedAt: m.now(),
	}
	return id
}

// MarkRecordingStart notes the instant audio capture began.
func (m *Monitor) MarkRecordingStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return
	}
	m.cur.RecordingStart = m.now()
}

// MarkRecordingStop notes the instant capture stopped. This is the zero
// point for the STT and total budgets.
func (m *Monitor) MarkRecordingStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return
	}
	m.cur.RecordingStop = m.now()
	if !m.cur.RecordingStart.IsZero() {
		m.cur.Recording = m.cur.RecordingStop.Sub(m.cur.RecordingStart)
	}
}

// MarkFinalTranscript notes arrival of the final transcript and checks
// the STT budget.
func (m *Monitor) MarkFinalTranscript() {
	m.mu.Lock()
	if m.cur == nil || m.cur.RecordingStop.IsZero() {
		m.mu.Unlock()
		return
	}
	m.cur.STT = m.now().Sub(m.cur.RecordingStop)
	observed, budget := m.cur.STT, m.sttBudget
	warn := m.onWarning
	m.mu.Unlock()

	if observed > budget {
		log.LatencyWarning("stt", msf(observed), msf(budget))
		if warn != nil {
			warn("stt", observed, budget)
		}
	}
}

// RecordClipboardLatency takes the measured clipboard write duration,
// derives the total (recording-stop to now) and checks the clipboard
// budget against the total.
func (m *Monitor) RecordClipboardLatency(d time.Duration) {
	m.mu.Lock()
	if m.cur == nil {
		m.mu.Unlock()
		return
	}
	m.cur.Clipboard = d
	if !m.cur.RecordingStop.IsZero() {
		m.cur.Total = m.now().Sub(m.cur.RecordingStop)
	}
	observed, budget := m.cur.Total, m.clipboardBudget
	warn := m.onWarning
	m.mu.Unlock()

	if observed > budget {
		log.LatencyWarning("clipboard", msf(observed), msf(budget))
		if warn != nil {
			warn("clipboard", observed, budget)
		}
	}
}

// AddRetry bumps the session retry counter.
func (m *Monitor) AddRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.cur.Retries++
	}
}

// SetTransport copies transport counters into the current record.
func (m *Monitor) SetTransport(framesSent, reconnects int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil {
		m.cur.FramesSent = framesSent
		m.cur.Reconnects = reconnects
	}
}

// EndSession finalizes the record, appends it to history and returns
// it. Returns the zero Record when no session is in flight.
func (m *Monitor) EndSession() Record {
	m.mu.Lock()
	if m.cur == nil {
		m.mu.Unlock()
		return Record{}
	}
	rec := *m.cur
	rec.EndToEnd = m.now().Sub(rec.StartedAt)
	m.cur = nil
	m.history = append(m.history, rec)
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
	archiver := m.archiver
	m.mu.Unlock()

	log.Session(log.SessionMetrics{
		SessionID:   rec.SessionID,
		RecordingS:  rec.Recording.Seconds(),
		STTMs:       msf(rec.STT),
		ClipboardMs: msf(rec.Clipboard),
		TotalMs:     msf(rec.Total),
		EndToEndMs:  msf(rec.EndToEnd),
		Retries:     rec.Retries,
		FramesSent:  rec.FramesSent,
		Reconnects:  rec.Reconnects,
	})
	if archiver != nil {
		if err := archiver.Archive(rec); err != nil {
			log.Warnf("archive session record: %v", err)
		}
	}
	return rec
}

// Abandon drops the in-flight session without recording it.
func (m *Monitor) Abandon() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cur = nil
}

// History returns a copy of the retained records, oldest first.
func (m *Monitor) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}
