package realtime

// EventKind discriminates the closed set of events a Client emits.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventStatus
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventStatus:
		return "status"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind classifies error events for the orchestrator's retry policy.
type ErrorKind string

const (
	ErrKindTransport    ErrorKind = "transport"
	ErrKindAuth         ErrorKind = "auth"
	ErrKindProvider     ErrorKind = "provider"
	ErrKindMaxReconnect ErrorKind = "max-reconnect-exceeded"
)

// Fatal reports whether the error kind is non-retryable at the client level.
func (k ErrorKind) Fatal() bool {
	return k == ErrKindAuth || k == ErrKindMaxReconnect
}

// Event is one transcript, status, or error emission from the Client.
// Text carries the accumulated transcript for partial and final events.
// Confidence is set only on final events, and only when the provider
// reported log-probabilities.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence *float64
	Status     string
	ErrKind    ErrorKind
	Err        error
}
