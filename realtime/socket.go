package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// ErrAuthRejected marks a credential the provider refused. Non-retryable.
var ErrAuthRejected = errors.New("credential rejected by provider")

// Socket is the minimal transport surface the client needs. The production
// implementation wraps a websocket connection; tests substitute a scripted
// fake through DialFunc.
type Socket interface {
	Send(ctx context.Context, data []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a Socket to the provider endpoint with the given credential.
type DialFunc func(ctx context.Context, endpoint, credential string) (Socket, error)

// Dial is the production DialFunc.
func Dial(ctx context.Context, endpoint, credential string) (Socket, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+credential)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	return &wsSocket{conn: conn}, nil
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
