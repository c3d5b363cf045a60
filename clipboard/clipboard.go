// Package clipboard writes transcripts to the system clipboard and
// verifies the write by reading it back.
package clipboard

import (
	"errors"
	"fmt"
	"strings"
	"time"

	cb "github.com/atotto/clipboard"
)

// ErrEmptyText is returned when the text is empty or whitespace only.
// Nothing is written in that case.
var ErrEmptyText = errors.New("clipboard: empty text")

// Board is the system clipboard.
type Board interface {
	Write(text string) error
	Read() (string, error)
}

// SystemBoard is the real clipboard.
type SystemBoard struct{}

func (SystemBoard) Write(text string) error { return cb.WriteAll(text) }

func (SystemBoard) Read() (string, error) { return cb.ReadAll() }

// Verifier copies text and confirms the clipboard actually holds it.
type Verifier struct {
	board Board
	now   func() time.Time
}

func NewVerifier(board Board) *Verifier {
	if board == nil {
		board = SystemBoard{}
	}
	return &Verifier{board: board, now: time.Now}
}

// CopyAndVerify writes text, reads it back and compares. The returned
// duration covers the write and the read-back.
func (v *Verifier) CopyAndVerify(text string) (time.Duration, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyText
	}

	start := v.now()
	if err := v.board.Write(text); err != nil {
		return v.now().Sub(start), fmt.Errorf("clipboard write: %w", err)
	}
	got, err := v.board.Read()
	elapsed := v.now().Sub(start)
	if err != nil {
		return elapsed, fmt.Errorf("clipboard read-back: %w", err)
	}
	if got != text {
		return elapsed, fmt.Errorf("clipboard verify: content mismatch (wrote %d bytes, read %d)", len(text), len(got))
	}
	return elapsed, nil
}
