package clipboard

import (
	"errors"
	"strings"
	"testing"
)

type fakeBoard struct {
	content  string
	writeErr error
	readErr  error
	writes   int

	// mangle corrupts the stored content after write, simulating
	// another process racing on the clipboard.
	mangle func(string) string
}

func (f *fakeBoard) Write(text string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes++
	f.content = text
	if f.mangle != nil {
		f.content = f.mangle(text)
	}
	return nil
}

func (f *fakeBoard) Read() (string, error) {
	if f.readErr != nil {
		return "", f.readErr
	}
	return f.content, nil
}

func TestCopyAndVerify(t *testing.T) {
	board := &fakeBoard{}
	v := NewVerifier(board)

	if _, err := v.CopyAndVerify("hello world"); err != nil {
		t.Fatalf("CopyAndVerify: %v", err)
	}
	if board.content != "hello world" {
		t.Errorf("clipboard holds %q", board.content)
	}
}

func TestLongTranscript(t *testing.T) {
	board := &fakeBoard{}
	v := NewVerifier(board)

	text := strings.Repeat("lorem ipsum dolor sit amet ", 200) // ~1000 words
	if _, err := v.CopyAndVerify(text); err != nil {
		t.Fatalf("CopyAndVerify: %v", err)
	}
	if board.content != text {
		t.Error("long transcript not written intact")
	}
}

func TestEmptyTextSkipsWrite(t *testing.T) {
	board := &fakeBoard{content: "previous"}
	v := NewVerifier(board)

	for _, text := range []string{"", "   ", "\n\t "} {
		if _, err := v.CopyAndVerify(text); !errors.Is(err, ErrEmptyText) {
			t.Errorf("CopyAndVerify(%q) = %v, want ErrEmptyText", text, err)
		}
	}
	if board.writes != 0 {
		t.Errorf("%d writes, want 0", board.writes)
	}
	if board.content != "previous" {
		t.Error("existing clipboard content clobbered")
	}
}

func TestWriteError(t *testing.T) {
	v := NewVerifier(&fakeBoard{writeErr: errors.New("no display")})
	if _, err := v.CopyAndVerify("text"); err == nil {
		t.Fatal("want error on write failure")
	}
}

func TestReadBackError(t *testing.T) {
	v := NewVerifier(&fakeBoard{readErr: errors.New("no display")})
	if _, err := v.CopyAndVerify("text"); err == nil {
		t.Fatal("want error on read-back failure")
	}
}

func TestMismatchDetected(t *testing.T) {
	board := &fakeBoard{mangle: func(s string) string { return s + "!" }}
	v := NewVerifier(board)
	if _, err := v.CopyAndVerify("text"); err == nil {
		t.Fatal("want error on content mismatch")
	}
}

func TestNilBoardUsesSystem(t *testing.T) {
	if v := NewVerifier(nil); v.board == nil {
		t.Fatal("nil board not defaulted")
	}
}
