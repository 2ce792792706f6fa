package transport

import (
	"errors"
	"io"
	"testing"
)

func TestWriteFull(t *testing.T) {
	var got []byte
	twoAtATime := func(p []byte) (int, error) {
		n := min(2, len(p))
		got = append(got, p[:n]...)

		return n, nil
	}
	if err := writeFull(twoAtATime, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected bytes: %q", got)
	}

	calls := 0
	stuck := func([]byte) (int, error) {
		calls++

		return 0, nil
	}
	if err := writeFull(stuck, []byte{0x7E}); !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("expected short write, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}

	broken := errors.New("port gone")
	failing := func([]byte) (int, error) { return 0, broken }
	if err := writeFull(failing, []byte{0x7E}); !errors.Is(err, broken) {
		t.Fatalf("expected write error, got %v", err)
	}
}
