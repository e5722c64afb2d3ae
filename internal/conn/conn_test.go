package conn

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// harness adopts one end of an in-memory pipe and collects callbacks.
type harness struct {
	c      *Conn
	remote net.Conn
	msgs   chan string
	errs   chan error
}

func newHarness(t *testing.T, sep byte) *harness {
	t.Helper()

	local, remote := net.Pipe()
	h := &harness{
		remote: remote,
		msgs:   make(chan string, 64),
		errs:   make(chan error, 4),
	}
	h.c = New(&Opts{
		Separator: sep,
		KeepAlive: true,
		Callbacks: Callbacks{
			OnMessage: func(msg []byte) { h.msgs <- string(msg) },
			OnError:   func(_ ErrorKind, err error) { h.errs <- err },
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		h.c.Close()
		remote.Close()
	})
	h.c.Adopt(ctx, local)
	return h
}

func (h *harness) wantMsg(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-h.msgs:
		if got != want {
			t.Errorf("message = %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message %q", want)
	}
}

func TestFramingSplitsMessages(t *testing.T) {
	h := newHarness(t, '|')

	// Two whole messages and a fragment in one segment; the fragment
	// completes in the next.
	go h.remote.Write([]byte("$Hello there|$Key abc|$My"))
	h.wantMsg(t, "$Hello there")
	h.wantMsg(t, "$Key abc")

	go h.remote.Write([]byte("Nick bob|"))
	h.wantMsg(t, "$MyNick bob")
}

func TestSendAppendsTerminator(t *testing.T) {
	h := newHarness(t, '\n')

	h.c.Send([]byte("CSUP ADBASE"))

	buf := make([]byte, 64)
	h.remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := h.remote.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(buf[:n]); got != "CSUP ADBASE\n" {
		t.Errorf("wire bytes = %q", got)
	}
}

func TestReceiveRawDivertsFraming(t *testing.T) {
	local, remote := net.Pipe()
	msgs := make(chan string, 16)
	rawDone := make(chan string, 1)

	var (
		c   *Conn
		got []byte
	)
	// The owner flips to raw mode from the message callback, exactly as
	// a session does when it sees the transfer announcement.
	c = New(&Opts{
		Separator: '|',
		KeepAlive: true,
		Callbacks: Callbacks{
			OnMessage: func(msg []byte) {
				msgs <- string(msg)
				if string(msg) == "SND" {
					c.ReceiveRaw(5, func(chunk []byte) {
						got = append(got, chunk...)
						if len(got) == 5 {
							rawDone <- string(got)
						}
					})
				}
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		c.Close()
		remote.Close()
	})
	c.Adopt(ctx, local)

	go remote.Write([]byte("SND|abcde$Next|"))

	if m := <-msgs; m != "SND" {
		t.Fatalf("first message = %q", m)
	}
	select {
	case payload := <-rawDone:
		if payload != "abcde" {
			t.Errorf("raw payload = %q, want %q", payload, "abcde")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raw bytes never arrived")
	}

	// Framing resumes after the raw range.
	select {
	case m := <-msgs:
		if m != "$Next" {
			t.Errorf("post-raw message = %q, want %q", m, "$Next")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("framing did not resume after raw mode")
	}
}

func TestOversizeMessageFails(t *testing.T) {
	h := newHarness(t, '|')

	big := make([]byte, maxMessageSize+2)
	for i := range big {
		big[i] = 'a'
	}
	go h.remote.Write(big)

	select {
	case <-h.errs:
	case <-time.After(5 * time.Second):
		t.Fatal("oversized unterminated message did not error")
	}
}

func TestSendFileStreamsContents(t *testing.T) {
	h := newHarness(t, '|')

	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.c.Send([]byte("SND"))
	if err := h.c.SendFile(path, 2, 5); err != nil {
		t.Fatal(err)
	}

	want := "SND|23456"
	buf := make([]byte, len(want))
	h.remote.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := ""
	for len(got) < len(want) {
		n, err := h.remote.Read(buf)
		if err != nil {
			t.Fatalf("read after %q: %v", got, err)
		}
		got += string(buf[:n])
	}
	if got != want {
		t.Errorf("stream = %q, want %q", got, want)
	}
}

func TestRateCountersAdvance(t *testing.T) {
	h := newHarness(t, '|')

	go h.remote.Write([]byte("0123456789|"))
	h.wantMsg(t, "0123456789")

	if h.c.In.Total() != 11 {
		t.Errorf("In.Total() = %d, want 11", h.c.In.Total())
	}
}
