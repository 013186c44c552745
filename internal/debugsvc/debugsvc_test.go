package debugsvc

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/benaskins/verifyd/internal/engine"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "d.sock"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func connect(t *testing.T, s *Server) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("unix", s.Path())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return s.Clients() > 0 })
	return conn, bufio.NewScanner(conn)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn net.Conn, sc *bufio.Scanner) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if !sc.Scan() {
		t.Fatalf("no message: %v", sc.Err())
	}
	var m Message
	if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", sc.Text(), err)
	}
	return m
}

func TestShowHeapReachesDebugger(t *testing.T) {
	s := startServer(t)
	conn, sc := connect(t, s)

	step := engine.Step{Index: 2, Position: "4:5", Heap: json.RawMessage(`{"chunks":[]}`)}
	if err := s.ShowHeap("file:///ws/a.vpr", 2, step); err != nil {
		t.Fatal(err)
	}

	m := readMessage(t, conn, sc)
	if m.Type != MsgHeap || m.URI != "file:///ws/a.vpr" || m.ClientIndex != 2 {
		t.Errorf("unexpected message %+v", m)
	}
	if m.Step == nil || m.Step.Position != "4:5" {
		t.Errorf("step not forwarded: %+v", m.Step)
	}
	if !s.Debugging() {
		t.Error("expected debugging after a heap view")
	}
}

func TestStopDebugging(t *testing.T) {
	s := startServer(t)
	conn, sc := connect(t, s)

	// Nothing to stop: no message sent
	s.StopDebugging()

	s.ShowHeap("file:///ws/a.vpr", 0, engine.Step{})
	readMessage(t, conn, sc)

	s.StopDebugging()
	if m := readMessage(t, conn, sc); m.Type != MsgStop {
		t.Errorf("expected stop, got %+v", m)
	}
	if s.Debugging() {
		t.Error("still debugging after stop")
	}
	if s.Clients() != 1 {
		t.Errorf("client should stay connected, have %d", s.Clients())
	}
}

func TestClientDisconnectIsDropped(t *testing.T) {
	s := startServer(t)
	conn, _ := connect(t, s)
	conn.Close()
	waitFor(t, func() bool { return s.Clients() == 0 })

	if err := s.ShowHeap("file:///ws/a.vpr", 0, engine.Step{}); err != nil {
		t.Errorf("no clients is not an error, got %v", err)
	}
}

func TestStartIsIdempotentAndReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.sock")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A leftover socket file from an earlier process
	stale, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()

	s := New(path, logger)
	if err := s.Start(); err != nil {
		t.Fatalf("start over stale socket: %v", err)
	}
	defer s.Close()
	if err := s.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
}
