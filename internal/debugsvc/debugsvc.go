// Package debugsvc is the debug subsystem: debugger clients connect to a unix
// socket and receive heap views and session control messages as JSON lines.
package debugsvc

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/benaskins/verifyd/internal/engine"
)

const writeTimeout = time.Second

// Message types sent to debugger clients.
const (
	MsgHeap = "heap"
	MsgStop = "stop"
)

// Message is one line on the debugger socket.
type Message struct {
	Type        string       `json:"type"`
	URI         string       `json:"uri,omitempty"`
	ClientIndex int          `json:"clientIndex,omitempty"`
	Step        *engine.Step `json:"step,omitempty"`
}

// Server broadcasts to connected debugger clients.
type Server struct {
	path   string
	logger *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	clients   map[net.Conn]struct{}
	debugging bool
}

// New creates a server that will listen on the unix socket at path.
func New(path string, logger *slog.Logger) *Server {
	return &Server{
		path:    path,
		logger:  logger.With("component", "debug"),
		clients: make(map[net.Conn]struct{}),
	}
}

// Start begins accepting debugger clients. Calling Start on a running server
// does nothing.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	// A socket left by a crashed verifyd would make Listen fail
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale debug socket: %w", err)
	}
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listening on debug socket: %w", err)
	}
	s.ln = ln
	s.logger.Info("debug server listening", "socket", s.path)
	go s.accept(ln)
	return nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

func (s *Server) accept(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.clients[conn] = struct{}{}
		n := len(s.clients)
		s.mu.Unlock()
		s.logger.Debug("debugger connected", "clients", n)
		go s.drain(conn)
	}
}

// drain reads until the client goes away. Clients have nothing to say yet.
func (s *Server) drain(conn net.Conn) {
	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	s.drop(conn)
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	_, ok := s.clients[conn]
	delete(s.clients, conn)
	s.mu.Unlock()
	if ok {
		conn.Close()
		s.logger.Debug("debugger disconnected")
	}
}

// Clients returns the number of connected debuggers.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Debugging reports whether a heap view has been shown since the last stop.
func (s *Server) Debugging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.debugging
}

// ShowHeap sends the heap of one trace step to every debugger.
func (s *Server) ShowHeap(uri string, index int, step engine.Step) error {
	s.mu.Lock()
	s.debugging = true
	s.mu.Unlock()
	return s.broadcast(Message{Type: MsgHeap, URI: uri, ClientIndex: index, Step: &step})
}

// StopDebugging ends the debug session. Clients stay connected.
func (s *Server) StopDebugging() {
	s.mu.Lock()
	was := s.debugging
	s.debugging = false
	s.mu.Unlock()
	if !was {
		return
	}
	s.logger.Info("debugging stopped")
	if err := s.broadcast(Message{Type: MsgStop}); err != nil {
		s.logger.Warn("notifying debuggers", "error", err)
	}
}

func (s *Server) broadcast(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", msg.Type, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var failed int
	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.Write(data); err != nil {
			failed++
			s.drop(c)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d debuggers unreachable", failed, len(conns))
	}
	return nil
}

// Close disconnects every client and removes the socket.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	conns := s.clients
	s.clients = make(map[net.Conn]struct{})
	s.mu.Unlock()

	for c := range conns {
		c.Close()
	}
	if ln == nil {
		return nil
	}
	err := ln.Close()
	os.Remove(s.path)
	return err
}
