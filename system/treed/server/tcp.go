package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/signadot/livetree/ir"
)

// TCPListener manages TCP connections speaking JSON lines: one command
// per line in, one message per line out.
type TCPListener struct {
	listener net.Listener
	server   *Server

	sessions   *sessionSet
	sessionSeq atomic.Int64

	// Shutdown
	closed atomic.Bool
}

// NewTCPListener creates a new TCP listener.
func NewTCPListener(addr string, server *Server) (*TCPListener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return &TCPListener{
		listener: listener,
		server:   server,
		sessions: newSessionSet(),
	}, nil
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections and creates sessions.
// Blocks until Close is called or an error occurs.
func (l *TCPListener) Serve() error {
	log := l.server.Spec.Log
	log.Info("TCP listener started", "addr", l.listener.Addr().String())

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() {
				return nil // Normal shutdown
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Error("accept error", "error", err)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}

		seq := l.sessionSeq.Add(1)
		id := fmt.Sprintf("tcp-%d", seq)
		log.Debug("new TCP connection", "session", id, "remote", conn.RemoteAddr().String())

		session := NewSession(id, newLineConn(conn), l.server.sessionConfig(ir.Root()))
		l.sessions.start(session, log)
	}
}

// Close shuts down the listener and all sessions.
func (l *TCPListener) Close() error {
	if l.closed.Swap(true) {
		return nil // Already closed
	}

	// Close listener to stop accepting new connections
	if err := l.listener.Close(); err != nil {
		l.server.Spec.Log.Error("error closing listener", "error", err)
	}

	l.sessions.closeAll()

	l.server.Spec.Log.Info("TCP listener stopped")
	return nil
}

// SessionCount returns the number of active sessions.
func (l *TCPListener) SessionCount() int {
	return l.sessions.count()
}

// lineConn frames messages as newline terminated lines.
type lineConn struct {
	conn net.Conn
	r    *bufio.Reader
}

func newLineConn(conn net.Conn) *lineConn {
	return &lineConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *lineConn) ReadMessage() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) != 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *lineConn) WriteMessage(data []byte) error {
	_, err := c.conn.Write(append(data, '\n'))
	return err
}

func (c *lineConn) Close() error {
	return c.conn.Close()
}

// sessionSet tracks running sessions so they can be closed together.
type sessionSet struct {
	mu sync.RWMutex
	m  map[string]*Session
	wg sync.WaitGroup
}

func newSessionSet() *sessionSet {
	return &sessionSet{m: make(map[string]*Session)}
}

// start runs s in the background.
func (ss *sessionSet) start(s *Session, log *slog.Logger) {
	ss.wg.Go(func() {
		ss.run(s, log)
	})
}

// run runs s in the caller's goroutine.
func (ss *sessionSet) run(s *Session, log *slog.Logger) {
	ss.mu.Lock()
	ss.m[s.ID] = s
	ss.mu.Unlock()

	if err := s.Run(); err != nil && err != io.EOF {
		log.Error("session error", "session", s.ID, "error", err)
	}

	ss.mu.Lock()
	delete(ss.m, s.ID)
	ss.mu.Unlock()
	log.Debug("session ended", "session", s.ID)
}

func (ss *sessionSet) closeAll() {
	ss.mu.RLock()
	for _, s := range ss.m {
		s.Close()
	}
	ss.mu.RUnlock()
	ss.wg.Wait()
}

func (ss *sessionSet) count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.m)
}
