// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// maxFrameSize bounds one JSON line; step results with large measurement
// maps fit comfortably.
const maxFrameSize = 4 << 20

// DefaultCommandTimeout applies when Send is called with a zero timeout.
const DefaultCommandTimeout = 10 * time.Second

// EventHandler receives every event frame published by any worker. Handlers
// run on the per-connection read loop, so events from one worker are
// delivered in the order sent.
type EventHandler func(msg *Message)

// DisconnectHandler is notified when a registered worker connection drops.
type DisconnectHandler func(batchID string)

// ServerConfig configures the IPC server.
type ServerConfig struct {
	// Addr is the listen address. Default 127.0.0.1:0 (ephemeral port).
	Addr string

	// Logger is the structured logger. Default slog.Default().
	Logger *slog.Logger
}

// Server is the master-side IPC endpoint. Workers dial in, register with a
// hello frame, and are then addressable by batch id.
type Server struct {
	logger *slog.Logger

	mu       sync.RWMutex
	listener net.Listener
	workers  map[string]*workerConn
	pending  map[string]chan *Message
	closed   bool

	onEvent      EventHandler
	onDisconnect DisconnectHandler
}

type workerConn struct {
	batchID string
	conn    net.Conn

	writeMu sync.Mutex
}

func (w *workerConn) writeMessage(m *Message) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err = w.conn.Write(append(data, '\n'))
	return err
}

// NewServer creates an IPC server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger:  logger,
		workers: make(map[string]*workerConn),
		pending: make(map[string]chan *Message),
	}
}

// OnEvent sets the event fan-in handler. Must be set before Start.
func (s *Server) OnEvent(h EventHandler) { s.onEvent = h }

// OnDisconnect sets the disconnect notification handler. Must be set before
// Start.
func (s *Server) OnDisconnect(h DisconnectHandler) { s.onDisconnect = h }

// Start binds the listener and begins accepting worker connections. Returns
// the bound address (useful with an ephemeral port).
func (s *Server) Start(ctx context.Context, addr string) (string, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrServerClosed
	}
	if s.listener != nil {
		return s.listener.Addr().String(), nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("ipc listen on %s: %w", addr, err)
	}
	s.listener = ln

	go s.acceptLoop(ctx)

	s.logger.Info("ipc server listening", slog.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed || ctx.Err() != nil {
				return
			}
			s.logger.Warn("ipc accept failed", slog.Any("error", err))
			continue
		}
		go s.serveConn(ctx, conn)
	}
}

// serveConn handles one worker connection: hello registration followed by
// response and event frames.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	// First frame must be a hello.
	if !scanner.Scan() {
		return
	}
	hello, err := ParseMessage(scanner.Bytes())
	if err != nil || hello.Type != MessageTypeHello {
		s.logger.Warn("ipc connection rejected: expected hello frame", slog.Any("error", err))
		return
	}

	wc := &workerConn{batchID: hello.BatchID, conn: conn}
	s.register(wc)
	defer s.unregister(wc)

	s.logger.Info("worker registered", slog.String("batch_id", wc.batchID))

	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			s.logger.Warn("ipc frame dropped",
				slog.String("batch_id", wc.batchID), slog.Any("error", err))
			continue
		}
		switch msg.Type {
		case MessageTypeResponse:
			s.deliverResponse(msg)
		case MessageTypeEvent:
			if s.onEvent != nil {
				s.onEvent(msg)
			}
		default:
			s.logger.Warn("ipc unexpected frame from worker",
				slog.String("batch_id", wc.batchID), slog.String("type", string(msg.Type)))
		}
	}
}

func (s *Server) register(wc *workerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.workers[wc.batchID]; ok {
		// A restarted worker replaces a stale connection.
		prev.conn.Close()
	}
	s.workers[wc.batchID] = wc
}

func (s *Server) unregister(wc *workerConn) {
	s.mu.Lock()
	cur, ok := s.workers[wc.batchID]
	if ok && cur == wc {
		delete(s.workers, wc.batchID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("worker disconnected", slog.String("batch_id", wc.batchID))
		if s.onDisconnect != nil {
			s.onDisconnect(wc.batchID)
		}
	}
}

func (s *Server) deliverResponse(msg *Message) {
	s.mu.Lock()
	ch, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("ipc response with no pending request", slog.String("id", msg.ID))
		return
	}
	ch <- msg
}

// Connected reports whether a worker is registered for the batch.
func (s *Server) Connected(batchID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[batchID]
	return ok
}

// Send issues a command to the worker of the given batch and waits for the
// matching response. A zero timeout uses DefaultCommandTimeout. Fails fast
// with ErrWorkerNotConnected when no worker is registered.
func (s *Server) Send(ctx context.Context, batchID, command string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	wc, ok := s.workers[batchID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: batch %s", ErrWorkerNotConnected, batchID)
	}
	ch := make(chan *Message, 1)
	s.pending[req.ID] = ch
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}

	if err := wc.writeMessage(req); err != nil {
		cleanup()
		return nil, fmt.Errorf("ipc send %s to batch %s: %w", command, batchID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Status == "error" {
			code, msg := "INTERNAL", "unknown error"
			if resp.Error != nil {
				code, msg = resp.Error.Code, resp.Error.Message
			}
			return nil, &CommandError{Command: command, BatchID: batchID, Code: code, Message: msg}
		}
		return resp.Payload, nil
	case <-timer.C:
		cleanup()
		return nil, fmt.Errorf("ipc command %s to batch %s timed out after %s", command, batchID, timeout)
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// Close shuts the listener and every worker connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	conns := make([]*workerConn, 0, len(s.workers))
	for _, wc := range s.workers {
		conns = append(conns, wc)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, wc := range conns {
		wc.conn.Close()
	}
	return err
}

// CommandError is an error response from a worker, preserving the worker's
// error code for API translation.
type CommandError struct {
	Command string
	BatchID string
	Code    string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s to batch %s failed: %s (%s)", e.Command, e.BatchID, e.Message, e.Code)
}
