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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// CommandHandler processes one command from the master and returns the
// response data or an error. Errors are translated into error responses;
// a *ResponseError preserves its code on the wire.
type CommandHandler func(ctx context.Context, command string, payload json.RawMessage) (any, error)

// ResponseError lets a handler attach a machine-readable code to an error
// response.
type ResponseError struct {
	Code    string
	Message string
}

func (e *ResponseError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Client is the worker-side IPC endpoint: it dials the master, registers
// with a hello frame, dispatches incoming commands to a handler, and
// publishes events.
type Client struct {
	batchID string
	logger  *slog.Logger
	handler CommandHandler

	conn    net.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	doneCh    chan struct{}
}

// Dial connects to the master's IPC server and registers the batch.
func Dial(addr, batchID string, handler CommandHandler, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc dial %s: %w", addr, err)
	}

	c := &Client{
		batchID: batchID,
		logger:  logger,
		handler: handler,
		conn:    conn,
		doneCh:  make(chan struct{}),
	}

	if err := c.writeMessage(NewHello(batchID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ipc hello: %w", err)
	}
	return c, nil
}

// Run reads command frames until the connection drops or ctx is done.
// Each command is dispatched on its own goroutine: the master matches
// responses by request id, so a slow command never delays a newer one.
// Response writes are serialized behind writeMu.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.doneCh)

	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-c.doneCh:
		}
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		msg, err := ParseMessage(scanner.Bytes())
		if err != nil {
			c.logger.Warn("ipc frame dropped", slog.Any("error", err))
			continue
		}
		if msg.Type != MessageTypeRequest {
			c.logger.Warn("ipc unexpected frame from master", slog.String("type", string(msg.Type)))
			continue
		}
		go c.dispatch(ctx, msg)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("ipc read: %w", err)
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, req *Message) {
	data, err := c.handle(ctx, req)

	var resp *Message
	if err != nil {
		code := "INTERNAL"
		msg := err.Error()
		var re *ResponseError
		if errors.As(err, &re) {
			code, msg = re.Code, re.Message
		}
		resp = NewErrorResponse(req.ID, code, msg)
	} else {
		resp, err = NewResponse(req.ID, data)
		if err != nil {
			resp = NewErrorResponse(req.ID, "INTERNAL", err.Error())
		}
	}

	if err := c.writeMessage(resp); err != nil {
		c.logger.Error("ipc response write failed",
			slog.String("command", req.Command), slog.Any("error", err))
	}
}

// handle invokes the command handler, recovering panics into error
// responses so a handler bug never kills the dispatch loop.
func (c *Client) handle(ctx context.Context, req *Message) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("ipc command handler panicked",
				slog.String("command", req.Command), slog.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if c.handler == nil {
		return nil, &ResponseError{Code: "UNSUPPORTED", Message: "no command handler"}
	}
	return c.handler(ctx, req.Command, req.Payload)
}

// PublishEvent sends an event frame tagged with the client's batch id.
func (c *Client) PublishEvent(event string, data any) error {
	msg, err := NewEvent(c.batchID, event, data)
	if err != nil {
		return err
	}
	return c.writeMessage(msg)
}

func (c *Client) writeMessage(m *Message) error {
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
