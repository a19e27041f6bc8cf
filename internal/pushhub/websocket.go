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

package pushhub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// WSSubscriber adapts a gorilla websocket connection to the Subscriber
// interface. Writes are serialized with a mutex; gorilla allows only one
// concurrent writer.
type WSSubscriber struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex
}

// NewWSSubscriber wraps an upgraded connection.
func NewWSSubscriber(conn *websocket.Conn) *WSSubscriber {
	return &WSSubscriber{id: uuid.NewString(), conn: conn}
}

// ID implements Subscriber.
func (s *WSSubscriber) ID() string { return s.id }

// Send implements Subscriber.
func (s *WSSubscriber) Send(frame Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(frame)
}

// Close closes the underlying connection.
func (s *WSSubscriber) Close() error { return s.conn.Close() }

// clientMessage is what push clients may send: subscription management.
type clientMessage struct {
	Type     string   `json:"type"`
	BatchIDs []string `json:"batch_ids"`
}

// ServeConn runs the read side of one push client: it registers the
// subscriber, processes subscribe/unsubscribe messages until the connection
// drops, and then disconnects it. Blocks for the connection lifetime.
func ServeConn(registry *Registry, conn *websocket.Conn, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	sub := NewWSSubscriber(conn)
	registry.Connect(sub)
	defer func() {
		registry.Disconnect(sub)
		sub.Close()
	}()

	logger.Debug("push client connected", slog.String("subscriber", sub.ID()))

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			// A decode failure consumes the bad message but leaves the
			// connection usable; the client gets an error frame and may
			// keep going. Anything else is a dead connection.
			if !isDecodeError(err) {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Warn("push client read error",
						slog.String("subscriber", sub.ID()), slog.Any("error", err))
				}
				return
			}
			sub.Send(Frame{Type: FrameError, Data: map[string]any{
				"code":    "INVALID_JSON",
				"message": err.Error(),
			}})
			continue
		}

		switch msg.Type {
		case "subscribe":
			registry.Subscribe(sub.ID(), msg.BatchIDs)
			sub.Send(Frame{Type: FrameSubscribed, Data: map[string]any{"batch_ids": msg.BatchIDs}})
		case "unsubscribe":
			registry.Unsubscribe(sub.ID(), msg.BatchIDs)
			sub.Send(Frame{Type: FrameUnsubscribed, Data: map[string]any{"batch_ids": msg.BatchIDs}})
		default:
			sub.Send(Frame{Type: FrameError, Data: map[string]any{
				"code":    "INVALID_JSON",
				"message": "unknown message type " + msg.Type,
			}})
		}
	}
}

// isDecodeError reports whether a ReadJSON failure came from the JSON
// decoder rather than the transport.
func isDecodeError(err error) bool {
	var syntax *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntax) || errors.As(err, &typeErr)
}
