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

// Package ipc implements the master/worker transport: a newline-delimited
// JSON protocol over localhost TCP with a request/response command channel
// and a fan-in event channel. Workers identify themselves with a hello frame
// carrying their batch id; responses are matched to requests strictly by id.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidMessage is returned when a frame cannot be parsed.
	ErrInvalidMessage = errors.New("ipc: invalid message format")

	// ErrMissingID is returned when a frame lacks a message id.
	ErrMissingID = errors.New("ipc: missing message id")

	// ErrWorkerNotConnected is returned when a command targets a batch with
	// no registered worker connection.
	ErrWorkerNotConnected = errors.New("ipc: worker not connected")

	// ErrServerClosed is returned for operations on a closed server.
	ErrServerClosed = errors.New("ipc: server closed")
)

// MessageType identifies the frame kind.
type MessageType string

const (
	// MessageTypeHello registers a worker connection under its batch id.
	MessageTypeHello MessageType = "hello"

	// MessageTypeRequest is a command from master to worker.
	MessageTypeRequest MessageType = "request"

	// MessageTypeResponse answers a request, echoing its id.
	MessageTypeResponse MessageType = "response"

	// MessageTypeEvent is a worker-published event frame.
	MessageTypeEvent MessageType = "event"
)

// Command types sent from master to worker.
const (
	CommandStartSequence = "START_SEQUENCE"
	CommandStopSequence  = "STOP_SEQUENCE"
	CommandGetStatus     = "GET_STATUS"
	CommandManualControl = "MANUAL_CONTROL"
	CommandShutdown      = "SHUTDOWN"
	CommandPing          = "PING"
)

// Event types published by workers.
const (
	EventStepStart          = "STEP_START"
	EventStepComplete       = "STEP_COMPLETE"
	EventSequenceComplete   = "SEQUENCE_COMPLETE"
	EventStatusUpdate       = "STATUS_UPDATE"
	EventLog                = "LOG"
	EventError              = "ERROR"
	EventWIPProcessComplete = "WIP_PROCESS_COMPLETE"
)

// Message is the single frame structure for all four frame kinds.
type Message struct {
	// Type identifies the frame kind.
	Type MessageType `json:"type"`

	// ID links requests with responses. Events carry a fresh id.
	ID string `json:"id"`

	// BatchID tags hello and event frames with the worker's batch.
	BatchID string `json:"batch_id,omitempty"`

	// Command is the command type (request only).
	Command string `json:"command,omitempty"`

	// Event is the event type (event only).
	Event string `json:"event,omitempty"`

	// Payload carries command parameters, response data, or event data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Status is "ok" or "error" (response only).
	Status string `json:"status,omitempty"`

	// Error carries structured error information (error responses only).
	Error *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo is the structured error of an error response.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHello creates the registration frame a worker sends after dialing.
func NewHello(batchID string) *Message {
	return &Message{
		Type:    MessageTypeHello,
		ID:      uuid.NewString(),
		BatchID: batchID,
	}
}

// NewRequest creates a command frame with a generated id.
func NewRequest(command string, params any) (*Message, error) {
	payload, err := marshalPayload(params)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    MessageTypeRequest,
		ID:      uuid.NewString(),
		Command: command,
		Payload: payload,
	}, nil
}

// NewResponse creates an ok response echoing the request id.
func NewResponse(requestID string, data any) (*Message, error) {
	payload, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    MessageTypeResponse,
		ID:      requestID,
		Status:  "ok",
		Payload: payload,
	}, nil
}

// NewErrorResponse creates an error response echoing the request id.
func NewErrorResponse(requestID, code, message string) *Message {
	return &Message{
		Type:   MessageTypeResponse,
		ID:     requestID,
		Status: "error",
		Error:  &ErrorInfo{Code: code, Message: message},
	}
}

// NewEvent creates an event frame tagged with the worker's batch id.
func NewEvent(batchID, event string, data any) (*Message, error) {
	payload, err := marshalPayload(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    MessageTypeEvent,
		ID:      uuid.NewString(),
		BatchID: batchID,
		Event:   event,
		Payload: payload,
	}, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// Validate checks that the frame is well-formed for its type.
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrMissingID
	}
	switch m.Type {
	case MessageTypeHello:
		if m.BatchID == "" {
			return fmt.Errorf("%w: hello missing batch_id", ErrInvalidMessage)
		}
	case MessageTypeRequest:
		if m.Command == "" {
			return fmt.Errorf("%w: request missing command", ErrInvalidMessage)
		}
	case MessageTypeEvent:
		if m.Event == "" {
			return fmt.Errorf("%w: event missing event type", ErrInvalidMessage)
		}
		if m.BatchID == "" {
			return fmt.Errorf("%w: event missing batch_id", ErrInvalidMessage)
		}
	case MessageTypeResponse:
		// Valid as-is.
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// UnmarshalPayload decodes the payload into v. A nil payload is a no-op.
func (m *Message) UnmarshalPayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Marshal encodes the frame as one JSON line (without the trailing newline).
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses and validates one JSON frame.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
