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
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid hello", `{"type":"hello","id":"1","batch_id":"b1"}`, false},
		{"valid request", `{"type":"request","id":"1","command":"PING"}`, false},
		{"valid event", `{"type":"event","id":"1","batch_id":"b1","event":"LOG"}`, false},
		{"valid response", `{"type":"response","id":"1","status":"ok"}`, false},
		{"missing id", `{"type":"request","command":"PING"}`, true},
		{"hello without batch", `{"type":"hello","id":"1"}`, true},
		{"request without command", `{"type":"request","id":"1"}`, true},
		{"event without type", `{"type":"event","id":"1","batch_id":"b1"}`, true},
		{"unknown type", `{"type":"gossip","id":"1"}`, true},
		{"not json", `nope`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRequestResponseRoundtrip(t *testing.T) {
	req, err := NewRequest(CommandStartSequence, map[string]any{"wip_id": "WIP-1"})
	require.NoError(t, err)
	require.NotEmpty(t, req.ID)

	data, err := req.Marshal()
	require.NoError(t, err)
	parsed, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, req.ID, parsed.ID)

	var params map[string]any
	require.NoError(t, parsed.UnmarshalPayload(&params))
	assert.Equal(t, "WIP-1", params["wip_id"])
}

// startPair spins up a server plus a connected client for one batch.
func startPair(t *testing.T, batchID string, handler CommandHandler) (*Server, *Client) {
	t.Helper()

	srv := NewServer(ServerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addr, err := srv.Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	cli, err := Dial(addr, batchID, handler, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })
	go cli.Run(ctx)

	require.Eventually(t, func() bool { return srv.Connected(batchID) },
		2*time.Second, 10*time.Millisecond)
	return srv, cli
}

func TestSendCommand(t *testing.T) {
	srv, _ := startPair(t, "batch-1", func(ctx context.Context, cmd string, payload json.RawMessage) (any, error) {
		assert.Equal(t, CommandPing, cmd)
		return map[string]any{"pong": true}, nil
	})

	raw, err := srv.Send(context.Background(), "batch-1", CommandPing, nil, time.Second)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, true, out["pong"])
}

func TestSlowCommandDoesNotBlockNewer(t *testing.T) {
	release := make(chan struct{})
	srv, _ := startPair(t, "batch-1", func(ctx context.Context, cmd string, payload json.RawMessage) (any, error) {
		if cmd == CommandManualControl {
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
		return map[string]any{"cmd": cmd}, nil
	})

	slowDone := make(chan error, 1)
	go func() {
		_, err := srv.Send(context.Background(), "batch-1", CommandManualControl, nil, 10*time.Second)
		slowDone <- err
	}()

	// Let the slow command reach the handler first.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	_, err := srv.Send(context.Background(), "batch-1", CommandPing, nil, 2*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	require.NoError(t, <-slowDone)
}

func TestSendCorrelationUnderConcurrency(t *testing.T) {
	srv, cli := startPair(t, "batch-1", func(ctx context.Context, cmd string, payload json.RawMessage) (any, error) {
		var in map[string]any
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, err
		}
		return map[string]any{"n": in["n"]}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			// Event frames interleave with responses on the same connection.
			assert.NoError(t, cli.PublishEvent(EventLog, map[string]any{"n": n}))
			raw, err := srv.Send(context.Background(), "batch-1", CommandPing, map[string]any{"n": n}, 5*time.Second)
			if !assert.NoError(t, err) {
				return
			}
			var out map[string]any
			require.NoError(t, json.Unmarshal(raw, &out))
			assert.Equal(t, float64(n), out["n"])
		}(i)
	}
	wg.Wait()
}

func TestSendErrorResponse(t *testing.T) {
	srv, _ := startPair(t, "batch-1", func(ctx context.Context, cmd string, payload json.RawMessage) (any, error) {
		return nil, &ResponseError{Code: "ALREADY_RUNNING", Message: "sequence in progress"}
	})

	_, err := srv.Send(context.Background(), "batch-1", CommandStartSequence, nil, time.Second)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "ALREADY_RUNNING", cmdErr.Code)
	assert.Equal(t, "batch-1", cmdErr.BatchID)
}

func TestSendWorkerNotConnected(t *testing.T) {
	srv := NewServer(ServerConfig{})
	ctx := context.Background()
	_, err := srv.Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	_, err = srv.Send(ctx, "ghost", CommandPing, nil, time.Second)
	assert.ErrorIs(t, err, ErrWorkerNotConnected)
}

func TestSendTimeout(t *testing.T) {
	srv, _ := startPair(t, "batch-1", func(ctx context.Context, cmd string, payload json.RawMessage) (any, error) {
		time.Sleep(2 * time.Second)
		return nil, nil
	})

	_, err := srv.Send(context.Background(), "batch-1", CommandPing, nil, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestEventFanIn(t *testing.T) {
	var mu sync.Mutex
	var got []string

	srv := NewServer(ServerConfig{})
	srv.OnEvent(func(msg *Message) {
		mu.Lock()
		got = append(got, msg.Event)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := srv.Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	cli, err := Dial(addr, "batch-1", nil, nil)
	require.NoError(t, err)
	defer cli.Close()
	go cli.Run(ctx)

	require.Eventually(t, func() bool { return srv.Connected("batch-1") },
		2*time.Second, 10*time.Millisecond)

	// Per-worker ordering must hold.
	require.NoError(t, cli.PublishEvent(EventStepStart, map[string]any{"step": "a"}))
	require.NoError(t, cli.PublishEvent(EventStepComplete, map[string]any{"step": "a"}))
	require.NoError(t, cli.PublishEvent(EventSequenceComplete, nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventStepStart, EventStepComplete, EventSequenceComplete}, got)
}

func TestDisconnectNotification(t *testing.T) {
	gone := make(chan string, 1)
	srv := NewServer(ServerConfig{})
	srv.OnDisconnect(func(batchID string) { gone <- batchID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := srv.Start(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer srv.Close()

	cli, err := Dial(addr, "batch-1", nil, nil)
	require.NoError(t, err)
	go cli.Run(ctx)

	require.Eventually(t, func() bool { return srv.Connected("batch-1") },
		2*time.Second, 10*time.Millisecond)

	cli.Close()

	select {
	case id := <-gone:
		assert.Equal(t, "batch-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not observed")
	}
	assert.False(t, srv.Connected("batch-1"))
}

func TestHandlerPanicBecomesErrorResponse(t *testing.T) {
	srv, _ := startPair(t, "batch-1", func(ctx context.Context, cmd string, payload json.RawMessage) (any, error) {
		panic("handler bug")
	})

	_, err := srv.Send(context.Background(), "batch-1", CommandPing, nil, time.Second)
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "INTERNAL", cmdErr.Code)
}
