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

// Package backend is the typed client for the manufacturing backend (MES):
// WIP lookup, process start/complete, serial conversion, and operator auth.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/factorial-systems/stationd/pkg/errors"
)

// WIPStatusCompleted is the backend status meaning every required process
// has passed; the unit is eligible for serial conversion.
const WIPStatusCompleted = "COMPLETED"

// Backend error codes surfaced in response bodies.
const (
	codePrerequisiteNotMet = "PREREQUISITE_NOT_MET"
	codeInvalidWIPStatus   = "INVALID_WIP_STATUS"
	codeDuplicatePass      = "DUPLICATE_PASS"
)

// Config configures the backend client.
type Config struct {
	// BaseURL is the backend root, e.g. https://mes.example.com.
	BaseURL string

	// APIKey authenticates station-level calls when no operator token is
	// present. May be a keyring: reference (resolved by the caller).
	APIKey string

	// StationID and EquipmentID are attached to every request as headers.
	StationID   string
	EquipmentID string

	// Timeout is the per-request deadline. Default 10s.
	Timeout time.Duration

	// MaxRetries bounds automatic retries of idempotent requests.
	MaxRetries int

	// Logger is the structured logger. Default slog.Default().
	Logger *slog.Logger
}

// TokenSource supplies a bearer token for operator-scoped calls. Optional.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the backend. Mutations are never auto-retried; callers
// route failed mutations through the offline queue.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
	tokens  TokenSource
}

// New creates a backend client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &errors.ConfigError{Key: "backend.url", Reason: "required"}
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, &errors.ConfigError{Key: "backend.url", Reason: "not a valid URL", Cause: err}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	transport := newRetryTransport(
		newLoggingTransport(nil, cfg.StationID, cfg.EquipmentID, logger),
		cfg.MaxRetries,
	)

	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		logger:  logger,
		http: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// SetTokenSource installs an operator token source. Calls fall back to the
// API key when the source is absent or returns an empty token.
func (c *Client) SetTokenSource(ts TokenSource) { c.tokens = ts }

// WIPItem is a work-in-progress unit as the backend reports it.
type WIPItem struct {
	ID           int            `json:"id"`
	WIPID        string         `json:"wip_id"`
	Status       string         `json:"status"`
	SerialNumber string         `json:"serial_number,omitempty"`
	ProductCode  string         `json:"product_code,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// StartProcessRequest begins a process step for a WIP item.
type StartProcessRequest struct {
	ProcessID   int       `json:"process_id"`
	OperatorID  int       `json:"operator_id"`
	EquipmentID *int      `json:"equipment_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// CompleteProcessRequest finishes a process step with its verdict.
type CompleteProcessRequest struct {
	Result       string         `json:"result"`
	Measurements map[string]any `json:"measurements,omitempty"`
	Defects      []string       `json:"defects,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	CompletedAt  time.Time      `json:"completed_at"`
}

// CompleteProcessResponse carries the updated WIP item; its status drives
// the can_convert decision.
type CompleteProcessResponse struct {
	WIPItem WIPItem        `json:"wip_item"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// ConvertToSerialRequest promotes a completed WIP item to a serialized unit.
type ConvertToSerialRequest struct {
	SerialNumber string `json:"serial_number,omitempty"`
	OperatorID   int    `json:"operator_id"`
}

// User is an authenticated backend operator.
type User struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role,omitempty"`
}

// LoginResponse is the auth endpoint's success body.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	User        User   `json:"user"`
}

// errorBody is the backend's error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Scan looks up a WIP item by its scanned string id, optionally scoped to a
// process. 404 maps to WIPNotFound.
func (c *Client) Scan(ctx context.Context, wipID string, processID *int) (*WIPItem, error) {
	q := url.Values{}
	if processID != nil {
		q.Set("process_id", strconv.Itoa(*processID))
	}

	var item WIPItem
	err := c.do(ctx, http.MethodGet, "/api/v1/wip/"+url.PathEscape(wipID), q, nil, &item, func(status int, body *errorBody) error {
		if status == http.StatusNotFound {
			return &errors.WIPNotFoundError{WIPID: wipID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// StartProcess opens a process step on the WIP item identified by its
// integer id.
func (c *Client) StartProcess(ctx context.Context, wipIntID int, req StartProcessRequest) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/wip/%d/start-process", wipIntID), nil, req, &out, func(status int, body *errorBody) error {
		switch {
		case status == http.StatusNotFound:
			return &errors.WIPNotFoundError{WIPID: strconv.Itoa(wipIntID)}
		case body != nil && body.Error == codePrerequisiteNotMet:
			return &errors.PrerequisiteNotMetError{ProcessID: req.ProcessID, Required: req.ProcessID - 1}
		case body != nil && body.Error == codeInvalidWIPStatus:
			return &errors.InvalidWIPStatusError{Status: body.Detail, Message: body.Message}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteProcess closes a process step with PASS/FAIL/REWORK and the
// collected measurements and defects.
func (c *Client) CompleteProcess(ctx context.Context, wipIntID, processID, operatorID int, req CompleteProcessRequest) (*CompleteProcessResponse, error) {
	q := url.Values{}
	q.Set("operator_id", strconv.Itoa(operatorID))

	var out CompleteProcessResponse
	path := fmt.Sprintf("/api/v1/wip/%d/processes/%d/complete", wipIntID, processID)
	err := c.do(ctx, http.MethodPost, path, q, req, &out, func(status int, body *errorBody) error {
		switch {
		case status == http.StatusNotFound:
			return &errors.WIPNotFoundError{WIPID: strconv.Itoa(wipIntID)}
		case body != nil && body.Error == codeDuplicatePass:
			return &errors.DuplicatePassError{WIPID: wipIntID, ProcessID: processID}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ConvertToSerial promotes a COMPLETED WIP item to a serialized unit.
func (c *Client) ConvertToSerial(ctx context.Context, wipIntID int, req ConvertToSerialRequest) (map[string]any, error) {
	var out map[string]any
	path := fmt.Sprintf("/api/v1/wip/%d/convert-to-serial", wipIntID)
	err := c.do(ctx, http.MethodPost, path, nil, req, &out, func(status int, body *errorBody) error {
		switch {
		case status == http.StatusNotFound:
			return &errors.WIPNotFoundError{WIPID: strconv.Itoa(wipIntID)}
		case body != nil && body.Error == codeInvalidWIPStatus:
			return &errors.InvalidWIPStatusError{Status: body.Detail, Message: body.Message}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Login authenticates an operator. Any failure maps to LOGIN_FAILED.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	var out LoginResponse
	body := map[string]string{"username": username, "password": password}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", nil, body, &out, func(status int, eb *errorBody) error {
		msg := "login failed"
		if eb != nil && eb.Message != "" {
			msg = eb.Message
		}
		return &errors.BackendError{Code: "LOGIN_FAILED", StatusCode: status, Message: msg}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentUser validates a token and returns its operator.
func (c *Client) CurrentUser(ctx context.Context, token string) (*User, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errors.BackendError{Code: "NETWORK_ERROR", Message: "current user request failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &errors.BackendError{Code: "INVALID_TOKEN", StatusCode: resp.StatusCode, Message: "token rejected"}
	}

	var u User
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, &errors.BackendError{Code: "BAD_RESPONSE", Message: "cannot decode user", Cause: err}
	}
	return &u, nil
}

// Health probes the backend. Never returns an error: any failure is false.
func (c *Client) Health(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/health", nil, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// errorMapper inspects a non-2xx response; returning nil falls through to a
// generic BackendError.
type errorMapper func(status int, body *errorBody) error

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, mapErr errorMapper) error {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return err
	}

	token := ""
	if c.tokens != nil {
		token, _ = c.tokens.Token(ctx)
	}
	if token == "" {
		token = c.apiKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &errors.BackendError{Code: "NETWORK_ERROR", Message: fmt.Sprintf("%s %s failed", method, path), Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &errors.BackendError{Code: "BAD_RESPONSE", StatusCode: resp.StatusCode, Message: "cannot read response", Cause: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return &errors.BackendError{Code: "BAD_RESPONSE", StatusCode: resp.StatusCode, Message: "cannot decode response", Cause: err}
		}
		return nil
	}

	var eb errorBody
	var ebPtr *errorBody
	if len(data) > 0 && json.Unmarshal(data, &eb) == nil {
		ebPtr = &eb
	}

	if mapErr != nil {
		if mapped := mapErr(resp.StatusCode, ebPtr); mapped != nil {
			return mapped
		}
	}

	msg := http.StatusText(resp.StatusCode)
	code := "BACKEND_ERROR"
	if ebPtr != nil {
		if ebPtr.Message != "" {
			msg = ebPtr.Message
		} else if ebPtr.Detail != "" {
			msg = ebPtr.Detail
		}
		if ebPtr.Error != "" {
			code = ebPtr.Error
		}
	}
	return &errors.BackendError{Code: code, StatusCode: resp.StatusCode, Message: msg}
}
