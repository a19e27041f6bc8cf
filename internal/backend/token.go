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

package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshMargin triggers a refresh this far ahead of token expiry.
const refreshMargin = 2 * time.Minute

// TokenManager keeps an operator bearer token fresh. Expiry is read from
// the token's exp claim without signature verification; the backend owns
// the signature, this side only schedules refreshes.
type TokenManager struct {
	client   *Client
	username string
	password string
	logger   *slog.Logger

	// OnRefresh, when set, is invoked with each newly obtained token.
	OnRefresh func(token string)

	mu     sync.Mutex
	token  string
	expiry time.Time
	user   *User
}

// NewTokenManager creates a token manager bound to operator credentials.
func NewTokenManager(client *Client, username, password string, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{client: client, username: username, password: password, logger: logger}
}

// Token returns a valid bearer token, logging in or refreshing as needed.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && (m.expiry.IsZero() || time.Until(m.expiry) > refreshMargin) {
		return m.token, nil
	}
	return m.refreshLocked(ctx)
}

// User returns the operator of the current token, logging in if needed.
func (m *TokenManager) User(ctx context.Context) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.user == nil || m.token == "" {
		if _, err := m.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	return m.user, nil
}

// Invalidate drops the cached token; the next Token call logs in again.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.user = nil
}

func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	resp, err := m.client.Login(ctx, m.username, m.password)
	if err != nil {
		return "", err
	}

	m.token = resp.AccessToken
	m.user = &resp.User
	m.expiry = tokenExpiry(resp.AccessToken)

	m.logger.Info("backend token refreshed",
		slog.String("username", m.username),
		slog.Time("expiry", m.expiry))

	if m.OnRefresh != nil {
		m.OnRefresh(m.token)
	}
	return m.token, nil
}

// tokenExpiry extracts the exp claim. A token that cannot be parsed gets a
// zero expiry, meaning it is used until the backend rejects it.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
