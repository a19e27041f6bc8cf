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
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/factorial-systems/stationd/pkg/errors"
)

// keyringPrefix marks an API key value that is a reference into the OS
// keychain rather than the key itself: keyring:<service>/<user>.
const keyringPrefix = "keyring:"

// ResolveAPIKey returns the literal key, or resolves a keyring: reference
// through the OS keychain. Keys never land in config files this way.
func ResolveAPIKey(value string) (string, error) {
	if !strings.HasPrefix(value, keyringPrefix) {
		return value, nil
	}

	ref := strings.TrimPrefix(value, keyringPrefix)
	service, user, ok := strings.Cut(ref, "/")
	if !ok || service == "" || user == "" {
		return "", &errors.ConfigError{
			Key:    "backend.key",
			Reason: "keyring reference must be keyring:<service>/<user>",
		}
	}

	secret, err := keyring.Get(service, user)
	if err != nil {
		return "", &errors.ConfigError{
			Key:    "backend.key",
			Reason: "keyring lookup failed",
			Cause:  err,
		}
	}
	return secret, nil
}
