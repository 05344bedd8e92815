// Copyright 2023 The emqx-go Authors
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

package bridge

import (
	"errors"
	"fmt"

	"github.com/turtacn/mqtt-bridge/pkg/client"
)

// Common bridge errors
var (
	ErrNotFound     = errors.New("connection not found")
	ErrNotConnected = errors.New("connection is not connected")
	ErrValidation   = errors.New("invalid argument")
	ErrClosed       = errors.New("bridge is shut down")
)

// BrokerError is a failure reported by the broker for a connect, subscribe,
// unsubscribe or publish call. It carries the broker's return code.
type BrokerError = client.BrokerError

func notFound(id string) error {
	return fmt.Errorf("connection '%s': %w", id, ErrNotFound)
}

func notConnected(id string) error {
	return fmt.Errorf("connection '%s': %w", id, ErrNotConnected)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
