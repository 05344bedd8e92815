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

package client

import (
	"errors"
	"fmt"
)

// Common client errors
var (
	ErrTimeout              = errors.New("broker operation timeout")
	ErrSubscriptionRejected = errors.New("subscription rejected by broker")
)

// Op names the broker operation that failed.
type Op string

const (
	OpConnect     Op = "connect"
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"
)

// SubackFailure is the SUBACK return code a broker uses to refuse a filter.
const SubackFailure byte = 0x80

// BrokerError reports a failed broker operation together with the broker's
// native return code, when the broker supplied one.
type BrokerError struct {
	Op    Op
	Topic string
	Code  byte
	Err   error
}

func (e *BrokerError) Error() string {
	target := ""
	if e.Topic != "" {
		target = fmt.Sprintf(" '%s'", e.Topic)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s%s failed (code 0x%02x): %v", e.Op, target, e.Code, e.Err)
	}
	return fmt.Sprintf("%s%s failed: %v", e.Op, target, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}
