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

// Package topic validates MQTT topic names and filters and matches topics
// against filters, including the + and # wildcards and $share/ prefixes.
package topic

import (
	"errors"
	"fmt"
	"strings"
)

const sharePrefix = "$share/"

var (
	ErrEmpty         = errors.New("topic must not be empty")
	ErrInvalidFilter = errors.New("invalid topic filter")
	ErrInvalidName   = errors.New("invalid topic name")
)

// ValidateFilter checks a subscription filter: "+" must fill a whole level
// and "#" must be the whole last level. A $share/<group>/ prefix is allowed.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmpty
	}
	if strings.HasPrefix(filter, sharePrefix) {
		parts := strings.SplitN(filter, "/", 3)
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return fmt.Errorf("%w: '%s' must be $share/<group>/<filter>", ErrInvalidFilter, filter)
		}
		if strings.ContainsAny(parts[1], "+#") {
			return fmt.Errorf("%w: share group in '%s' must not contain wildcards", ErrInvalidFilter, filter)
		}
		filter = parts[2]
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the last level of '%s'", ErrInvalidFilter, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must occupy a whole level of '%s'", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// ValidateName checks a topic a message can be published to.
func ValidateName(name string) error {
	if name == "" {
		return ErrEmpty
	}
	if strings.ContainsAny(name, "+#") {
		return fmt.Errorf("%w: '%s' must not contain wildcards", ErrInvalidName, name)
	}
	return nil
}

// Match reports whether topic matches filter. Topics starting with '$' are
// not matched by a wildcard in the first level.
func Match(filter, topic string) bool {
	if strings.HasPrefix(filter, sharePrefix) {
		parts := strings.SplitN(filter, "/", 3)
		if len(parts) != 3 {
			return false
		}
		filter = parts[2]
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	topicSegments := strings.Split(topic, "/")
	filterSegments := strings.Split(filter, "/")
	topicLen := len(topicSegments)
	filterLen := len(filterSegments)

	for i := 0; i < filterLen; i++ {
		if i >= topicLen {
			// "a/#" also matches "a"
			return filterSegments[i] == "#" && i == filterLen-1
		}

		filterSegment := filterSegments[i]
		if filterSegment == "#" {
			return i == filterLen-1
		}
		if filterSegment != "+" && filterSegment != topicSegments[i] {
			return false
		}
	}
	return topicLen == filterLen
}
