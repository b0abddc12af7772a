// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidTopicName   = errors.New("invalid topic name: contains wildcards or illegal characters")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// ValidateTopicName checks if the topic name is valid for PUBLISH (no wildcards).
func ValidateTopicName(topic Topic) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	// "The Topic Name ... MUST NOT contain wildcard characters"
	if strings.ContainsAny(string(topic), SingleLevel+MultiLevel) {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(string(topic)) || strings.IndexByte(string(topic), 0) >= 0 {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks a SUBSCRIBE or UNSUBSCRIBE topic filter. Wildcards
// must occupy a whole level and '#' may only be the last level.
func ValidateFilter(filter Filter) error {
	if filter == "" {
		return ErrInvalidTopicFilter
	}
	s := string(filter)
	if !utf8.ValidString(s) || strings.IndexByte(s, 0) >= 0 {
		return ErrInvalidTopicFilter
	}
	if shareName, inner, ok := ParseShared(s); ok {
		if shareName == "" || strings.ContainsAny(shareName, SingleLevel+MultiLevel) || inner == "" {
			return ErrInvalidTopicFilter
		}
		s = inner
	}

	levels := strings.Split(s, string(Separator))
	for i, level := range levels {
		switch {
		case level == MultiLevel:
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		case level == SingleLevel:
		case strings.ContainsAny(level, SingleLevel+MultiLevel):
			return ErrInvalidTopicFilter
		}
	}
	return nil
}
