// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics defines MQTT topic names and topic filters and the rules
// that govern them.
package topics

import "strings"

const (
	// Separator delimits topic levels.
	Separator = '/'
	// SingleLevel is the single-level wildcard segment.
	SingleLevel = "+"
	// MultiLevel is the multi-level wildcard segment. Only valid as the last level.
	MultiLevel = "#"
)

// Topic is a concrete publish destination. It never contains wildcards.
type Topic string

// Filter is a subscription pattern. It may contain wildcard levels.
type Filter string

// FirstSegment returns the bytes up to the first separator, or the whole
// topic if there is none.
func (t Topic) FirstSegment() string {
	return firstSegment(string(t))
}

// RemainingSegments returns everything after the first separator. ok is
// false when there is no separator or nothing follows it.
func (t Topic) RemainingSegments() (rest Topic, ok bool) {
	r, ok := remainingSegments(string(t))
	return Topic(r), ok
}

// FirstSegment returns the bytes up to the first separator, or the whole
// filter if there is none.
func (f Filter) FirstSegment() string {
	return firstSegment(string(f))
}

// RemainingSegments returns everything after the first separator. ok is
// false when there is no separator or nothing follows it.
func (f Filter) RemainingSegments() (rest Filter, ok bool) {
	r, ok := remainingSegments(string(f))
	return Filter(r), ok
}

// Canonical drops one trailing separator, so "a" and "a/" yield the same
// key. Both decompose into the same levels.
func (f Filter) Canonical() Filter {
	return Filter(trimSeparator(string(f)))
}

// Canonical drops one trailing separator. See Filter.Canonical.
func (t Topic) Canonical() Topic {
	return Topic(trimSeparator(string(t)))
}

// Shared reports whether the filter uses the $share/ prefix.
func (f Filter) Shared() bool {
	return IsShared(string(f))
}

// HasWildcard reports whether any level of the filter is a wildcard.
func (f Filter) HasWildcard() bool {
	return strings.ContainsAny(string(f), SingleLevel+MultiLevel)
}

func trimSeparator(s string) string {
	if n := len(s); n > 0 && s[n-1] == Separator {
		return s[:n-1]
	}
	return s
}

func firstSegment(s string) string {
	if i := strings.IndexByte(s, Separator); i >= 0 {
		return s[:i]
	}
	return s
}

func remainingSegments(s string) (string, bool) {
	i := strings.IndexByte(s, Separator)
	if i < 0 || i == len(s)-1 {
		return "", false
	}
	return s[i+1:], true
}
