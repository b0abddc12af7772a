// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"testing"

	"github.com/absmach/brokerish/topics"
	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		filter topics.Filter
		topic  topics.Topic
		want   bool
	}{
		{"foo/bar", "foo/bar", true},
		{"foo/+", "foo/bar", true},
		{"foo/+", "foo", false},
		{"foo/+", "foo/bar/baz", false},
		{"foo/#", "foo/bar/baz", true},
		{"foo/#", "foo", true},
		{"#", "foo/bar", true},
		{"+/+", "foo/bar", true},
		{"+/+", "foo/bar/baz", false},
		{"$SYS/#", "$SYS/monitor/Clients", true},
		{"#", "$SYS/monitor/Clients", false},
		{"+/monitor/Clients", "$SYS/monitor/Clients", false},
		{"foo/bar", "foo/baz", false},
		{"", "foo", false},
		{"foo", "", false},
		{"foo", "foo/", true},
		{"foo/", "foo", true},
		{"foo/+", "foo/", false},
		{"+", "/", true},
		{"foo//", "foo/", true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, topics.Match(tc.filter, tc.topic), "Match(%q, %q)", tc.filter, tc.topic)
	}
}
