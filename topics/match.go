// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match reports whether topic matches filter under MQTT wildcard rules.
// Wildcards in the first level never match a topic starting with '$'. One
// trailing separator on either side is ignored.
func Match(filter Filter, topic Topic) bool {
	if filter == "" || topic == "" {
		return false
	}
	if string(filter) == string(topic) {
		return true
	}

	filterLevels := strings.Split(string(filter.Canonical()), string(Separator))
	topicLevels := strings.Split(string(topic.Canonical()), string(Separator))

	if strings.HasPrefix(string(topic), "$") {
		if filterLevels[0] == SingleLevel || filterLevels[0] == MultiLevel {
			return false
		}
	}

	for i, level := range filterLevels {
		if level == MultiLevel {
			// '#' also matches the parent level.
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != SingleLevel && level != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
