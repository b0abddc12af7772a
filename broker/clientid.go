// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateClientID generates a client ID for clients that connect without one.
// Format: auto-<uuid>.
func GenerateClientID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate client ID: %w", err)
	}
	return "auto-" + id.String(), nil
}
