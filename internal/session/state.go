/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import "github.com/friendsincode/cadence/internal/models"

// AllStates lists every session state, for metrics.
func AllStates() []string {
	return []string{
		string(models.SessionDisconnected),
		string(models.SessionConnecting),
		string(models.SessionReady),
		string(models.SessionActive),
		string(models.SessionError),
		string(models.SessionDisconnecting),
	}
}

// validTransitions is the session lifecycle. Teardown may enter
// Disconnecting from any state other than Disconnected.
var validTransitions = map[models.SessionState][]models.SessionState{
	models.SessionDisconnected: {
		models.SessionConnecting,
	},
	models.SessionConnecting: {
		models.SessionReady,
		models.SessionError,
		models.SessionDisconnecting,
	},
	models.SessionReady: {
		models.SessionActive,
		models.SessionError,
		models.SessionDisconnecting,
	},
	models.SessionActive: {
		models.SessionError,
		models.SessionDisconnecting,
	},
	models.SessionError: {
		models.SessionConnecting,
		models.SessionDisconnecting,
	},
	models.SessionDisconnecting: {
		models.SessionDisconnected,
	},
}

func isValidTransition(from, to models.SessionState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
