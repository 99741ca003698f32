// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package annosync

import (
	"encoding/json"
)

// statusAccepted creates an outcome for an applied operation with the new server version
func statusAccepted(key string, newVer int64) OperationOutcome {
	return OperationOutcome{
		IdempotencyKey: key,
		Status:         StAccepted,
		NewVersion:     &newVer,
	}
}

// statusStale creates an outcome for a base version that no longer matches the server row
func statusStale(key string, serverVer int64, serverData json.RawMessage, deleted bool) OperationOutcome {
	return OperationOutcome{
		IdempotencyKey: key,
		Status:         StRejectedStale,
		ServerVersion:  &serverVer,
		ServerData:     serverData,
		ServerDeleted:  deleted,
	}
}

// statusInvalid creates a non-retryable outcome
func statusInvalid(key, reason string, err error) OperationOutcome {
	st := OperationOutcome{
		IdempotencyKey: key,
		Status:         StRejectedInvalid,
		Reason:         reason,
	}
	if err != nil {
		st.Message = err.Error()
	}
	return st
}

// statusTransient creates an outcome the client should retry later
func statusTransient(key, reason string, err error) OperationOutcome {
	st := OperationOutcome{
		IdempotencyKey: key,
		Status:         StTransientFailure,
		Reason:         reason,
	}
	if err != nil {
		st.Message = err.Error()
	}
	return st
}
