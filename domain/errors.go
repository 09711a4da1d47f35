package domain

import (
	"errors"
	"strconv"
)

var (
	ErrInvalidStatus = errors.New("invalid task status")
	ErrInvalidRole   = errors.New("invalid role")
)

// RemoteError is a non-success answer from the task backend. Message holds the
// server-provided explanation when there was one.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.StatusCode != 0 {
		return "remote request failed with status " + strconv.Itoa(e.StatusCode)
	}
	return "remote request failed"
}
