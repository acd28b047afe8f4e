package sender

import (
	"errors"
	"fmt"
)

var (
	ErrEndpointMissing = errors.New("sender: endpoint missing")
	ErrClosed          = errors.New("sender: closed")
)

// StatusError reports an upload answered with a non-2xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "invalid_response"
}

func (e *StatusError) Detail() string {
	return fmt.Sprintf("invalid_response: status %d", e.StatusCode)
}

type OutcomeKind int

const (
	UploadSuccess OutcomeKind = iota + 1
	UploadFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case UploadSuccess:
		return "upload_success"
	case UploadFailure:
		return "upload_failure"
	}
	return "unknown"
}

// Outcome is broadcast after every upload attempt. Err is nil on success.
type Outcome struct {
	Kind    OutcomeKind
	Table   string
	Records []Record
	Err     error
}
