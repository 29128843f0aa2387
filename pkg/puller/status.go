package puller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"pullwatch/pkg/snapshot"
)

var (
	ErrInvalidReference = errors.New("invalid image reference")
	ErrConnect          = errors.New("failed to connect to daemon socket")
	ErrWrite            = errors.New("failed to write pull request")
	ErrTimeout          = errors.New("daemon reported i/o timeout")
	ErrIncomplete       = errors.New("pull ended without completion marker")
	ErrRejected         = errors.New("daemon rejected the pull request")

	ErrDirectory = snapshot.ErrDirectory
	ErrFile      = snapshot.ErrFile
)

// Status is the single object printed when a run finishes.
type Status struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var StatusSuccess = Status{Code: http.StatusOK, Message: "Success"}

// UsageStatus reports a bad invocation.
func UsageStatus(message string) Status {
	return Status{Code: http.StatusBadRequest, Message: message}
}

// StatusFromError maps the error returned by Pull to the status shown to
// the caller. Only the category is exposed, never the wrapped detail.
func StatusFromError(err error) Status {
	fail := func(msg string) Status {
		return Status{Code: http.StatusInternalServerError, Message: msg}
	}

	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrInvalidReference):
		return UsageStatus("Invalid image reference")
	case errors.Is(err, ErrConnect):
		return fail("Failed to connect docker.sock")
	case errors.Is(err, ErrDirectory):
		return fail("Failed to create directory")
	case errors.Is(err, ErrWrite):
		return fail("Failed to write request")
	case errors.Is(err, ErrFile):
		return fail("Failed to write file")
	case errors.Is(err, ErrTimeout):
		return fail("Timeout")
	case errors.Is(err, ErrRejected):
		return fail("Pull rejected by daemon")
	case errors.Is(err, ErrIncomplete):
		return fail("Pull ended without completion")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fail("Interrupted")
	default:
		return fail("Pull failed")
	}
}

func (s Status) String() string {
	data, err := json.Marshal(s)
	if err != nil {
		return `{"code":500,"message":"Pull failed"}`
	}
	return string(data)
}
