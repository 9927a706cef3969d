package remotefs

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/aio"
	"github.com/marmos91/vfsinit/pkg/filelock"
	"github.com/marmos91/vfsinit/pkg/inode"
	"github.com/marmos91/vfsinit/pkg/writeback"
)

// Problem is an RFC 7807 "problem details" response body.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`

	// Holder is set on lock conflicts.
	Holder *filelock.Lock `json:"holder,omitempty"`
}

// ContentTypeProblemJSON is the Content-Type of error responses.
const ContentTypeProblemJSON = "application/problem+json"

func writeProblem(w http.ResponseWriter, p Problem) {
	if p.Type == "" {
		p.Type = "about:blank"
	}
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func badRequest(w http.ResponseWriter, detail string) {
	writeProblem(w, Problem{Title: "Bad Request", Status: http.StatusBadRequest, Detail: detail})
}

func notFound(w http.ResponseWriter, detail string) {
	writeProblem(w, Problem{Title: "Not Found", Status: http.StatusNotFound, Detail: detail})
}

// writeError maps subsystem errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var conflict *filelock.ConflictError
	switch {
	case errors.As(err, &conflict):
		holder := conflict.Holder
		writeProblem(w, Problem{Title: "Lock Conflict", Status: http.StatusConflict, Detail: err.Error(), Holder: &holder})
	case errors.Is(err, inode.ErrNotExist), errors.Is(err, filelock.ErrNotFound):
		notFound(w, err.Error())
	case errors.Is(err, inode.ErrInvalidPath), errors.Is(err, filelock.ErrInvalidLock),
		errors.Is(err, writeback.ErrInvalidOffset), errors.Is(err, inode.ErrNotDir):
		badRequest(w, err.Error())
	case errors.Is(err, inode.ErrExist), errors.Is(err, inode.ErrNotEmpty), errors.Is(err, inode.ErrBusy):
		writeProblem(w, Problem{Title: "Conflict", Status: http.StatusConflict, Detail: err.Error()})
	case errors.Is(err, filelock.ErrLimitExceeded):
		writeProblem(w, Problem{Title: "Too Many Locks", Status: http.StatusTooManyRequests, Detail: err.Error()})
	case errors.Is(err, aio.ErrQueueFull), errors.Is(err, aio.ErrNotRunning), errors.Is(err, writeback.ErrClosed):
		writeProblem(w, Problem{Title: "Service Unavailable", Status: http.StatusServiceUnavailable, Detail: err.Error()})
	default:
		logger.Error("Remote request failed", logger.Err(err))
		writeProblem(w, Problem{Title: "Internal Server Error", Status: http.StatusInternalServerError, Detail: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", logger.Err(err))
		http.Error(w, `{"title":"failed to encode response","status":500}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}
