package remotefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marmos91/vfsinit/pkg/aio"
	"github.com/marmos91/vfsinit/pkg/filelock"
	"github.com/marmos91/vfsinit/pkg/inode"
	"github.com/marmos91/vfsinit/pkg/reboot"
)

// WriteResponse is returned by PUT /v1/files/*.
type WriteResponse struct {
	Path    string `json:"path"`
	Inode   uint64 `json:"inode"`
	Written int    `json:"written"`
	Size    int64  `json:"size"`
}

// LockRequest is the body of POST /v1/locks/*.
type LockRequest struct {
	Owner  string `json:"owner"`
	Type   string `json:"type"`
	Offset uint64 `json:"offset"`
	Length uint64 `json:"length"`
}

// LifecycleResponse is returned by POST /v1/lifecycle/{action}.
type LifecycleResponse struct {
	Action string `json:"action"`
	Status string `json:"status"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// pathParam returns the absolute path captured by a trailing wildcard.
func pathParam(r *http.Request) string {
	return "/" + chi.URLParam(r, "*")
}

func queryUint(r *http.Request, key string) (uint64, bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 63)
	if err != nil {
		return 0, true, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Inodes.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Timestamp: time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now().UTC()})
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Inodes.Stat(pathParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Inodes.List(pathParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	p := pathParam(r)
	n, err := s.deps.Inodes.Find(p)
	if err != nil {
		writeError(w, err)
		return
	}
	if n.IsDir() {
		badRequest(w, fmt.Sprintf("%s is a directory", p))
		return
	}

	off, _, err := queryUint(r, "offset")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	length, ok, err := queryUint(r, "length")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	size := s.deps.Data.Size(n.ID)
	if !ok {
		length = uint64(max(size-int64(off), 0))
	}

	data, err := s.read(r.Context(), n.ID, int64(off), int(length))
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-File-Size", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleWrite replaces the file contents, or writes at ?offset= without
// truncating when the parameter is present. Missing parents are created.
func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	p := pathParam(r)

	off, positioned, err := queryUint(r, "offset")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeProblem(w, Problem{Title: "Payload Too Large", Status: http.StatusRequestEntityTooLarge, Detail: err.Error()})
			return
		}
		badRequest(w, err.Error())
		return
	}

	n, err := s.deps.Inodes.Reserve(p, inode.KindFile)
	if err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	if !positioned {
		if err := s.deps.Data.Truncate(ctx, n.ID, 0); err != nil {
			writeError(w, err)
			return
		}
	}

	written, err := s.write(ctx, n.ID, int64(off), body)
	if err != nil {
		writeError(w, err)
		return
	}

	size := s.deps.Data.Size(n.ID)
	if err := s.deps.Inodes.Touch(n.ID, size); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WriteResponse{Path: p, Inode: n.ID, Written: written, Size: size})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	p := pathParam(r)
	n, err := s.deps.Inodes.Find(p)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Inodes.Remove(p); err != nil {
		writeError(w, err)
		return
	}
	if !n.IsDir() {
		s.deps.Data.Remove(n.ID)
	}
	if s.deps.Locks != nil {
		s.deps.Locks.RemoveInode(n.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Data.Sync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) lockTarget(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	if s.deps.Locks == nil {
		notFound(w, "file locking is not enabled")
		return 0, false
	}
	n, err := s.deps.Inodes.Find(pathParam(r))
	if err != nil {
		writeError(w, err)
		return 0, false
	}
	return n.ID, true
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lockTarget(w, r)
	if !ok {
		return
	}
	locks := s.deps.Locks.List(id)
	if locks == nil {
		locks = []filelock.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lockTarget(w, r)
	if !ok {
		return
	}

	var req LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid lock request body: "+err.Error())
		return
	}
	lt, err := filelock.ParseType(req.Type)
	if err != nil {
		writeError(w, err)
		return
	}

	l := filelock.Lock{Owner: req.Owner, Type: lt, Offset: req.Offset, Length: req.Length}
	if err := s.deps.Locks.Lock(id, l); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	id, ok := s.lockTarget(w, r)
	if !ok {
		return
	}

	owner := r.URL.Query().Get("owner")
	if owner == "" {
		badRequest(w, "owner is required")
		return
	}
	off, _, err := queryUint(r, "offset")
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	length, _, err := queryUint(r, "length")
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := s.deps.Locks.Unlock(id, owner, off, length); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lifecycle == nil {
		notFound(w, "lifecycle control is not enabled")
		return
	}
	action, err := reboot.ParseAction(chi.URLParam(r, "action"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	// The flush must outlive a client that hangs up.
	st := s.deps.Lifecycle.Notify(context.WithoutCancel(r.Context()), action, "remote request")
	writeJSON(w, http.StatusOK, LifecycleResponse{Action: action.String(), Status: st.String()})
}

func (s *Server) write(ctx context.Context, id uint64, off int64, data []byte) (int, error) {
	if s.deps.Async == nil {
		return s.deps.Data.Write(ctx, id, off, data)
	}
	res, err := s.submit(ctx, aio.Request{Op: aio.OpWrite, Inode: id, Offset: off, Data: data})
	return res.N, err
}

func (s *Server) read(ctx context.Context, id uint64, off int64, n int) ([]byte, error) {
	if s.deps.Async == nil {
		return s.deps.Data.Read(ctx, id, off, n)
	}
	res, err := s.submit(ctx, aio.Request{Op: aio.OpRead, Inode: id, Offset: off, Length: n})
	return res.Data, err
}

// submit queues req and waits for its completion.
func (s *Server) submit(ctx context.Context, req aio.Request) (aio.Result, error) {
	done := make(chan aio.Result, 1)
	req.Done = func(res aio.Result) { done <- res }
	if err := s.deps.Async.Submit(req); err != nil {
		return aio.Result{}, err
	}
	select {
	case res := <-done:
		return res, res.Err
	case <-ctx.Done():
		return aio.Result{}, ctx.Err()
	}
}
