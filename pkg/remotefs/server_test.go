package remotefs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vfsinit/pkg/aio"
	"github.com/marmos91/vfsinit/pkg/bufpool"
	"github.com/marmos91/vfsinit/pkg/filelock"
	"github.com/marmos91/vfsinit/pkg/inode"
	"github.com/marmos91/vfsinit/pkg/reboot"
	"github.com/marmos91/vfsinit/pkg/writeback"
	"github.com/marmos91/vfsinit/pkg/writeback/store/memory"
)

type fixture struct {
	inodes *inode.Registry
	cache  *writeback.Cache
	store  *memory.Store
	locks  *filelock.Table
	events *reboot.Registry
	srv    *httptest.Server
}

func newFixture(t *testing.T, withAsync bool) *fixture {
	t.Helper()
	bufpool.Initialize(bufpool.DefaultConfig())

	f := &fixture{
		inodes: inode.NewRegistry(),
		store:  memory.New(),
		events: reboot.NewRegistry(),
	}
	f.inodes.Initialize()
	f.cache = writeback.New(writeback.Config{BlockSize: 16}, f.store)
	f.locks = filelock.NewTable(filelock.DefaultConfig(), f.inodes, nil)
	f.locks.Initialize()

	deps := Deps{Inodes: f.inodes, Data: f.cache, Locks: f.locks, Lifecycle: f.events}
	if withAsync {
		engine := aio.New(aio.Config{QueueSize: 8, Workers: 2}, f.cache)
		engine.Initialize()
		t.Cleanup(func() { engine.Stop(time.Second) })
		deps.Async = engine
	}

	f.srv = httptest.NewServer(New(Config{}, deps).Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	resp := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode[HealthResponse](t, resp).Status)
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, async := range []bool{false, true} {
		name := "Direct"
		if async {
			name = "Async"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, async)

			resp := f.do(t, http.MethodPut, "/v1/files/docs/readme.txt", strings.NewReader("hello, remote world"))
			require.Equal(t, http.StatusOK, resp.StatusCode)
			wr := decode[WriteResponse](t, resp)
			assert.Equal(t, 19, wr.Written)
			assert.Equal(t, int64(19), wr.Size)

			resp = f.do(t, http.MethodGet, "/v1/files/docs/readme.txt", nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			data, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "hello, remote world", string(data))

			resp = f.do(t, http.MethodGet, "/v1/files/docs/readme.txt?offset=7&length=6", nil)
			data, err = io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, "remote", string(data))
		})
	}
}

func TestPositionedWriteKeepsContents(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPut, "/v1/files/f", strings.NewReader("aaaaaaaa"))
	f.do(t, http.MethodPut, "/v1/files/f?offset=2", strings.NewReader("BB"))

	resp := f.do(t, http.MethodGet, "/v1/files/f", nil)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "aaBBaaaa", string(data))

	f.do(t, http.MethodPut, "/v1/files/f", strings.NewReader("z"))
	resp = f.do(t, http.MethodGet, "/v1/files/f", nil)
	data, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "z", string(data))
}

func TestReadPastEndIsEmpty(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPut, "/v1/files/f", strings.NewReader("abc"))

	resp := f.do(t, http.MethodGet, "/v1/files/f?offset=10", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
}

func TestStatAndList(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPut, "/v1/files/dir/a", strings.NewReader("1"))
	f.do(t, http.MethodPut, "/v1/files/dir/b", strings.NewReader("22"))

	resp := f.do(t, http.MethodGet, "/v1/stat/dir/b", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[inode.Info](t, resp)
	assert.Equal(t, int64(2), info.Size)
	assert.Equal(t, "file", info.Kind)

	resp = f.do(t, http.MethodGet, "/v1/list/dir", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]inode.Info](t, resp)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)

	resp = f.do(t, http.MethodGet, "/v1/list/dir/a", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, ContentTypeProblemJSON, resp.Header.Get("Content-Type"))

	resp = f.do(t, http.MethodGet, "/v1/stat/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReadDirectoryIsRejected(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPut, "/v1/files/dir/a", strings.NewReader("1"))
	resp := f.do(t, http.MethodGet, "/v1/files/dir", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRemove(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPut, "/v1/files/dir/a", strings.NewReader("1"))

	resp := f.do(t, http.MethodDelete, "/v1/files/dir", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/v1/files/dir/a", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/v1/files/dir/a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, f.cache.Dirty(), "block delete pending until sync")
}

func TestSync(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPut, "/v1/files/big", bytes.NewReader(make([]byte, 40)))
	require.Equal(t, 3, f.cache.Dirty())

	resp := f.do(t, http.MethodPost, "/v1/sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[writeback.SyncResult](t, resp)
	assert.Equal(t, 3, res.Blocks)
	assert.Equal(t, 0, f.cache.Dirty())
	assert.Len(t, f.store.Keys(), 3)

	resp = f.do(t, http.MethodPost, "/v1/sync", nil)
	assert.Equal(t, 0, decode[writeback.SyncResult](t, resp).Blocks)
}

func TestLocks(t *testing.T) {
	f := newFixture(t, false)
	f.do(t, http.MethodPut, "/v1/files/db", strings.NewReader("data"))

	lock := func(owner, typ string) *http.Response {
		body, _ := json.Marshal(LockRequest{Owner: owner, Type: typ, Length: 4})
		return f.do(t, http.MethodPost, "/v1/locks/db", bytes.NewReader(body))
	}

	assert.Equal(t, http.StatusOK, lock("a", "exclusive").StatusCode)

	resp := lock("b", "shared")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	p := decode[Problem](t, resp)
	require.NotNil(t, p.Holder)
	assert.Equal(t, "a", p.Holder.Owner)

	assert.Equal(t, http.StatusBadRequest, lock("b", "bogus").StatusCode)

	resp = f.do(t, http.MethodGet, "/v1/locks/db", nil)
	assert.Len(t, decode[[]filelock.Lock](t, resp), 1)

	resp = f.do(t, http.MethodDelete, "/v1/locks/db?owner=a", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/v1/locks/db?owner=a", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.do(t, http.MethodDelete, "/v1/locks/db", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusOK, lock("b", "shared").StatusCode)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, false)
	var got reboot.Action
	f.events.Register(nil, func(_ context.Context, a reboot.Action, _ any) reboot.Status {
		got = a
		return reboot.StatusOK
	})

	resp := f.do(t, http.MethodPost, "/v1/lifecycle/restart", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, LifecycleResponse{Action: "restart", Status: "ok"}, decode[LifecycleResponse](t, resp))
	assert.Equal(t, reboot.ActionRestart, got)

	resp = f.do(t, http.MethodPost, "/v1/lifecycle/suspend", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLifecycleOutlivesClientCancel(t *testing.T) {
	bufpool.Initialize(bufpool.DefaultConfig())
	inodes := inode.NewRegistry()
	inodes.Initialize()
	events := reboot.NewRegistry()

	var flushCtxErr error
	events.Register([]reboot.Action{reboot.ActionPowerOff}, func(ctx context.Context, _ reboot.Action, _ any) reboot.Status {
		flushCtxErr = ctx.Err()
		return reboot.StatusOK
	})

	deps := Deps{Inodes: inodes, Data: writeback.New(writeback.Config{}, memory.New()), Lifecycle: events}
	handler := New(Config{}, deps).Handler()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/v1/lifecycle/poweroff", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, flushCtxErr)
}

func TestBodyLimit(t *testing.T) {
	bufpool.Initialize(bufpool.DefaultConfig())
	inodes := inode.NewRegistry()
	inodes.Initialize()
	cache := writeback.New(writeback.Config{}, memory.New())

	srv := httptest.NewServer(New(Config{MaxBodySize: 4}, Deps{Inodes: inodes, Data: cache}).Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/v1/files/x", strings.NewReader("too large"))
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v1/locks/x", nil)
	require.NoError(t, err)
	resp2, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode, "locking disabled")
}

func TestInitializeAndStop(t *testing.T) {
	bufpool.Initialize(bufpool.DefaultConfig())
	inodes := inode.NewRegistry()
	inodes.Initialize()
	cache := writeback.New(writeback.Config{}, memory.New())

	s := New(Config{Listen: "127.0.0.1:0"}, Deps{Inodes: inodes, Data: cache})
	assert.Empty(t, s.Addr())
	assert.NoError(t, s.Stop(context.Background()))

	s.Initialize()
	s.Initialize()
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestInitializePanicsOnBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	bufpool.Initialize(bufpool.DefaultConfig())
	inodes := inode.NewRegistry()
	inodes.Initialize()
	s := New(Config{Listen: ln.Addr().String()}, Deps{Inodes: inodes, Data: writeback.New(writeback.Config{}, memory.New())})
	assert.Panics(t, s.Initialize)

	assert.Panics(t, New(Config{}, Deps{}).Initialize)
}
