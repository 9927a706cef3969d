package inode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vfsinit/pkg/bufpool"
)

func newReady(t *testing.T) *Registry {
	t.Helper()
	bufpool.Initialize(bufpool.DefaultConfig())
	r := NewRegistry()
	r.Initialize()
	return r
}

func TestInitializeCreatesRootOnce(t *testing.T) {
	r := newReady(t)
	require.True(t, r.Ready())

	root, err := r.Find("/")
	require.NoError(t, err)
	assert.Equal(t, RootID, root.ID)
	assert.True(t, root.IsDir())

	_, err = r.Reserve("/a", KindFile)
	require.NoError(t, err)

	r.Initialize()
	assert.Equal(t, 2, r.Count(), "second Initialize must not reset the tree")
}

func TestOperationsBeforeInitialize(t *testing.T) {
	r := NewRegistry()
	_, err := r.Reserve("/a", KindFile)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = r.Lookup(1)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, r.Walk(func(string, Info) error { return nil }), ErrNotInitialized)
}

func TestReserveCreatesParents(t *testing.T) {
	r := newReady(t)

	var changes []Change
	r.SetObserver(func(c Change) { changes = append(changes, c) })

	n, err := r.Reserve("/var/log/boot.log", KindFile)
	require.NoError(t, err)
	assert.Equal(t, "boot.log", n.Name)
	assert.Equal(t, KindFile, n.Kind)

	dir, err := r.Find("/var/log")
	require.NoError(t, err)
	assert.True(t, dir.IsDir())

	require.Len(t, changes, 3)
	assert.Equal(t, "/var", changes[0].Path)
	assert.Equal(t, "/var/log/boot.log", changes[2].Path)
	assert.Equal(t, OpCreate, changes[2].Op)

	again, err := r.Reserve("/var/log/boot.log", KindFile)
	require.NoError(t, err)
	assert.Same(t, n, again)
	assert.Len(t, changes, 3)
}

func TestReserveErrors(t *testing.T) {
	r := newReady(t)
	_, err := r.Reserve("/etc/passwd", KindFile)
	require.NoError(t, err)

	tests := []struct {
		name string
		path string
		kind Kind
		want error
	}{
		{"Relative", "etc", KindDir, ErrInvalidPath},
		{"Empty", "", KindDir, ErrInvalidPath},
		{"KindMismatch", "/etc/passwd", KindDir, ErrExist},
		{"ThroughFile", "/etc/passwd/x", KindFile, ErrNotDir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Reserve(tt.path, tt.kind)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRemove(t *testing.T) {
	r := newReady(t)
	f, err := r.Reserve("/tmp/file", KindFile)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Remove("/tmp"), ErrNotEmpty)
	assert.ErrorIs(t, r.Remove("/"), ErrBusy)
	assert.ErrorIs(t, r.Remove("/nope"), ErrNotExist)

	f.AddRef()
	assert.ErrorIs(t, r.Remove("/tmp/file"), ErrBusy)
	f.Release()

	var removed []string
	r.SetObserver(func(c Change) {
		if c.Op == OpRemove {
			removed = append(removed, c.Path)
		}
	})

	require.NoError(t, r.Remove("/tmp/file"))
	require.NoError(t, r.Remove("/tmp"))
	assert.Equal(t, []string{"/tmp/file", "/tmp"}, removed)

	_, err = r.Lookup(f.ID)
	assert.True(t, errors.Is(err, ErrNotExist))
	assert.Equal(t, 1, r.Count())
}

func TestTouchAndStat(t *testing.T) {
	r := newReady(t)
	f, err := r.Reserve("/data/blob", KindFile)
	require.NoError(t, err)

	var got Change
	r.SetObserver(func(c Change) { got = c })
	require.NoError(t, r.Touch(f.ID, 4096))

	assert.Equal(t, OpModify, got.Op)
	assert.Equal(t, "/data/blob", got.Path)

	info, err := r.Stat("/data/blob")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), info.Size)
	assert.Equal(t, "file", info.Kind)

	p, err := r.Path(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "/data/blob", p)

	assert.ErrorIs(t, r.Touch(999, 1), ErrNotExist)
}

func TestListAndWalk(t *testing.T) {
	r := newReady(t)
	for _, p := range []string{"/b", "/a/2", "/a/1"} {
		_, err := r.Reserve(p, KindFile)
		require.NoError(t, err)
	}

	list, err := r.List("/a")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1", list[0].Name)

	_, err = r.List("/b")
	assert.ErrorIs(t, err, ErrNotDir)

	var paths []string
	require.NoError(t, r.Walk(func(p string, _ Info) error {
		paths = append(paths, p)
		return nil
	}))
	assert.Equal(t, []string{"/", "/a", "/a/1", "/a/2", "/b"}, paths)

	stop := errors.New("stop")
	assert.ErrorIs(t, r.Walk(func(string, Info) error { return stop }), stop)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	n := &Inode{}
	assert.Equal(t, int32(0), n.Release())
	n.AddRef()
	assert.Equal(t, int32(0), n.Release())
	assert.Equal(t, int32(0), n.Refs())
}

func TestCleanNormalizes(t *testing.T) {
	p, err := Clean("/a//b/../c/")
	require.NoError(t, err)
	assert.Equal(t, "/a/c", p)
}
