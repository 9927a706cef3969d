// Package inode is the in-memory inode registry: a path-addressed tree that
// names every file and directory the filesystem layer knows about.
//
// The registry is the second step of bring-up. It draws its name buffers
// from the allocator, so Initialize refuses to run before bufpool is ready.
package inode

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/bufpool"
)

// RootID is the inode number of "/".
const RootID uint64 = 1

// Kind is the type of an inode.
type Kind uint8

const (
	KindFile Kind = iota + 1
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrNotExist is returned when a path or inode number is unknown.
	ErrNotExist = errors.New("inode: no such file or directory")
	// ErrExist is returned when reserving a path that exists with another kind.
	ErrExist = errors.New("inode: file exists")
	// ErrNotDir is returned when a path component is not a directory.
	ErrNotDir = errors.New("inode: not a directory")
	// ErrNotEmpty is returned when removing a directory with children.
	ErrNotEmpty = errors.New("inode: directory not empty")
	// ErrBusy is returned when removing the root or a referenced inode.
	ErrBusy = errors.New("inode: resource busy")
	// ErrInvalidPath is returned for relative or empty paths.
	ErrInvalidPath = errors.New("inode: invalid path")
	// ErrNotInitialized is returned by registry operations before Initialize.
	ErrNotInitialized = errors.New("inode: registry not initialized")
)

// Inode is a node of the tree. Exported fields are a snapshot; use the
// registry to change them.
type Inode struct {
	ID    uint64
	Name  string
	Kind  Kind
	Size  int64
	Mtime time.Time

	parent   *Inode
	children map[string]*Inode
	refs     atomic.Int32
}

// IsDir reports whether the inode is a directory.
func (n *Inode) IsDir() bool {
	return n.Kind == KindDir
}

// Refs returns the current reference count.
func (n *Inode) Refs() int32 {
	return n.refs.Load()
}

// Info is an immutable copy of an inode's attributes.
type Info struct {
	ID       uint64    `json:"id"`
	Path     string    `json:"path"`
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Size     int64     `json:"size"`
	Mtime    time.Time `json:"mtime"`
	Children int       `json:"children,omitempty"`
}

// ChangeOp is the type of a tree mutation.
type ChangeOp uint8

const (
	OpCreate ChangeOp = iota + 1
	OpRemove
	OpModify
)

func (o ChangeOp) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// Change describes a tree mutation delivered to the registry observer.
type Change struct {
	Op   ChangeOp
	ID   uint64
	Path string
	Kind Kind
}

// Registry is the inode tree.
type Registry struct {
	mu       sync.RWMutex
	root     *Inode
	byID     map[uint64]*Inode
	nextID   uint64
	observer func(Change)

	initOnce sync.Once
}

// NewRegistry returns an uninitialized registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Initialize creates the root directory. It panics with
// bufpool.ErrNotInitialized when the allocator is not ready; the bring-up
// sequencer turns that into a halt. Later calls are no-ops.
func (r *Registry) Initialize() {
	if !bufpool.Ready() {
		panic(fmt.Errorf("inode registry: %w", bufpool.ErrNotInitialized))
	}
	r.initOnce.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.root = &Inode{ID: RootID, Name: "/", Kind: KindDir, Mtime: time.Now(), children: map[string]*Inode{}}
		r.byID = map[uint64]*Inode{RootID: r.root}
		r.nextID = RootID + 1

		logger.Debug("Inode registry ready", logger.InodeID(RootID))
	})
}

// Ready reports whether Initialize has completed.
func (r *Registry) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.root != nil
}

// SetObserver installs fn to receive every change. fn is called after the
// registry lock is released.
func (r *Registry) SetObserver(fn func(Change)) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// Clean normalizes p to an absolute slash-separated path.
func Clean(p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return path.Clean(p), nil
}

func split(p string) []string {
	if p == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}

// Reserve returns the inode at p, creating it (and any missing parent
// directories) with the given kind. Reserving an existing path of the same
// kind returns the existing inode.
func (r *Registry) Reserve(p string, kind Kind) (*Inode, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}

	var created []Change

	r.mu.Lock()
	if r.root == nil {
		r.mu.Unlock()
		return nil, ErrNotInitialized
	}

	cur := r.root
	parts := split(p)
	for i, name := range parts {
		if !cur.IsDir() {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNotDir, cur.Name)
		}
		last := i == len(parts)-1
		next, ok := cur.children[name]
		if !ok {
			k := KindDir
			if last {
				k = kind
			}
			next = r.newChildLocked(cur, name, k)
			created = append(created, Change{Op: OpCreate, ID: next.ID, Path: "/" + strings.Join(parts[:i+1], "/"), Kind: k})
		}
		cur = next
	}
	if cur.Kind != kind {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is a %s", ErrExist, p, cur.Kind)
	}
	observer := r.observer
	r.mu.Unlock()

	for _, c := range created {
		logger.Debug("Inode reserved", logger.Path(c.Path), logger.InodeID(c.ID), logger.KeyKind, c.Kind.String())
		if observer != nil {
			observer(c)
		}
	}
	return cur, nil
}

func (r *Registry) newChildLocked(parent *Inode, name string, kind Kind) *Inode {
	n := &Inode{
		ID:     r.nextID,
		Name:   name,
		Kind:   kind,
		Mtime:  time.Now(),
		parent: parent,
	}
	if kind == KindDir {
		n.children = map[string]*Inode{}
	}
	r.nextID++
	parent.children[name] = n
	parent.Mtime = n.Mtime
	r.byID[n.ID] = n
	return n
}

// Find returns the inode at p.
func (r *Registry) Find(p string) (*Inode, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(p)
}

func (r *Registry) findLocked(p string) (*Inode, error) {
	if r.root == nil {
		return nil, ErrNotInitialized
	}
	cur := r.root
	for _, name := range split(p) {
		if !cur.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrNotDir, cur.Name)
		}
		next, ok := cur.children[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, p)
		}
		cur = next
	}
	return cur, nil
}

// Lookup returns the inode with the given number.
func (r *Registry) Lookup(id uint64) (*Inode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.root == nil {
		return nil, ErrNotInitialized
	}
	n, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: inode %d", ErrNotExist, id)
	}
	return n, nil
}

// Remove unlinks the inode at p. Directories must be empty and inodes with
// outstanding references cannot be removed.
func (r *Registry) Remove(p string) error {
	p, err := Clean(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	n, err := r.findLocked(p)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	switch {
	case n == r.root, n.Refs() > 0:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBusy, p)
	case n.IsDir() && len(n.children) > 0:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotEmpty, p)
	}

	delete(n.parent.children, n.Name)
	n.parent.Mtime = time.Now()
	delete(r.byID, n.ID)
	observer := r.observer
	r.mu.Unlock()

	logger.Debug("Inode removed", logger.Path(p), logger.InodeID(n.ID))
	if observer != nil {
		observer(Change{Op: OpRemove, ID: n.ID, Path: p, Kind: n.Kind})
	}
	return nil
}

// Touch records a content change: it updates size and mtime and emits an
// OpModify change.
func (r *Registry) Touch(id uint64, size int64) error {
	r.mu.Lock()
	n, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: inode %d", ErrNotExist, id)
	}
	n.Size = size
	n.Mtime = time.Now()
	p := r.pathLocked(n)
	observer := r.observer
	r.mu.Unlock()

	if observer != nil {
		observer(Change{Op: OpModify, ID: id, Path: p, Kind: n.Kind})
	}
	return nil
}

// Path returns the absolute path of the inode with the given number.
func (r *Registry) Path(id uint64) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.byID[id]
	if !ok {
		return "", fmt.Errorf("%w: inode %d", ErrNotExist, id)
	}
	return r.pathLocked(n), nil
}

func (r *Registry) pathLocked(n *Inode) string {
	if n == r.root {
		return "/"
	}
	var parts []string
	for cur := n; cur != nil && cur != r.root; cur = cur.parent {
		parts = append(parts, cur.Name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// Stat returns the attributes of the inode at p.
func (r *Registry) Stat(p string) (Info, error) {
	p, err := Clean(p)
	if err != nil {
		return Info{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	n, err := r.findLocked(p)
	if err != nil {
		return Info{}, err
	}
	return r.infoLocked(n), nil
}

// List returns the children of the directory at p sorted by name.
func (r *Registry) List(p string) ([]Info, error) {
	p, err := Clean(p)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	n, err := r.findLocked(p)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDir, p)
	}

	out := make([]Info, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, r.infoLocked(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) infoLocked(n *Inode) Info {
	return Info{
		ID:       n.ID,
		Path:     r.pathLocked(n),
		Name:     n.Name,
		Kind:     n.Kind.String(),
		Size:     n.Size,
		Mtime:    n.Mtime,
		Children: len(n.children),
	}
}

// Walk calls fn for every inode in depth-first, name-sorted order. Walking
// stops at the first error, which is returned.
func (r *Registry) Walk(fn func(path string, n Info) error) error {
	r.mu.RLock()
	if r.root == nil {
		r.mu.RUnlock()
		return ErrNotInitialized
	}
	var infos []Info
	var visit func(n *Inode)
	visit = func(n *Inode) {
		infos = append(infos, r.infoLocked(n))
		names := make([]string, 0, len(n.children))
		for name := range n.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			visit(n.children[name])
		}
	}
	visit(r.root)
	r.mu.RUnlock()

	for _, info := range infos {
		if err := fn(info.Path, info); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of inodes, root included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// AddRef increments the reference count of n.
func (n *Inode) AddRef() int32 {
	return n.refs.Add(1)
}

// Release decrements the reference count of n. Releasing an unreferenced
// inode is a no-op.
func (n *Inode) Release() int32 {
	for {
		cur := n.refs.Load()
		if cur == 0 {
			return 0
		}
		if n.refs.CompareAndSwap(cur, cur-1) {
			return cur - 1
		}
	}
}
