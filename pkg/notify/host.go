package notify

import (
	"errors"
	"path"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/vfsinit/internal/logger"
)

// hostBridge republishes changes of a host directory through fsnotify.
type hostBridge struct {
	watcher *fsnotify.Watcher
	dir     string
	prefix  string
	publish func(Event) int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newHostBridge(dir, prefix string, publish func(Event) int) (*hostBridge, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}

	b := &hostBridge{
		watcher: w,
		dir:     filepath.Clean(dir),
		prefix:  prefix,
		publish: publish,
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()

	logger.Info("Host directory bridge started", logger.Path(b.dir), "prefix", prefix)
	return b, nil
}

func (b *hostBridge) run() {
	defer b.wg.Done()
	for {
		select {
		case ev, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if out, ok := b.translate(ev); ok {
				b.publish(out)
			}
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				logger.Warn("Host directory events dropped", logger.Path(b.dir), logger.Err(err))
				continue
			}
			logger.Warn("Host directory watcher error", logger.Path(b.dir), logger.Err(err))
		case <-b.done:
			return
		}
	}
}

func (b *hostBridge) translate(ev fsnotify.Event) (Event, bool) {
	rel, err := filepath.Rel(b.dir, ev.Name)
	if err != nil {
		return Event{}, false
	}

	var op Mask
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		op = OpRemove
	case ev.Has(fsnotify.Write):
		op = OpModify
	case ev.Has(fsnotify.Chmod):
		op = OpAttrib
	default:
		return Event{}, false
	}
	return Event{Op: op, Path: path.Join(b.prefix, filepath.ToSlash(rel))}, true
}

func (b *hostBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.watcher.Close()
		b.wg.Wait()
	})
	return err
}
