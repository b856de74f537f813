package permission

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/opencode-ai/gatekeeper/internal/logging"
)

// Watcher reloads an Approvals store when its file changes on disk, so
// patterns edited by hand take effect without a restart.
type Watcher struct {
	approvals *Approvals
	watcher   *fsnotify.Watcher
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
	// reloaded is signalled after each reload; tests wait on it.
	reloaded chan struct{}
}

// Watch starts watching the approvals file. It returns nil for stores
// without a file.
func Watch(a *Approvals) (*Watcher, error) {
	if a.Path() == "" {
		return nil, nil
	}
	dir := filepath.Dir(a.Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; atomic renames replace the file's inode.
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		approvals: a,
		watcher:   fw,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		reloaded:  make(chan struct{}, 1),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer close(w.doneCh)
	target := filepath.Clean(w.approvals.Path())

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.approvals.Reload(); err != nil {
				logging.Warn().Err(err).Str("path", target).Msg("approvals reload failed")
				continue
			}
			logging.Debug().Str("path", target).Msg("approvals reloaded")
			select {
			case w.reloaded <- struct{}{}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("approvals watcher error")
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	if w == nil {
		return nil
	}
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return w.watcher.Close()
}
