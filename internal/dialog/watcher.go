package dialog

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher hot-reloads a rules file into a machine. A file that fails to
// compile is logged and the previous set stays live.
type Watcher struct {
	fs     *fsnotify.Watcher
	done   chan struct{}
	closed chan struct{}
}

// WatchRules watches path and swaps the machine's rule set on every write.
// Watching the parent directory survives the rename-then-replace dance most
// editors and config managers do.
func WatchRules(path string, machine *Machine, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fs.Close()
		return nil, err
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{fs: fs, done: make(chan struct{}), closed: make(chan struct{})}
	go func() {
		defer close(w.closed)
		for {
			select {
			case <-w.done:
				return
			case ev, ok := <-fs.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				rs, err := LoadRules(abs)
				if err != nil {
					logger.Warn("rules file rejected, keeping previous set", zap.String("path", abs), zap.Error(err))
					continue
				}
				machine.Swap(rs)
				logger.Info("rules file reloaded",
					zap.String("path", abs),
					zap.Int("static_rules", len(rs.Static)),
					zap.Int("dynamic_rules", len(rs.Dynamic)))
			case err, ok := <-fs.Errors:
				if !ok {
					return
				}
				logger.Warn("rules watcher error", zap.Error(err))
			}
		}
	}()
	return w, nil
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	<-w.closed
	return err
}
