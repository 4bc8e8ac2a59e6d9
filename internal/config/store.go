package config

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor save bursts (truncate + write + chmod all
// fire separate fsnotify events) into a single reload, per spec.md §4.1.
const reloadDebounce = 500 * time.Millisecond

// Store holds the process-wide active config under copy-on-write
// semantics: readers dereference an immutable snapshot, the watcher
// publishes a new one on file change. There is no lock on the read path.
type Store struct {
	path    string
	current atomic.Pointer[ActiveConfig]
	logger  *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore loads path once, synchronously, and returns a Store ready to
// serve Current(). A startup load failure is fatal (spec.md §6 exit code 1)
// and is returned unwrapped so main can decide how to exit.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	s := &Store{path: path, logger: logger, done: make(chan struct{})}
	s.current.Store(cfg)
	return s, nil
}

// Current returns the active snapshot. Safe for concurrent use; never
// blocks on the writer.
func (s *Store) Current() *ActiveConfig {
	return s.current.Load()
}

// Watch starts the fsnotify-driven hot-reload loop. It runs until Close is
// called. A failed reload is logged at warn and leaves the previous
// snapshot in force — it never interrupts in-flight requests.
func (s *Store) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = w

	if err := w.Add(s.path); err != nil {
		w.Close()
		return err
	}

	go s.loop()
	return nil
}

func (s *Store) loop() {
	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(reloadDebounce)
			}
			debounceC = debounce.C

		case <-debounceC:
			s.reload()
			debounceC = nil

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("config watcher error", "error", err)

		case <-s.done:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (s *Store) reload() {
	cfg, err := Load(s.path)
	if err != nil {
		s.logger.Warn("config reload rejected, keeping previous snapshot", "error", err)
		return
	}
	s.current.Store(cfg)
	s.logger.Info("config reloaded", "backends", len(cfg.Backends))
}

// Close stops the watcher goroutine and releases the fsnotify handle.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
