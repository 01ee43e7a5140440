package fswatch

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultSettleDelay = 500 * time.Millisecond

type Options struct {
	Directory string
	Formats   []string
	OnFile    func(path string)
	// SettleDelay is how long to wait after a creation event before
	// dispatching, so the writer can finish flushing.
	SettleDelay time.Duration
	Logger      *slog.Logger
}

// Monitor watches a single directory, non-recursively, for newly created
// files with a supported extension and dispatches each one to the callback
// from the watch goroutine.
type Monitor struct {
	dir     string
	formats map[string]struct{}
	onFile  func(string)
	settle  time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

func NewMonitor(opts Options) (*Monitor, error) {
	dir := strings.TrimSpace(opts.Directory)
	if dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("watch directory does not exist: %s", dir)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch path is not a directory: %s", dir)
	}
	if opts.OnFile == nil {
		return nil, fmt.Errorf("file callback is required")
	}
	settle := opts.SettleDelay
	if settle <= 0 {
		settle = defaultSettleDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Monitor{
		dir:     dir,
		formats: formatSet(opts.Formats),
		onFile:  opts.OnFile,
		settle:  settle,
		logger:  logger.With("component", "fs-monitor"),
	}, nil
}

func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return fmt.Errorf("monitor already watching %s", m.dir)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	m.watcher = watcher
	m.wg.Add(1)
	go m.watch(watcher)
	m.logger.Info("started monitoring directory", "dir", m.dir)
	return nil
}

// Stop terminates the watch and blocks until the watch goroutine has
// drained and exited.
func (m *Monitor) Stop() {
	m.mu.Lock()
	watcher := m.watcher
	m.watcher = nil
	m.mu.Unlock()
	if watcher == nil {
		return
	}
	_ = watcher.Close()
	m.wg.Wait()
	m.logger.Info("stopped monitoring directory", "dir", m.dir)
}

func (m *Monitor) watch(watcher *fsnotify.Watcher) {
	defer m.wg.Done()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				m.handleCreate(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watch error", "error", err)
		}
	}
}

func (m *Monitor) handleCreate(name string) {
	info, err := os.Stat(name)
	if err != nil || info.IsDir() {
		return
	}
	if _, ok := m.formats[extensionOf(name)]; !ok {
		return
	}
	m.logger.Info("new file detected", "path", name)
	// Let the writer finish before the handler reads the file.
	time.Sleep(m.settle)
	abs, err := filepath.Abs(name)
	if err != nil {
		abs = name
	}
	m.onFile(abs)
}

// ExistingFiles scans the directory once, non-recursively, for files with a
// supported extension and returns their absolute paths. Scan errors are
// logged and yield an empty list.
func (m *Monitor) ExistingFiles() []string {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Error("failed to scan directory", "dir", m.dir, "error", err)
		return nil
	}
	var existing []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := filepath.Join(m.dir, entry.Name())
		if _, ok := m.formats[extensionOf(name)]; !ok {
			continue
		}
		abs, err := filepath.Abs(name)
		if err != nil {
			abs = name
		}
		existing = append(existing, abs)
	}
	m.logger.Info("found existing files", "count", len(existing))
	return existing
}

func formatSet(formats []string) map[string]struct{} {
	set := make(map[string]struct{}, len(formats))
	for _, format := range formats {
		format = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(format, ".")))
		if format != "" {
			set[format] = struct{}{}
		}
	}
	return set
}

func extensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
