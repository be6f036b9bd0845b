// 目录文件变更监听器。
//
// 轮询文件修改时间，防抖后触发回调；WatchCatalogs 把回调接到 CatalogLibrary.Reload。
package knowledge

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- 文件事件 ---

// FileEvent represents a catalog file change
type FileEvent struct {
	Path      string    `json:"path"`
	Op        FileOp    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// FileOp represents file operation types
type FileOp int

const (
	// FileOpCreate 文件出现
	FileOpCreate FileOp = iota
	// FileOpWrite 文件被修改
	FileOpWrite
	// FileOpRemove 文件被删除
	FileOpRemove
)

// String returns the string representation of FileOp
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "CREATE"
	case FileOpWrite:
		return "WRITE"
	case FileOpRemove:
		return "REMOVE"
	default:
		return "UNKNOWN"
	}
}

// --- 监听器选项 ---

// WatcherOption configures the Watcher
type WatcherOption func(*Watcher)

// WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDebounceDelay sets the debounce delay for file events
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithWatcherLogger sets the logger for the watcher
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger.With(zap.String("component", "catalog_watcher"))
		}
	}
}

// --- 监听器 ---

// Watcher 轮询一组文件，修改 / 创建 / 删除时回调
type Watcher struct {
	mu sync.RWMutex

	paths         []string
	interval      time.Duration
	debounceDelay time.Duration

	running  bool
	stopChan chan struct{}
	done     chan struct{}

	callbacks    []func(FileEvent)
	lastModTimes map[string]time.Time

	logger *zap.Logger
}

// NewWatcher creates a new polling watcher
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		paths:         append([]string(nil), paths...),
		interval:      2 * time.Second,
		debounceDelay: 100 * time.Millisecond,
		lastModTimes:  make(map[string]time.Time),
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range w.paths {
		if _, err := os.Stat(path); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to stat path %s: %w", path, err)
			}
			w.logger.Warn("catalog file does not exist, will watch for creation", zap.String("path", path))
		}
	}
	return w, nil
}

// OnChange registers a callback for file change events
func (w *Watcher) OnChange(callback func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Start begins polling; it stops on ctx cancellation or Stop
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.done = make(chan struct{})

	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastModTimes[path] = info.ModTime()
		}
	}

	go w.loop(ctx, w.stopChan, w.done)

	w.logger.Info("catalog watcher started",
		zap.Strings("paths", w.paths),
		zap.Duration("interval", w.interval))
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopChan)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("catalog watcher stopped")
}

// IsRunning returns whether the watcher is running
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Paths returns the watched paths
func (w *Watcher) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.paths...)
}

func (w *Watcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// 同一路径在防抖窗口内的事件只保留最后一个
	pending := make(map[string]FileEvent)
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			events := w.checkFiles()
			if len(events) == 0 {
				continue
			}
			for _, evt := range events {
				pending[evt.Path] = evt
			}
			fire = time.After(w.debounceDelay)
		case <-fire:
			fire = nil
			w.dispatch(pending)
			pending = make(map[string]FileEvent)
		}
	}
}

// checkFiles compares modification times against the last poll
func (w *Watcher) checkFiles() []FileEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []FileEvent
	now := time.Now()
	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			if _, existed := w.lastModTimes[path]; existed && os.IsNotExist(err) {
				delete(w.lastModTimes, path)
				events = append(events, FileEvent{Path: path, Op: FileOpRemove, Timestamp: now})
			}
			continue
		}

		lastMod, existed := w.lastModTimes[path]
		switch {
		case !existed:
			w.lastModTimes[path] = info.ModTime()
			events = append(events, FileEvent{Path: path, Op: FileOpCreate, Timestamp: now})
		case !info.ModTime().Equal(lastMod):
			w.lastModTimes[path] = info.ModTime()
			events = append(events, FileEvent{Path: path, Op: FileOpWrite, Timestamp: now})
		}
	}
	return events
}

func (w *Watcher) dispatch(pending map[string]FileEvent) {
	w.mu.RLock()
	callbacks := slices.Clone(w.callbacks)
	w.mu.RUnlock()

	for path, evt := range pending {
		w.logger.Debug("dispatching file event", zap.String("path", path), zap.String("op", evt.Op.String()))
		for _, cb := range callbacks {
			cb(evt)
		}
	}
}

// WatchCatalogs 为目录库启动监听，文件写入或创建时 Reload。
// 删除事件只记录日志，库继续使用上次加载的内容
func WatchCatalogs(ctx context.Context, interval time.Duration, logger *zap.Logger, libs ...*CatalogLibrary) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	byPath := make(map[string]*CatalogLibrary, len(libs))
	paths := make([]string, 0, len(libs))
	for _, lib := range libs {
		if lib == nil {
			continue
		}
		byPath[lib.Path()] = lib
		paths = append(paths, lib.Path())
	}

	w, err := NewWatcher(paths, WithPollInterval(interval), WithWatcherLogger(logger))
	if err != nil {
		return nil, err
	}
	w.OnChange(func(evt FileEvent) {
		lib, ok := byPath[evt.Path]
		if !ok {
			return
		}
		if evt.Op == FileOpRemove {
			w.logger.Warn("catalog file removed, keeping last snapshot", zap.String("library", lib.Name()))
			return
		}
		if err := lib.Reload(); err != nil {
			w.logger.Error("catalog reload failed", zap.String("library", lib.Name()), zap.Error(err))
		}
	})

	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}
