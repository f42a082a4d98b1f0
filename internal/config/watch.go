package config

import (
	"errors"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ChangeHandler is called with the previous and the reloaded configuration.
type ChangeHandler func(old, cur *Config)

// Watcher reloads the configuration file when it changes. A reload that
// fails to parse or validate keeps the current configuration.
type Watcher struct {
	v      *viper.Viper
	path   string
	logger *zap.Logger

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler
}

// NewWatcher loads path and prepares a watcher for it. Call Start to begin
// watching.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("config watcher requires a file")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{v: v, path: path, logger: logger, current: cfg}, nil
}

// Current returns the active configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a handler for successful reloads.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	w.handlers = append(w.handlers, h)
	w.mu.Unlock()
}

// Start begins watching the file through fsnotify.
func (w *Watcher) Start() {
	w.v.OnConfigChange(w.handleEvent)
	w.v.WatchConfig()
	w.logger.Info("Watching configuration file", zap.String("path", w.path))
}

func (w *Watcher) handleEvent(e fsnotify.Event) {
	if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
		return
	}
	if err := w.reload(); err != nil {
		w.logger.Error("Configuration reload rejected, keeping previous settings",
			zap.String("file", e.Name),
			zap.String("op", e.Op.String()),
			zap.Error(err),
		)
	}
}

func (w *Watcher) reload() error {
	if err := w.v.ReadInConfig(); err != nil {
		return err
	}
	cfg, err := decode(w.v)
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.current
	w.current = cfg
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded",
		zap.String("path", w.path),
		zap.String("log_level", cfg.Logging.Level),
		zap.Float64("dedup_threshold", cfg.Dedup.Threshold),
	)
	for _, h := range handlers {
		h(old, cfg)
	}
	return nil
}
