package config

import (
	"log/slog"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher hot-reloads the subset of configuration that is safe to apply
// without a restart: log level, poll intervals, scheduler fallback
// interval. Fields that require a restart (db paths, agent id) are
// diffed and only logged, never applied live — per SPEC_FULL §2.3.
type Watcher struct {
	logger  *slog.Logger
	current atomic.Pointer[Config]
	onLive  func(*Config)
}

// NewWatcher wraps the already-loaded config and arms viper's fsnotify
// watch on the file it was read from.
func NewWatcher(logger *slog.Logger, cfg *Config, configFile string, onLive func(*Config)) *Watcher {
	w := &Watcher{logger: logger, onLive: onLive}
	w.current.Store(cfg)

	if configFile == "" {
		return w
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	v.OnConfigChange(func(e fsnotify.Event) {
		w.reload(v, configFile)
	})
	v.WatchConfig()
	return w
}

func (w *Watcher) reload(v *viper.Viper, configFile string) {
	fresh, _, err := Load(configFile, nil)
	if err != nil {
		w.logger.Warn("config reload rejected", "error", err)
		return
	}

	prev := w.current.Load()
	w.logRestartRequiredDiffs(prev, fresh)
	w.current.Store(fresh)
	if w.onLive != nil {
		w.onLive(fresh)
	}
	w.logger.Info("config reloaded")
}

func (w *Watcher) logRestartRequiredDiffs(prev, fresh *Config) {
	if prev == nil {
		return
	}
	if prev.Database.Path != fresh.Database.Path || prev.Database.StatePath != fresh.Database.StatePath {
		w.logger.Warn("database paths changed; restart required to take effect")
	}
	if prev.Edge.AgentID != fresh.Edge.AgentID {
		w.logger.Warn("edge.agent_id changed; restart required to take effect")
	}
	if prev.IMessage.DBPath != fresh.IMessage.DBPath {
		w.logger.Warn("imessage.db_path changed; restart required to take effect")
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}
