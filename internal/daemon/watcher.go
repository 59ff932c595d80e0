package daemon

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.olrik.dev/inferd/internal/core"
)

const configReloadDebounce = 500 * time.Millisecond

// reloadConfig re-reads config.hcl and restarts the gateway with the new
// settings. A broken file leaves the running configuration in place.
func (d *Daemon) reloadConfig() error {
	oldConfig := core.Config
	configPath := core.GetConfigFilePath()

	newConfig, err := core.ReloadConfig()
	if err != nil {
		slog.Error("Configuration file has errors, keeping previous configuration",
			"file", configPath,
			"error", err)
		return fmt.Errorf("config parse error: %w", err)
	}

	// The restart budget and worker launch settings belong to the running
	// supervision loop; they apply from the next RECOVER or daemon start.
	if newConfig.Supervisor.MaxRestarts != oldConfig.Supervisor.MaxRestarts {
		slog.Warn("supervisor.max_restarts changes take effect after a daemon restart",
			"running", d.state.Restarts.Max(),
			"configured", newConfig.Supervisor.MaxRestarts)
	}

	core.Config = newConfig

	if err := d.restartGateway(); err != nil {
		slog.Error("Failed to restart gateway after config change", "error", err)
		return fmt.Errorf("gateway restart failed: %w", err)
	}

	d.logDaemonEvent("config_reload", configPath)
	slog.Info("Configuration reloaded successfully")
	return nil
}

// watchConfig reloads the configuration when config.hcl changes.
func (d *Daemon) watchConfig() {
	configPath := core.GetConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	if err := watcher.Add(configPath); err != nil {
		slog.Warn("Not watching config file", "error", err, "path", configPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				// Editors that save atomically replace the file, which drops
				// it from the watch list.
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go rewatch(watcher, configPath)
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(configReloadDebounce, func() {
					if d.ctx.Err() != nil {
						return
					}
					slog.Info("Configuration file changed, reloading...", "file", configPath)
					if err := d.reloadConfig(); err != nil {
						slog.Debug("Config reload failed", "error", err)
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes", "file", configPath)
}

// rewatch re-adds the config file to the watcher, retrying while an atomic
// save is still in progress.
func rewatch(watcher *fsnotify.Watcher, path string) {
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
		}
		watcher.Remove(path)
		if err := watcher.Add(path); err == nil {
			slog.Debug("Re-added config watch", "path", path, "attempt", attempt+1)
			return
		} else if attempt == 4 {
			slog.Error("Failed to re-add config watch after multiple attempts", "error", err, "path", path)
		}
	}
}
