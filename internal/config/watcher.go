package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Watcher monitors the .env file and applies the runtime-tunable subset of
// the configuration without a restart: log level and scan interval.
type Watcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	lastModTime time.Time
	mu          sync.Mutex
	onReload    func(changes []string)
}

// NewWatcher creates a watcher for the env file the config was loaded from.
// onReload runs after changed values have been written back into config.
func NewWatcher(config *Config, onReload func(changes []string)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:   config,
		envPath:  config.EnvFile,
		watcher:  watcher,
		stopChan: make(chan struct{}),
		onReload: onReload,
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching. Without a loaded env file there is nothing to
// watch and Start is a no-op; SIGHUP reloads still work through Reload.
func (w *Watcher) Start() error {
	if w.envPath == "" {
		log.Debug().Msg("No env file loaded, config watcher idle")
		return nil
	}

	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges()
		return nil
	}

	go w.watchForChanges()
	log.Info().Str("env_path", w.envPath).Msg("Started watching env file for changes")
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.stopChan:
		return
	default:
		close(w.stopChan)
	}
	w.watcher.Close()
}

// Reload manually triggers a reload (e.g. from SIGHUP).
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) watchForChanges() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.envPath) && event.Name != w.envPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// Debounce, editors often write in several steps
				time.Sleep(100 * time.Millisecond)
				log.Info().Str("event", event.Op.String()).Msg("Detected env file change")
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) pollForChanges() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil {
				continue
			}
			if stat.ModTime().After(w.lastModTime) {
				w.lastModTime = stat.ModTime()
				log.Info().Msg("Detected env file change via polling")
				w.reload()
			}

		case <-w.stopChan:
			return
		}
	}
}

// reload re-reads the tunable keys and applies changes to the live config.
func (w *Watcher) reload() {
	w.mu.Lock()

	envMap := map[string]string{}
	if w.envPath != "" {
		m, err := godotenv.Read(w.envPath)
		if err != nil {
			if !os.IsNotExist(err) {
				log.Error().Err(err).Str("path", w.envPath).Msg("Failed to read env file")
				w.mu.Unlock()
				return
			}
		} else {
			envMap = m
		}
	}

	lookup := func(key string) string {
		if v, ok := envMap[key]; ok {
			return strings.Trim(v, "'\"")
		}
		return os.Getenv(key)
	}

	var changes []string

	if lvl := strings.TrimSpace(lookup("LOG_LEVEL")); lvl != "" && lvl != w.config.Log.Level {
		w.config.Log.Level = lvl
		changes = append(changes, "log level -> "+lvl)
	}

	if raw := strings.TrimSpace(lookup("SYNC_INTERVAL_SECONDS")); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs >= 1 && secs != w.config.Sync.IntervalSeconds {
			w.config.Sync.IntervalSeconds = secs
			changes = append(changes, "scan interval -> "+raw+"s")
		}
	}

	callback := w.onReload
	w.mu.Unlock()

	if len(changes) > 0 {
		log.Info().Strs("changes", changes).Msg("Applied runtime config changes")
		if callback != nil {
			callback(changes)
		}
	} else {
		log.Debug().Msg("No runtime-tunable changes detected")
	}
}
