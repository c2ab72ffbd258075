package scaling

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/browserd/internal/events"
)

// ReloadStats records the outcome of policy reloads.
type ReloadStats struct {
	LastReloadTime time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount    int64     `json:"reloadCount"`
	LastError      error     `json:"-"`
	LastErrorStr   string    `json:"lastError,omitempty"`
}

// PolicyFile serves the active scaling policy. With no file it serves the
// defaults; with a file it loads it and optionally watches for changes.
// Reads are lock-free through atomic.Value.
type PolicyFile struct {
	defaults Policy
	current  atomic.Value // Policy
	path     string
	bus      *events.Bus

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex // protects reloads and stats
	stats  ReloadStats
	closed bool
}

// NewPolicyFile builds the policy source. A missing or invalid file at
// startup falls back to the defaults; a broken reload keeps the previous
// policy in place.
func NewPolicyFile(path string, hotReload bool, bus *events.Bus) (*PolicyFile, error) {
	f := &PolicyFile{
		defaults: DefaultPolicy(),
		path:     path,
		bus:      bus,
		stopCh:   make(chan struct{}),
	}
	f.current.Store(f.defaults)

	if path == "" {
		return f, nil
	}

	if err := f.load(); err != nil {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("Failed to load scaling policy file, using defaults")
	} else {
		log.Info().Str("path", path).Msg("Loaded scaling policy file")
	}

	if hotReload {
		if err := f.startWatcher(); err != nil {
			log.Warn().
				Err(err).
				Str("path", path).
				Msg("Failed to start policy watcher, hot-reload disabled")
		} else {
			log.Info().Str("path", path).Msg("Hot-reload enabled for scaling policy")
		}
	}
	return f, nil
}

// Get returns the active policy. Lock-free, safe for concurrent use.
func (f *PolicyFile) Get() Policy {
	return f.current.Load().(Policy)
}

// Reload re-reads the policy file. On failure the previous policy stays
// active.
func (f *PolicyFile) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.path == "" {
		return fmt.Errorf("no policy file configured")
	}
	return f.loadLocked()
}

// Stats returns the reload counters.
func (f *PolicyFile) Stats() ReloadStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := f.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	return stats
}

// Close stops the watcher. Safe to call more than once.
func (f *PolicyFile) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	close(f.stopCh)
	f.wg.Wait()
	if f.watcher != nil {
		return f.watcher.Close()
	}
	return nil
}

func (f *PolicyFile) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *PolicyFile) loadLocked() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		f.stats.LastError = err
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	// Start from the defaults so an absent key keeps its default value.
	policy := f.defaults
	if err := yaml.Unmarshal(data, &policy); err != nil {
		f.stats.LastError = err
		return fmt.Errorf("invalid policy YAML: %w", err)
	}
	if err := policy.Validate(); err != nil {
		f.stats.LastError = err
		return fmt.Errorf("invalid policy: %w", err)
	}

	f.current.Store(policy)
	f.stats.LastReloadTime = time.Now()
	f.stats.ReloadCount++
	f.stats.LastError = nil

	log.Info().
		Int64("reload_count", f.stats.ReloadCount).
		Int("min", policy.MinBrowsers).
		Int("max", policy.MaxBrowsers).
		Msg("Scaling policy loaded")

	if f.bus != nil {
		f.bus.Publish(events.ConfigEvent{Path: f.path, At: time.Now()})
	}
	return nil
}

func (f *PolicyFile) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(f.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	f.watcher = watcher

	f.wg.Add(1)
	go f.watchFile()
	return nil
}

func (f *PolicyFile) watchFile() {
	defer f.wg.Done()

	// Debounce rapid successive writes from editors.
	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer
	var debouncing bool

	for {
		select {
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Scaling policy file changed")

			if debouncing {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDelay)
			} else {
				debouncing = true
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := f.Reload(); err != nil {
						log.Warn().
							Err(err).
							Str("path", f.path).
							Msg("Policy hot-reload failed, keeping previous policy")
					}
					debouncing = false
				})
			}

		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Policy file watcher error")

		case <-f.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		}
	}
}
