package vigil

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// WatcherEnv is what a factory receives to build a concrete watcher.
type WatcherEnv struct {
	Name       string
	Store      Store
	Checkpoint Checkpoint
	Health     HealthReporter
	Logger     Logger
	Interval   time.Duration
	// AuthFailureThreshold and AuthBackoff are passed through to the Poller.
	AuthFailureThreshold int
	AuthBackoff          RetryPolicy
	// Settings holds source-specific options from the config file.
	Settings map[string]string
}

// Setting returns a source-specific option or def.
func (e WatcherEnv) Setting(key, def string) string {
	if v, ok := e.Settings[key]; ok && v != "" {
		return v
	}
	return def
}

// PollerConfig builds the WatcherConfig shared by detector-backed watchers.
func (e WatcherEnv) PollerConfig() WatcherConfig {
	return WatcherConfig{
		Name:                 e.Name,
		Interval:             e.Interval,
		AuthFailureThreshold: e.AuthFailureThreshold,
		AuthBackoff:          e.AuthBackoff,
		Logger:               e.Logger,
		Health:               e.Health,
	}
}

// WatcherFactory builds a watcher from its environment.
type WatcherFactory func(env WatcherEnv) (Watcher, error)

// DetectorWatcher returns a factory that wraps the detector built by mk in a Poller.
func DetectorWatcher(mk func(env WatcherEnv) (Detector, error)) WatcherFactory {
	return func(env WatcherEnv) (Watcher, error) {
		det, err := mk(env)
		if err != nil {
			return nil, err
		}
		return NewPoller(env.PollerConfig(), det, env.Store, env.Checkpoint), nil
	}
}

// Registry maps watcher source names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]WatcherFactory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]WatcherFactory)}
}

// Register adds a factory. Registering a name twice is an error.
func (r *Registry) Register(source string, f WatcherFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[source]; ok {
		return fmt.Errorf("vigil: watcher %q already registered", source)
	}
	r.factories[source] = f
	return nil
}

// Build creates the watcher registered under source.
func (r *Registry) Build(source string, env WatcherEnv) (Watcher, error) {
	r.mu.RLock()
	f, ok := r.factories[source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWatcher, source)
	}
	if env.Name == "" {
		env.Name = source
	}
	return f(env)
}

// Names returns the registered sources in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
