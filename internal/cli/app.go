package cli

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/UniQw/vigil"
	"github.com/UniQw/vigil/internal/config"
	"github.com/UniQw/vigil/internal/log"
	"github.com/UniQw/vigil/internal/source/filedrop"
	"github.com/UniQw/vigil/internal/source/gcal"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// app is the wiring shared by every command: config, store, locks and the
// approvals service over them.
type app struct {
	cfg       *config.Config
	store     vigil.Store
	locker    vigil.Locker
	audit     *vigil.AuditLog
	approvals *vigil.Approvals
	rdb       redis.UniversalClient
	logClose  io.Closer
}

func openApp(cmd *cobra.Command) (*app, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	closer, err := log.Configure(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return nil, errors.Wrap(err, "configure logging")
	}
	log.GetLogger().Debugf("Loaded config: path=%s backend=%s vault=%s", cfg.Path, cfg.Backend, cfg.Vault)

	a := &app{cfg: cfg, logClose: closer}
	storeLog := logger("store")
	switch cfg.Backend {
	case config.BackendRedis:
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrapf(err, "connect redis %s", cfg.Redis.Addr)
		}
		a.store = vigil.NewRedisStore(a.rdb, cfg.Redis.Namespace, vigil.WithStoreLogger(storeLog))
		a.locker = vigil.NewRedisLocker(a.rdb, cfg.Redis.Namespace, 0)
		if err := os.MkdirAll(a.statePath(), 0o755); err != nil {
			a.Close()
			return nil, err
		}
	default:
		fs := vigil.NewFileStore(cfg.Vault, vigil.WithStoreLogger(storeLog))
		if err := fs.Init(); err != nil {
			a.Close()
			return nil, err
		}
		a.store = fs
		a.locker = vigil.NewFileLocker(a.statePath("locks"))
	}
	a.audit = vigil.NewAuditLog(filepath.Join(cfg.Vault, vigil.LogsDir), a.locker,
		vigil.WithAuditLockTimeout(cfg.LockTimeout),
		vigil.WithAuditLogger(logger("audit")))
	a.approvals = vigil.NewApprovals(a.store, a.audit, vigil.WithApprovalsLogger(logger("approvals")))
	return a, nil
}

// Close releases the Redis client and the log file.
func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			log.GetLogger().Warnf("Failed to close redis client: %v", err)
		}
	}
	if a.logClose != nil {
		_ = a.logClose.Close()
	}
}

func (a *app) statePath(elem ...string) string {
	return filepath.Join(append([]string{a.cfg.Vault, vigil.StateDir}, elem...)...)
}

func (a *app) healthDir() string  { return a.statePath("health") }
func (a *app) statusFile() string { return a.statePath("status.json") }
func (a *app) pidFile() string    { return a.statePath("orchestrator.pid") }
func (a *app) controlDir() string { return a.statePath("control") }

func (a *app) checkpoint(watcher string) vigil.Checkpoint {
	if a.rdb != nil {
		return vigil.NewRedisCheckpoint(a.rdb, a.cfg.Redis.Namespace, watcher)
	}
	return vigil.NewFileCheckpoint(a.statePath("checkpoints"), watcher, a.locker)
}

// watcher builds the configured watcher called name.
func (a *app) watcher(name string) (vigil.Watcher, error) {
	wc, ok := a.cfg.Watcher(name)
	if !ok {
		return nil, errors.Wrapf(vigil.ErrUnknownWatcher, "no watcher %q in config", name)
	}
	interval := wc.Interval
	if v := os.Getenv("VIGIL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}
	env := vigil.WatcherEnv{
		Name:                 name,
		Store:                a.store,
		Checkpoint:           a.checkpoint(name),
		Health:               vigil.NewFileHealthReporter(a.healthDir()),
		Logger:               logger("watcher." + name),
		Interval:             interval,
		AuthFailureThreshold: wc.AuthFailureThreshold,
		Settings:             a.resolveSettings(wc.Settings),
	}
	return Registry().Build(wc.Source, env)
}

// resolveSettings makes path-like settings relative to the config file.
func (a *app) resolveSettings(in map[string]string) map[string]string {
	dir := "."
	if a.cfg.Path != "" {
		dir = filepath.Dir(a.cfg.Path)
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch k {
		case "inbox", "credentials", "token":
			if v != "" && !filepath.IsAbs(v) {
				v = filepath.Join(dir, v)
			}
		}
		out[k] = v
	}
	return out
}

// Registry returns the watcher sources compiled into the binary.
func Registry() *vigil.Registry {
	r := vigil.NewRegistry()
	_ = r.Register(filedrop.Source, vigil.DetectorWatcher(filedrop.Factory))
	_ = r.Register(gcal.Source, vigil.DetectorWatcher(gcal.Factory))
	return r
}

func logger(component string) vigil.Logger {
	return vigil.NewLogrusLogger(log.GetLogger(), component)
}
