// Package filedrop turns files dropped into an inbox directory into records.
package filedrop

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/UniQw/vigil"
	"github.com/pkg/errors"
)

// Source is the registry name of this detector.
const Source = "filedrop"

// Config selects the inbox and how settled a file must be.
type Config struct {
	Inbox string
	// MinAge skips files modified more recently than this, so a file still
	// being copied is picked up on a later poll. Default 2s.
	MinAge time.Duration
	// Urgent lists name prefixes (case-insensitive) that raise priority.
	Urgent []string
	Clock  func() time.Time
}

// Detector scans the inbox. Files are never moved or deleted; the watcher
// checkpoint keeps them from being reported twice.
type Detector struct {
	cfg Config
}

var _ vigil.Detector = (*Detector)(nil)

// New creates a detector over cfg.Inbox.
func New(cfg Config) *Detector {
	if cfg.MinAge <= 0 {
		cfg.MinAge = 2 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Detector{cfg: cfg}
}

// Detect implements vigil.Detector. A missing inbox yields no items.
func (d *Detector) Detect(ctx context.Context) ([]vigil.Item, error) {
	entries, err := os.ReadDir(d.cfg.Inbox)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "filedrop: read inbox %s", d.cfg.Inbox)
	}
	now := d.cfg.Clock()
	var items []vigil.Item
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		if !info.Mode().IsRegular() || now.Sub(info.ModTime()) < d.cfg.MinAge {
			continue
		}
		items = append(items, d.item(name, info, now))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (d *Detector) item(name string, info os.FileInfo, now time.Time) vigil.Item {
	path := filepath.Join(d.cfg.Inbox, name)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	prio := vigil.PriorityMedium
	lower := strings.ToLower(name)
	for _, p := range d.cfg.Urgent {
		if p != "" && strings.HasPrefix(lower, strings.ToLower(p)) {
			prio = vigil.PriorityHigh
			break
		}
	}
	mod := info.ModTime().UTC()
	return vigil.Item{
		// a file replaced under the same name is a new drop
		ID:       fmt.Sprintf("%s-%d-%d", name, info.Size(), mod.Unix()),
		Kind:     vigil.KindFileDrop,
		Priority: prio,
		Title:    "File dropped: " + name,
		Fields: map[string]string{
			"file_name":   name,
			"file_path":   path,
			"size":        strconv.FormatInt(info.Size(), 10),
			"modified_at": mod.Format(time.RFC3339),
		},
		ObservedAt: now,
	}
}

// Factory builds a detector from watcher settings: inbox, min_age and urgent
// (comma separated prefixes).
func Factory(env vigil.WatcherEnv) (vigil.Detector, error) {
	cfg := Config{Inbox: env.Setting("inbox", "inbox")}
	if v := env.Setting("min_age", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, errors.Wrap(err, "filedrop: setting min_age")
		}
		cfg.MinAge = d
	}
	if v := env.Setting("urgent", ""); v != "" {
		for _, p := range strings.Split(v, ",") {
			cfg.Urgent = append(cfg.Urgent, strings.TrimSpace(p))
		}
	}
	if err := os.MkdirAll(cfg.Inbox, 0o755); err != nil {
		return nil, errors.Wrapf(err, "filedrop: create inbox %s", cfg.Inbox)
	}
	return New(cfg), nil
}
