package vigil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Item is one newly observed event returned by a Detector.
type Item struct {
	// ID is the source event id (message id, invoice id, file key...).
	ID       string
	Kind     Kind
	Priority Priority
	Title    string
	Fields   map[string]string
	Body     string
	// ExpiresAt is copied onto the record; zero means no deadline.
	ExpiresAt time.Time
	// ObservedAt defaults to the poll time.
	ObservedAt time.Time
}

// Validate rejects items that cannot become records. An invalid item is
// skipped on its own; it never aborts the batch.
func (it Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidItem)
	}
	if _, err := ParseKind(string(it.Kind)); err != nil {
		return fmt.Errorf("%w: id=%s kind=%q", ErrInvalidItem, it.ID, it.Kind)
	}
	if _, err := ParsePriority(string(it.Priority)); err != nil {
		return fmt.Errorf("%w: id=%s priority=%q", ErrInvalidItem, it.ID, it.Priority)
	}
	return nil
}

// Record converts the item into a needs_action record.
func (it Item) Record() *Record {
	fields := make(map[string]string, len(it.Fields)+1)
	for k, v := range it.Fields {
		fields[k] = v
	}
	if it.Title != "" {
		fields["title"] = it.Title
	}
	body := it.Body
	if body == "" && it.Title != "" {
		body = "# " + it.Title + "\n"
	}
	p, _ := ParsePriority(string(it.Priority))
	return &Record{
		ID:        it.ID,
		Kind:      it.Kind,
		Priority:  p,
		Stage:     StageNeedsAction,
		CreatedAt: it.ObservedAt,
		ExpiresAt: it.ExpiresAt,
		Fields:    fields,
		Body:      body,
	}
}

// Detector queries one external source. It must not touch the store.
type Detector interface {
	Detect(ctx context.Context) ([]Item, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context) ([]Item, error)

// Detect implements Detector.
func (f DetectorFunc) Detect(ctx context.Context) ([]Item, error) { return f(ctx) }

// Watcher is the contract every polling source satisfies.
type Watcher interface {
	Name() string
	// Detect returns items observed since the last call.
	Detect(ctx context.Context) ([]Item, error)
	// Materialize durably writes one item into the needs_action stage.
	Materialize(ctx context.Context, item Item) (*Record, error)
	// Run polls until ctx is cancelled. Single failures never end the loop.
	Run(ctx context.Context) error
}

// WatcherConfig configures a Poller.
type WatcherConfig struct {
	// Name identifies the watcher in logs, checkpoints and health files.
	Name string
	// Interval between polls. Default 60s.
	Interval time.Duration
	// AuthFailureThreshold is the number of consecutive auth failures after
	// which the watcher reports itself degraded. Default 3.
	AuthFailureThreshold int
	// AuthBackoff stretches the wait after repeated auth failures. Its
	// BaseDelay defaults to Interval.
	AuthBackoff RetryPolicy
	Logger      Logger
	Health      HealthReporter
	// Clock is used for ObservedAt defaults and health timestamps.
	Clock func() time.Time
}

// PollResult summarizes one detect/materialize cycle.
type PollResult struct {
	Detected     int
	Materialized int
	Duplicates   int
	Skipped      int
	Failed       int
}

// Poller implements Watcher over any Detector.
type Poller struct {
	cfg   WatcherConfig
	det   Detector
	store Store
	cp    Checkpoint
	log   Logger

	mu     sync.Mutex
	health WatcherHealth
}

var _ Watcher = (*Poller)(nil)

// NewPoller creates a watcher polling det and materializing into store.
func NewPoller(cfg WatcherConfig, det Detector, store Store, cp Checkpoint) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.AuthFailureThreshold <= 0 {
		cfg.AuthFailureThreshold = 3
	}
	if cfg.AuthBackoff == (RetryPolicy{}) {
		cfg.AuthBackoff = RetryPolicy{BaseDelay: cfg.Interval, MaxDelay: 30 * cfg.Interval, Jitter: 0.1}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Poller{
		cfg:    cfg,
		det:    det,
		store:  store,
		cp:     cp,
		log:    orNop(cfg.Logger),
		health: WatcherHealth{Name: cfg.Name, Status: HealthStarting},
	}
}

// Name implements Watcher.
func (p *Poller) Name() string { return p.cfg.Name }

// Detect implements Watcher.
func (p *Poller) Detect(ctx context.Context) ([]Item, error) { return p.det.Detect(ctx) }

// Materialize implements Watcher.
func (p *Poller) Materialize(ctx context.Context, item Item) (*Record, error) {
	if err := item.Validate(); err != nil {
		return nil, err
	}
	if item.ObservedAt.IsZero() {
		item.ObservedAt = p.cfg.Clock()
	}
	rec := item.Record()
	if rec.Fields["source"] == "" {
		rec.Fields["source"] = p.cfg.Name
	}
	if err := p.store.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Poll runs one cycle: detect, drop ids already in the checkpoint,
// materialize the rest, then mark each materialized id.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	var res PollResult
	items, err := p.Detect(ctx)
	if err != nil {
		return res, err
	}
	res.Detected = len(items)
	for _, item := range items {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := item.Validate(); err != nil {
			res.Skipped++
			p.log.Warnf("watcher skipped item: watcher=%s err=%v", p.cfg.Name, err)
			continue
		}
		seen, err := p.cp.Seen(ctx, item.ID)
		if err != nil {
			res.Failed++
			p.log.Warnf("checkpoint lookup failed: watcher=%s id=%s err=%v", p.cfg.Name, item.ID, err)
			continue
		}
		if seen {
			res.Duplicates++
			continue
		}
		rec, err := p.Materialize(ctx, item)
		switch {
		case errors.Is(err, ErrDuplicateRecord):
			// created before a crash that lost the checkpoint write
			res.Duplicates++
			p.log.Infof("record already in store; checkpointing: watcher=%s id=%s", p.cfg.Name, item.ID)
		case err != nil:
			res.Failed++
			p.log.Warnf("materialize failed: watcher=%s id=%s category=%s err=%v", p.cfg.Name, item.ID, Classify(err), err)
			continue
		default:
			res.Materialized++
			p.log.Infof("materialized: watcher=%s kind=%s id=%s path=%s", p.cfg.Name, rec.Kind, rec.ID, rec.Path)
		}
		if err := p.cp.Mark(ctx, item.ID); err != nil {
			// the store duplicate check covers the next poll
			p.log.Warnf("checkpoint write failed: watcher=%s id=%s err=%v", p.cfg.Name, item.ID, err)
		}
	}
	return res, nil
}

// Run implements Watcher. It returns nil once ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Infof("watcher starting: name=%s interval=%s", p.cfg.Name, p.cfg.Interval)
	for {
		res, err := p.Poll(ctx)
		if ctx.Err() != nil {
			break
		}
		wait := p.record(ctx, res, err)
		if !sleepCtx(ctx, wait) {
			break
		}
	}
	p.log.Infof("watcher stopping: name=%s", p.cfg.Name)
	p.mu.Lock()
	p.health.Status = HealthStopped
	h := p.health
	p.mu.Unlock()
	p.report(context.Background(), h)
	return nil
}

// record updates health after a poll and returns how long to wait.
func (p *Poller) record(ctx context.Context, res PollResult, err error) time.Duration {
	now := p.cfg.Clock().UTC()
	wait := p.cfg.Interval

	p.mu.Lock()
	h := &p.health
	h.LastPoll = now
	h.Materialized += res.Materialized
	h.Duplicates += res.Duplicates
	h.Skipped += res.Skipped
	if err == nil {
		h.LastSuccess = now
		h.ConsecutiveFailures = 0
		if h.ConsecutiveAuthFailures > 0 {
			p.log.Infof("watcher recovered: name=%s", p.cfg.Name)
		}
		h.ConsecutiveAuthFailures = 0
		h.Status = HealthHealthy
		h.LastError = ""
		h.LastErrorCategory = ""
	} else {
		cat := Classify(err)
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		h.LastErrorCategory = cat
		if cat == CategoryAuth {
			h.ConsecutiveAuthFailures++
			if d := p.cfg.AuthBackoff.Delay(h.ConsecutiveAuthFailures); d > wait {
				wait = d
			}
			if h.ConsecutiveAuthFailures >= p.cfg.AuthFailureThreshold {
				if h.Status != HealthDegraded {
					p.log.Errorf("watcher degraded: name=%s auth_failures=%d err=%v", p.cfg.Name, h.ConsecutiveAuthFailures, err)
				}
				h.Status = HealthDegraded
			} else {
				h.Status = HealthFailing
				p.log.Warnf("detect failed: watcher=%s category=%s auth_failures=%d err=%v", p.cfg.Name, cat, h.ConsecutiveAuthFailures, err)
			}
		} else {
			p.log.Warnf("detect failed: watcher=%s category=%s err=%v", p.cfg.Name, cat, err)
			if h.Status != HealthDegraded {
				h.Status = HealthFailing
			}
		}
	}
	snapshot := *h
	p.mu.Unlock()

	p.report(ctx, snapshot)
	return wait
}

func (p *Poller) report(ctx context.Context, h WatcherHealth) {
	if p.cfg.Health == nil {
		return
	}
	h.UpdatedAt = p.cfg.Clock().UTC()
	if err := p.cfg.Health.Report(ctx, h); err != nil {
		p.log.Warnf("health report failed: watcher=%s err=%v", p.cfg.Name, err)
	}
}

// Health returns the latest health snapshot.
func (p *Poller) Health() WatcherHealth {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.health
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
