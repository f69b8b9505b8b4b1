// Package gcal detects upcoming Google Calendar events.
package gcal

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/UniQw/vigil"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Config selects what the detector lists.
type Config struct {
	// CalendarID defaults to "primary".
	CalendarID string
	// Lookahead is how far ahead events are listed. Default 48h.
	Lookahead time.Duration
	// Soon marks events starting within it as high priority. Default 2h.
	Soon  time.Duration
	Clock func() time.Time
}

// Detector lists events from one calendar.
type Detector struct {
	srv *calendar.Service
	cfg Config
}

var _ vigil.Detector = (*Detector)(nil)

// New creates a detector over an authenticated calendar service.
func New(srv *calendar.Service, cfg Config) *Detector {
	if cfg.CalendarID == "" {
		cfg.CalendarID = "primary"
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 48 * time.Hour
	}
	if cfg.Soon <= 0 {
		cfg.Soon = 2 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Detector{srv: srv, cfg: cfg}
}

// NewService builds a read-only calendar service from a client secrets file
// and a previously saved token. The interactive consent flow is not run
// here; a missing or unusable token is reported as an auth error.
func NewService(ctx context.Context, credentialsFile, tokenFile string) (*calendar.Service, error) {
	secrets, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, vigil.AuthError(errors.Wrapf(err, "gcal: read credentials %s", credentialsFile))
	}
	conf, err := google.ConfigFromJSON(secrets, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, vigil.AuthError(errors.Wrap(err, "gcal: parse credentials"))
	}
	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, vigil.AuthError(errors.Wrapf(err, "gcal: read token %s", tokenFile))
	}
	tok := &oauth2.Token{}
	if err := (&vigil.JSONEncoder{}).Decode(raw, tok); err != nil {
		return nil, vigil.AuthError(errors.Wrapf(err, "gcal: decode token %s", tokenFile))
	}
	srv, err := calendar.NewService(ctx, option.WithTokenSource(conf.TokenSource(ctx, tok)))
	if err != nil {
		return nil, errors.Wrap(err, "gcal: create service")
	}
	return srv, nil
}

// Detect implements vigil.Detector.
func (d *Detector) Detect(ctx context.Context) ([]vigil.Item, error) {
	now := d.cfg.Clock().UTC()
	call := d.srv.Events.List(d.cfg.CalendarID).
		TimeMin(now.Format(time.RFC3339)).
		TimeMax(now.Add(d.cfg.Lookahead).Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		Context(ctx)

	var items []vigil.Item
	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, ev := range page.Items {
			if ev == nil || ev.Status == "cancelled" {
				continue
			}
			items = append(items, d.item(ev, now))
		}
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return items, nil
}

func (d *Detector) item(ev *calendar.Event, now time.Time) vigil.Item {
	start := eventTime(ev.Start)
	fields := map[string]string{
		"event_id":    ev.Id,
		"calendar_id": d.cfg.CalendarID,
	}
	if !start.IsZero() {
		fields["start"] = start.UTC().Format(time.RFC3339)
	}
	if end := eventTime(ev.End); !end.IsZero() {
		fields["end"] = end.UTC().Format(time.RFC3339)
	}
	if ev.Location != "" {
		fields["location"] = ev.Location
	}
	if ev.Organizer != nil && ev.Organizer.Email != "" {
		fields["organizer"] = ev.Organizer.Email
	}
	if ev.HtmlLink != "" {
		fields["link"] = ev.HtmlLink
	}
	prio := vigil.PriorityMedium
	if !start.IsZero() && start.Sub(now) <= d.cfg.Soon {
		prio = vigil.PriorityHigh
	}
	title := ev.Summary
	if title == "" {
		title = "(no title)"
	}
	body := "# " + title + "\n"
	if desc := strings.TrimSpace(ev.Description); desc != "" {
		body += "\n" + desc + "\n"
	}
	return vigil.Item{
		ID:         ev.Id,
		Kind:       vigil.KindCalendar,
		Priority:   prio,
		Title:      title,
		Fields:     fields,
		Body:       body,
		ObservedAt: now,
	}
}

func eventTime(t *calendar.EventDateTime) time.Time {
	if t == nil {
		return time.Time{}
	}
	if t.DateTime != "" {
		if v, err := time.Parse(time.RFC3339, t.DateTime); err == nil {
			return v
		}
	}
	if t.Date != "" {
		if v, err := time.Parse("2006-01-02", t.Date); err == nil {
			return v
		}
	}
	return time.Time{}
}

// classify tags API failures: rejected credentials are auth errors, rate
// limits and server errors are transient.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden && !rateLimited(gerr):
			return vigil.AuthError(err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 || rateLimited(gerr):
			return vigil.TransientError(err)
		}
		return err
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return vigil.AuthError(err)
	}
	return err
}

// rateLimited reports the 403 variants Google uses for quota errors.
func rateLimited(e *googleapi.Error) bool {
	for _, item := range e.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// Source is the registry name of this detector.
const Source = "gcal"

// Factory builds a detector from watcher settings: credentials, token,
// calendar_id, lookahead and soon.
func Factory(env vigil.WatcherEnv) (vigil.Detector, error) {
	cfg := Config{CalendarID: env.Setting("calendar_id", "primary")}
	for key, dst := range map[string]*time.Duration{"lookahead": &cfg.Lookahead, "soon": &cfg.Soon} {
		if v := env.Setting(key, ""); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, errors.Wrapf(err, "gcal: setting %s", key)
			}
			*dst = d
		}
	}
	srv, err := NewService(context.Background(),
		env.Setting("credentials", "credentials.json"),
		env.Setting("token", "token.json"))
	if err != nil {
		return nil, err
	}
	return New(srv, cfg), nil
}
