package gcal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/UniQw/vigil"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestDetector(t *testing.T, h http.HandlerFunc) *Detector {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	srv, err := calendar.NewService(context.Background(),
		option.WithEndpoint(ts.URL+"/"),
		option.WithHTTPClient(ts.Client()),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	return New(srv, Config{Clock: func() time.Time { return fixedNow }})
}

const eventsJSON = `{
  "items": [
    {"id": "ev1", "status": "confirmed", "summary": "Board meeting",
     "description": "Quarterly numbers", "location": "Room 4",
     "htmlLink": "https://calendar.example/ev1",
     "organizer": {"email": "ceo@example.com"},
     "start": {"dateTime": "2026-03-02T10:00:00Z"},
     "end": {"dateTime": "2026-03-02T11:00:00Z"}},
    {"id": "ev2", "status": "confirmed", "summary": "Offsite",
     "start": {"date": "2026-03-03"}, "end": {"date": "2026-03-04"}},
    {"id": "ev3", "status": "cancelled", "summary": "Dropped"}
  ]
}`

func TestDetectMapsEvents(t *testing.T) {
	var query string
	d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/calendars/primary/events"), r.URL.Path)
		query = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(eventsJSON))
	})

	items, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Contains(t, query, "singleEvents=true")

	first := items[0]
	require.Equal(t, "ev1", first.ID)
	require.Equal(t, vigil.KindCalendar, first.Kind)
	require.Equal(t, vigil.PriorityHigh, first.Priority)
	require.Equal(t, "Board meeting", first.Title)
	require.Equal(t, "2026-03-02T10:00:00Z", first.Fields["start"])
	require.Equal(t, "Room 4", first.Fields["location"])
	require.Equal(t, "ceo@example.com", first.Fields["organizer"])
	require.Contains(t, first.Body, "Quarterly numbers")
	require.NoError(t, first.Validate())

	second := items[1]
	require.Equal(t, vigil.PriorityMedium, second.Priority)
	require.Equal(t, "2026-03-03T00:00:00Z", second.Fields["start"])
}

func TestDetectClassifiesErrors(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   vigil.ErrorCategory
	}{
		{http.StatusUnauthorized, `{"error":{"code":401,"message":"Invalid Credentials"}}`, vigil.CategoryAuth},
		{http.StatusForbidden, `{"error":{"code":403,"message":"Forbidden"}}`, vigil.CategoryAuth},
		{http.StatusForbidden, `{"error":{"code":403,"message":"slow down","errors":[{"reason":"rateLimitExceeded"}]}}`, vigil.CategoryTransient},
		{http.StatusTooManyRequests, `{"error":{"code":429,"message":"slow down"}}`, vigil.CategoryTransient},
		{http.StatusServiceUnavailable, `{"error":{"code":503,"message":"backend"}}`, vigil.CategoryTransient},
		{http.StatusNotFound, `{"error":{"code":404,"message":"no calendar"}}`, vigil.CategoryUnknown},
	}
	for _, tc := range cases {
		d := newTestDetector(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		})
		_, err := d.Detect(context.Background())
		require.Error(t, err)
		require.Equal(t, tc.want, vigil.Classify(err), "status %d", tc.status)
	}
}

func TestNewServiceMissingTokenIsAuthError(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(creds, []byte(`{"installed":{"client_id":"id","client_secret":"s","redirect_uris":["http://localhost"],"auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token"}}`), 0o600))

	_, err := NewService(context.Background(), creds, filepath.Join(dir, "token.json"))
	require.Error(t, err)
	require.Equal(t, vigil.CategoryAuth, vigil.Classify(err))

	_, err = NewService(context.Background(), filepath.Join(dir, "missing.json"), "")
	require.Equal(t, vigil.CategoryAuth, vigil.Classify(err))
}

func TestFactoryRejectsBadDuration(t *testing.T) {
	_, err := Factory(vigil.WatcherEnv{Settings: map[string]string{"lookahead": "soon-ish"}})
	require.Error(t, err)
}
