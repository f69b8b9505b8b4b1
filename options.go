package vigil

import "time"

type options struct {
	id        string
	priority  Priority
	expiresAt time.Time
	expireIn  time.Duration
	fields    map[string]string
	body      string
	actor     string
}

// Option is a function that configures an approval request created through Approvals.Request.
type Option func(*options)

// RecordID sets a custom ID for the request. If not provided, a random UUID will be generated.
func RecordID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithPriority sets the request priority. Default is medium.
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
	}
}

// ExpireIn sets a deadline relative to the store clock. Once it passes while
// the request is still pending, the expiry sweep rejects it.
func ExpireIn(d time.Duration) Option {
	return func(o *options) {
		o.expireIn = d
	}
}

// Deadline sets an absolute deadline for the request.
func Deadline(t time.Time) Option {
	return func(o *options) {
		if !t.IsZero() {
			o.expiresAt = t.UTC()
		}
	}
}

// WithField attaches a source-specific metadata field (e.g. invoice_id, action).
func WithField(key, value string) Option {
	return func(o *options) {
		if o.fields == nil {
			o.fields = make(map[string]string)
		}
		o.fields[key] = value
	}
}

// WithBody sets the human-readable markdown body.
func WithBody(body string) Option {
	return func(o *options) {
		o.body = body
	}
}

// RequestedBy records who created the request in the audit log.
func RequestedBy(actor string) Option {
	return func(o *options) {
		o.actor = actor
	}
}

// FieldAction is the record field naming the handler that executes an approved record.
const FieldAction = "action"

// Action names the executor handler that runs once the request is approved.
func Action(name string) Option {
	return WithField(FieldAction, name)
}
