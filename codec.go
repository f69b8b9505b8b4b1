package vigil

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/UniQw/vigil/internal/frontmatter"
	"gopkg.in/yaml.v3"
)

const timeLayout = time.RFC3339

// handLayouts are accepted on decode so a hand-edited timestamp does not
// make the record unreadable. Layouts without a zone are local time.
var handLayouts = []string{
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z07:00",
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// reserved frontmatter keys; everything else round-trips through Record.Fields.
var reservedKeys = map[string]struct{}{
	"id": {}, "type": {}, "status": {}, "priority": {}, "created": {}, "expires": {},
	"decision": {}, "decided_by": {}, "decided_at": {}, "reason": {}, "error": {}, "result": {},
}

// MarshalRecord renders a record as markdown with a YAML frontmatter block.
// Keys are written in a fixed order followed by source fields sorted by name
// so files diff cleanly.
func MarshalRecord(r *Record) ([]byte, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if r.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing created timestamp for %s", ErrMalformedRecord, r.ID)
	}
	m := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key, value string) {
		m.Content = append(m.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
		)
	}
	addOpt := func(key, value string) {
		if value != "" {
			add(key, value)
		}
	}
	add("id", r.ID)
	add("type", string(r.Kind))
	add("status", string(r.Stage))
	priority := r.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	add("priority", string(priority))
	add("created", formatTime(r.CreatedAt))
	if !r.ExpiresAt.IsZero() {
		add("expires", formatTime(r.ExpiresAt))
	}
	addOpt("decision", string(r.Decision))
	addOpt("decided_by", r.DecidedBy)
	if !r.DecidedAt.IsZero() {
		add("decided_at", formatTime(r.DecidedAt))
	}
	addOpt("reason", r.Reason)
	addOpt("error", r.Error)
	addOpt("result", r.Result)

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, r.Fields[k])
	}

	meta, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("vigil: encode frontmatter for %s: %w", r.ID, err)
	}
	return frontmatter.Join(meta, []byte(r.Body)), nil
}

// UnmarshalRecord parses a record file. The stage is taken from the status
// field; file stores override it with the directory the file was found in.
func UnmarshalRecord(data []byte) (*Record, error) {
	meta, body, err := frontmatter.Split(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(meta, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	values, err := flatten(&doc)
	if err != nil {
		return nil, err
	}

	r := &Record{Body: string(body)}
	if r.ID = values["id"]; r.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}
	if r.Kind, err = ParseKind(values["type"]); err != nil {
		return nil, fmt.Errorf("%w: type %q", ErrMalformedRecord, values["type"])
	}
	if r.Stage, err = ParseStage(values["status"]); err != nil {
		return nil, fmt.Errorf("%w: status %q", ErrMalformedRecord, values["status"])
	}
	if r.Priority, err = ParsePriority(values["priority"]); err != nil {
		return nil, fmt.Errorf("%w: priority %q", ErrMalformedRecord, values["priority"])
	}
	if r.CreatedAt, err = parseTime(values["created"]); err != nil || r.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: created %q", ErrMalformedRecord, values["created"])
	}
	if r.ExpiresAt, err = parseTime(values["expires"]); err != nil {
		return nil, fmt.Errorf("%w: expires %q", ErrMalformedRecord, values["expires"])
	}
	if r.DecidedAt, err = parseTime(values["decided_at"]); err != nil {
		return nil, fmt.Errorf("%w: decided_at %q", ErrMalformedRecord, values["decided_at"])
	}
	r.Decision = Decision(values["decision"])
	r.DecidedBy = values["decided_by"]
	r.Reason = values["reason"]
	r.Error = values["error"]
	r.Result = values["result"]

	for k, v := range values {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		if r.Fields == nil {
			r.Fields = make(map[string]string)
		}
		r.Fields[k] = v
	}
	return r, nil
}

// flatten turns the top-level mapping into key -> raw scalar text. Nested
// values are kept as their compact YAML rendering.
func flatten(doc *yaml.Node) (map[string]string, error) {
	out := map[string]string{}
	if doc.Kind == 0 {
		return out, nil
	}
	root := doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: frontmatter is not a mapping", ErrMalformedRecord)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i], root.Content[i+1]
		if val.Kind == yaml.ScalarNode {
			if val.Tag == "!!null" {
				out[key.Value] = ""
				continue
			}
			out[key.Value] = val.Value
			continue
		}
		raw, err := yaml.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("%w: field %s: %v", ErrMalformedRecord, key.Value, err)
		}
		out[key.Value] = strings.TrimSpace(string(raw))
	}
	return out, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, value)
	if err == nil {
		return t.UTC(), nil
	}
	for _, layout := range handLayouts {
		if ht, herr := time.ParseInLocation(layout, value, time.Local); herr == nil {
			return ht.UTC(), nil
		}
	}
	return time.Time{}, err
}
