package vigil

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMarshalRecordLayout(t *testing.T) {
	created := time.Date(2026, 2, 1, 8, 30, 0, 0, time.UTC)
	rec := &Record{
		ID:        "inv-7",
		Kind:      KindFinancialEvent,
		Priority:  PriorityHigh,
		Stage:     StagePendingApproval,
		CreatedAt: created,
		ExpiresAt: created.Add(24 * time.Hour),
		Fields:    map[string]string{"vendor": "ACME", "amount": "12.50", "status": "ignored"},
		Body:      "# Pay ACME\n\nDue Friday.\n",
	}
	data, err := MarshalRecord(rec)
	require.NoError(t, err)
	text := string(data)

	require.True(t, strings.HasPrefix(text, "---\nid: inv-7\ntype: financial_event\nstatus: pending_approval\npriority: high\n"), text)
	require.Contains(t, text, "created: \"2026-02-01T08:30:00Z\"")
	require.Contains(t, text, "expires: \"2026-02-02T08:30:00Z\"")
	require.Less(t, strings.Index(text, "amount:"), strings.Index(text, "vendor:"))
	require.True(t, strings.HasSuffix(text, "---\n\n# Pay ACME\n\nDue Friday.\n"))

	back, err := UnmarshalRecord(data)
	require.NoError(t, err)
	require.Equal(t, rec.ID, back.ID)
	require.Equal(t, rec.Kind, back.Kind)
	require.Equal(t, rec.Stage, back.Stage)
	require.Equal(t, rec.Priority, back.Priority)
	require.True(t, rec.CreatedAt.Equal(back.CreatedAt))
	require.True(t, rec.ExpiresAt.Equal(back.ExpiresAt))
	require.Equal(t, rec.Body, back.Body)
	require.Equal(t, map[string]string{"vendor": "ACME", "amount": "12.50"}, back.Fields)
}

func TestUnmarshalRecordHumanEdits(t *testing.T) {
	doc := "---\r\nid: m-1\r\ntype: message\r\nstatus: needs_action\r\ncreated: 2026-02-01T08:30:00Z\r\ntags: [a, b]\r\nnote:\r\n---\r\nbody\r\n"
	rec, err := UnmarshalRecord([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, PriorityMedium, rec.Priority)
	require.Equal(t, "[a, b]", rec.Field("tags"))
	require.Equal(t, "", rec.Field("note"))
	require.Equal(t, "body\n", rec.Body)
}

func TestUnmarshalRecordHandEditedTimes(t *testing.T) {
	cases := map[string]time.Time{
		"2026-02-03T17:00:00+01:00":       time.Date(2026, 2, 3, 16, 0, 0, 0, time.UTC),
		"2026-02-03 17:00:00+01:00":       time.Date(2026, 2, 3, 16, 0, 0, 0, time.UTC),
		"Tue, 03 Feb 2026 17:00:00 +0100": time.Date(2026, 2, 3, 16, 0, 0, 0, time.UTC),
		"2026-02-03 17:00":                time.Date(2026, 2, 3, 17, 0, 0, 0, time.Local),
		"2026-02-03T17:00:00":             time.Date(2026, 2, 3, 17, 0, 0, 0, time.Local),
		"2026-02-03":                      time.Date(2026, 2, 3, 0, 0, 0, 0, time.Local),
	}
	for in, want := range cases {
		doc := "---\nid: r\ntype: approval_request\nstatus: pending_approval\ncreated: 2026-02-01T08:30:00Z\nexpires: '" + in + "'\n---\n"
		rec, err := UnmarshalRecord([]byte(doc))
		require.NoError(t, err, in)
		require.True(t, want.Equal(rec.ExpiresAt), "%s: got %s", in, rec.ExpiresAt)
		require.Equal(t, time.UTC, rec.ExpiresAt.Location(), in)
	}

	_, err := UnmarshalRecord([]byte("---\nid: r\ntype: email\nstatus: done\ncreated: 2026-02-01T08:30:00Z\nexpires: next friday\n---\n"))
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestUnmarshalRecordMalformed(t *testing.T) {
	cases := map[string]string{
		"no frontmatter": "just text",
		"missing id":     "---\ntype: email\nstatus: needs_action\ncreated: 2026-02-01T08:30:00Z\n---\n",
		"bad type":       "---\nid: x\ntype: fax\nstatus: needs_action\ncreated: 2026-02-01T08:30:00Z\n---\n",
		"bad status":     "---\nid: x\ntype: email\nstatus: Inbox\ncreated: 2026-02-01T08:30:00Z\n---\n",
		"bad priority":   "---\nid: x\ntype: email\nstatus: done\npriority: asap\ncreated: 2026-02-01T08:30:00Z\n---\n",
		"bad created":    "---\nid: x\ntype: email\nstatus: done\ncreated: yesterday\n---\n",
		"not a mapping":  "---\n- a\n- b\n---\n",
	}
	for name, doc := range cases {
		_, err := UnmarshalRecord([]byte(doc))
		require.ErrorIs(t, err, ErrMalformedRecord, name)
	}
}

func TestMarshalRecordRequiresIdentity(t *testing.T) {
	_, err := MarshalRecord(&Record{Kind: KindEmail, CreatedAt: time.Now()})
	require.ErrorIs(t, err, ErrMalformedRecord)
	_, err = MarshalRecord(&Record{ID: "x", Kind: KindEmail})
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("approval_request:abc:def")
	require.NoError(t, err)
	require.Equal(t, Ref{Kind: KindApprovalRequest, ID: "abc:def"}, ref)
	require.Equal(t, "approval_request:abc:def", ref.String())

	_, err = ParseRef("fax:1")
	require.ErrorIs(t, err, ErrUnknownKind)
	_, err = ParseRef("email")
	require.Error(t, err)
	_, err = ParseRef("email:")
	require.Error(t, err)
}

func BenchmarkMarshalRecord(b *testing.B) {
	rec := newRecord(KindEmail, "bench-1", StageNeedsAction)
	rec.CreatedAt = time.Now()
	rec.Fields["from"] = "someone@example.com"
	rec.Fields["subject"] = "Quarterly report"
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := MarshalRecord(rec); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkUnmarshalRecord(b *testing.B) {
	rec := newRecord(KindEmail, "bench-1", StageNeedsAction)
	rec.CreatedAt = time.Now()
	data, err := MarshalRecord(rec)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := UnmarshalRecord(data); err != nil {
			b.Fatal(err)
		}
	}
}
