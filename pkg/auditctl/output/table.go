package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/telekom/audit-trail/pkg/store"
)

func WriteRecordTable(w io.Writer, entries []store.Entry) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCREATED\tENTITY\tACTION\tUSER\tCHANGED")
	for _, e := range entries {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, formatTime(e.CreatedAt), entityRef(e), string(e.Action), dash(e.Username), joinOrDash(e.ChangedFields))
	}
	_ = tw.Flush()
}

// WriteRecordTableWide adds request and transaction columns.
func WriteRecordTableWide(w io.Writer, entries []store.Entry) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCREATED\tENTITY\tACTION\tUSER_ID\tUSER\tIP\tTRANSACTION\tSIGNED\tCHANGED")
	for _, e := range entries {
		signed := "no"
		if e.Signature != "" {
			signed = "yes"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, formatTime(e.CreatedAt), entityRef(e), string(e.Action), dash(e.UserID), dash(e.Username),
			dash(e.IPAddress), e.TransactionHash, signed, joinOrDash(e.ChangedFields))
	}
	_ = tw.Flush()
}

// WriteRecordDetail prints one record with a line per changed value.
func WriteRecordDetail(w io.Writer, e *store.Entry) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	rows := [][2]string{
		{"ID", e.ID},
		{"Entity", entityRef(*e)},
		{"Action", string(e.Action)},
		{"Created", formatTime(e.CreatedAt)},
		{"User", userRef(*e)},
		{"IP address", dash(e.IPAddress)},
		{"User agent", dash(e.UserAgent)},
		{"Transaction", e.TransactionHash},
		{"Signature", dash(e.Signature)},
	}
	for _, row := range rows {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", row[0], row[1])
	}
	_ = tw.Flush()

	fields := valueKeys(e)
	if len(fields) > 0 {
		_, _ = fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "FIELD\tOLD\tNEW")
		for _, f := range fields {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", f, formatValue(e.OldValues, f), formatValue(e.NewValues, f))
		}
		_ = tw.Flush()
	}

	if len(e.Context) > 0 {
		_, _ = fmt.Fprintln(w)
		_, _ = fmt.Fprintln(w, "Context:")
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "  %s: %v\n", k, e.Context[k])
		}
	}
}

func WriteVerifyTable(w io.Writer, results []store.VerifyResult) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tCREATED\tENTITY\tACTION\tSTATUS")
	for _, r := range results {
		status := "valid"
		if !r.Valid {
			status = "TAMPERED"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.Entry.ID, formatTime(r.Entry.CreatedAt), entityRef(r.Entry), string(r.Entry.Action), status)
	}
	_ = tw.Flush()
}

// valueKeys lists the changed fields first, then any other snapshot keys.
func valueKeys(e *store.Entry) []string {
	seen := map[string]bool{}
	keys := make([]string, 0, len(e.NewValues))
	for _, f := range e.ChangedFields {
		if !seen[f] {
			seen[f] = true
			keys = append(keys, f)
		}
	}
	var rest []string
	for _, m := range []map[string]any{e.OldValues, e.NewValues} {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	return append(keys, rest...)
}

func formatValue(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return "-"
	}
	if v == nil {
		return "null"
	}
	return fmt.Sprint(v)
}

func entityRef(e store.Entry) string {
	if e.EntityID == "" {
		return e.EntityClass
	}
	return e.EntityClass + "#" + e.EntityID
}

func userRef(e store.Entry) string {
	switch {
	case e.Username != "" && e.UserID != "":
		return e.Username + " (" + e.UserID + ")"
	case e.Username != "":
		return e.Username
	default:
		return dash(e.UserID)
	}
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ",")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
