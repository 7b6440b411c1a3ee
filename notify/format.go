package notify

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rowwatch/rowwatch/store"
)

// summaryFields are rendered in this order when present on the record.
// Missing fields show as N/A so a truncated row is still recognizable.
var summaryFields = []struct {
	Column string
	Label  string
}{
	{"order_date", "Date"},
	{"order_number", "Order No"},
	{"products", "Products"},
	{"volume", "Volume"},
	{"ex_ref_price", "Ex-Ref Price"},
	{"brv_number", "BRV No"},
	{"bdc", "BDC"},
}

// TableTitle renders a table name for humans: "orders_new" -> "Orders New".
func TableTitle(table string) string {
	words := strings.Split(strings.TrimSpace(table), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FormatRecord builds the group-facing summary for a single new row.
func FormatRecord(table string, record store.Record, detectedAt time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "🔔 New record in %s\n\n", TableTitle(table))
	fmt.Fprintf(&b, "🕒 Detected: %s\n", detectedAt.UTC().Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "🆔 Record: %s\n\n", record.ID())

	for _, f := range summaryFields {
		fmt.Fprintf(&b, "• %s: %s\n", f.Label, record.Field(f.Column))
	}

	b.WriteString("\nUse /recent for the latest records or /report for a summary.")
	return b.String()
}

// FallbackMessage is sent when formatting the full summary fails. It carries
// just enough for an operator to find the row.
func FallbackMessage(table, id string, detectedAt time.Time) string {
	return fmt.Sprintf("🔔 New record detected in %s (id %s) at %s. Details unavailable, use /recent to inspect.",
		TableTitle(table), id, detectedAt.UTC().Format("2006-01-02 15:04:05 MST"))
}

// SplitMessage breaks text into chunks no longer than max bytes,
// preferring line boundaries. A single line longer than max is hard-split
// on the last rune boundary at or before max, so multibyte text is never
// cut mid-rune.
func SplitMessage(text string, max int) []string {
	if max < 1 || len(text) <= max {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > max {
			flush()
			cut := max
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				cut = max // max smaller than one rune, give up on the boundary
			}
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}

		need := len(line)
		if current.Len() > 0 {
			need++ // separating newline
		}
		if current.Len()+need > max {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	flush()

	if len(chunks) == 0 {
		return []string{""}
	}
	return chunks
}
