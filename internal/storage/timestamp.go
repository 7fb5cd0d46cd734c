package storage

import (
	"strings"
	"time"
)

// ModifiedLayout is the canonical form of Submission.Modified. Values in
// this layout compare correctly as strings.
const ModifiedLayout = "2006-01-02 15:04:05"

var modifiedLayouts = []string{
	ModifiedLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02 15:04:05.000",
	"01/02/2006 15:04:05",
	"2006-01-02",
}

// NormalizeModified rewrites an ATS timestamp into ModifiedLayout (UTC
// when a zone is present). Unrecognized input is returned trimmed.
func NormalizeModified(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, layout := range modifiedLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC().Format(ModifiedLayout)
		}
	}
	return raw
}

// ModifiedNotAfter reports whether stored >= incoming, i.e. the incoming
// submission carries nothing newer.
func ModifiedNotAfter(incoming, stored string) bool {
	incoming, stored = NormalizeModified(incoming), NormalizeModified(stored)
	if incoming == "" || stored == "" {
		return false
	}
	return stored >= incoming
}
