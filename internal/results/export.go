package results

import (
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DeriveExportName returns the download filename for an image exported at t.
// It depends only on its arguments.
func DeriveExportName(prefix string, t time.Time) string {
	p := sanitize(prefix)
	if p == "" {
		p = "chakshot"
	}
	return p + "_" + strconv.FormatInt(t.UnixMilli(), 10) + ".jpg"
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	return b.String()
}
