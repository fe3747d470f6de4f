package mail

import "strings"

// SplitRecipients splits a recipient list on semicolons, commas and
// newlines, dropping blanks.
func SplitRecipients(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ';' || r == ',' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func splitAll(list []string) []string {
	var out []string
	for _, s := range list {
		out = append(out, SplitRecipients(s)...)
	}
	return out
}
