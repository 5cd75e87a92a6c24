package provider

import "strings"

// ExtractXMLValue locates the first <tag>...</tag> pair in a raw bank
// response and returns its trimmed text content. Bank XML carries no schema
// guarantee, so extraction is tolerant: a missing tag yields "". Callers must
// treat an absent success-code field as failure, never as success.
func ExtractXMLValue(body, tag string) string {
	open := "<" + tag + ">"
	close := "</" + tag + ">"

	start := strings.Index(body, open)
	if start < 0 {
		return ""
	}
	start += len(open)

	end := strings.Index(body[start:], close)
	if end < 0 {
		return ""
	}

	return strings.TrimSpace(body[start : start+end])
}

// XMLEscape escapes the five XML special characters for hand-built envelopes.
func XMLEscape(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"'", "&apos;",
	)
	return r.Replace(s)
}
