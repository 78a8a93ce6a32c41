package mailbox

import (
	"html"
	"net/url"
	"regexp"
	"strings"
)

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	breakRe       = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/tr|/li|/h[1-6])[^>]*>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	htmlHintRe    = regexp.MustCompile(`(?i)<\s*(html|body|div|p|a|br|table|span)\b`)

	keywordCodeRe = regexp.MustCompile(`(?i)\b(?:code|otp|pin|passcode)\b(?:\s+is)?\s*[:\-]?\s*([A-Za-z0-9]{4,8})\b`)
	sixDigitRe    = regexp.MustCompile(`\b\d{6}\b`)
	digitsRe      = regexp.MustCompile(`\b\d{4,8}\b`)

	hrefRe = regexp.MustCompile(`(?i)href\s*=\s*["']([^"']+)["']`)
	urlRe  = regexp.MustCompile(`(?i)https?://[^\s<>"']+`)
)

var linkKeywords = []string{"verify", "confirm", "login", "magic", "token", "auth", "sign"}

// ExtractCode returns the verification code in body.
// A token following "code", "otp", "pin" or "passcode" wins; otherwise the
// first standalone six digit number, then the first 4 to 8 digit number.
func ExtractCode(body string) (string, bool) {
	text := PlainText(body)

	for _, m := range keywordCodeRe.FindAllStringSubmatch(text, -1) {
		if strings.ContainsAny(m[1], "0123456789") {
			return m[1], true
		}
	}
	if m := sixDigitRe.FindString(text); m != "" {
		return m, true
	}
	if m := digitsRe.FindString(text); m != "" {
		return m, true
	}
	return "", false
}

// ExtractLink returns the sign-in URL in body. Anchor targets are considered
// before bare URLs, and links that look like verification links are
// preferred over the first one found.
func ExtractLink(body string) (string, bool) {
	var candidates []string
	for _, m := range hrefRe.FindAllStringSubmatch(body, -1) {
		candidates = append(candidates, html.UnescapeString(m[1]))
	}
	for _, m := range urlRe.FindAllString(html.UnescapeString(body), -1) {
		candidates = append(candidates, m)
	}

	var first string
	for _, c := range candidates {
		link, ok := absoluteURL(c)
		if !ok {
			continue
		}
		lower := strings.ToLower(link)
		for _, kw := range linkKeywords {
			if strings.Contains(lower, kw) {
				return link, true
			}
		}
		if first == "" {
			first = link
		}
	}
	return first, first != ""
}

// PlainText reduces an HTML body to text. Plain bodies are returned unchanged.
func PlainText(body string) string {
	if !htmlHintRe.MatchString(body) {
		return body
	}
	text := scriptStyleRe.ReplaceAllString(body, " ")
	text = breakRe.ReplaceAllString(text, "\n")
	text = tagRe.ReplaceAllString(text, " ")
	return html.UnescapeString(text)
}

func absoluteURL(raw string) (string, bool) {
	raw = strings.TrimRight(strings.TrimSpace(raw), ".,;:!?)]")
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return raw, true
}
