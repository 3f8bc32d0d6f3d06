package render

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
)

var hrefPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// RewriteLinks routes every absolute link through the click tracker,
// correlating by send id. Links that already carry a bid= parameter were
// pre-tracked by the block editor and are left alone, as are links already
// pointing at the tracker.
func RewriteLinks(htmlBody, baseURL, sendID string) string {
	if baseURL == "" {
		return htmlBody
	}
	return hrefPattern.ReplaceAllStringFunc(htmlBody, func(match string) string {
		raw := hrefPattern.FindStringSubmatch(match)[1]
		target := html.UnescapeString(raw)
		if strings.Contains(target, "bid=") || strings.Contains(target, "/track/click") {
			return match
		}
		tracked := fmt.Sprintf("%s/track/click?sid=%s&url=%s",
			strings.TrimRight(baseURL, "/"), url.QueryEscape(sendID), url.QueryEscape(target))
		return fmt.Sprintf(`href="%s"`, html.EscapeString(tracked))
	})
}

// AppendPixel appends the 1x1 open-tracking pixel to the body.
func AppendPixel(htmlBody, baseURL, sendID string) string {
	if baseURL == "" {
		return htmlBody
	}
	pixel := fmt.Sprintf(
		`<img src="%s/track/open?sid=%s" width="1" height="1" style="display:none;" alt=""/>`,
		strings.TrimRight(baseURL, "/"), url.QueryEscape(sendID))
	return htmlBody + pixel
}

// AppendUnsubscribeFooter appends the footer with a signed unsubscribe link.
func AppendUnsubscribeFooter(htmlBody, baseURL, token, companyName string) string {
	if baseURL == "" || token == "" {
		return htmlBody
	}
	footer := fmt.Sprintf(
		`<div style="font-size:12px;color:#9ca3af;text-align:center;margin-top:24px;">%s &middot; <a href="%s/unsubscribe?token=%s" style="color:#9ca3af;">Unsubscribe</a></div>`,
		html.EscapeString(companyName), strings.TrimRight(baseURL, "/"), url.QueryEscape(token))
	return htmlBody + footer
}
