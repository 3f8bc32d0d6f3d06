// Package render produces the outbound HTML for an email send: block
// rendering, {{var}} substitution, tracking rewrites and the unsubscribe
// footer. Rich template languages are deliberately not supported; the only
// syntax is {{name}} over a flat variable map.
package render

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// Block is one element of a campaign's email_blocks list. Unknown types are
// dropped at render time so newer editors do not break older engines.
type Block struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Label string `json:"label,omitempty"`
	URL   string `json:"url,omitempty"`
	Src   string `json:"src,omitempty"`
	Alt   string `json:"alt,omitempty"`
}

// Vars is the flat substitution map assembled per recipient:
// firstName, lastName, email, companyName, senderName.
type Vars map[string]string

var varPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Substitute replaces {{name}} tokens with values from vars. Tokens with no
// matching variable are left untouched.
func Substitute(s string, vars Vars) string {
	return varPattern.ReplaceAllStringFunc(s, func(tok string) string {
		name := varPattern.FindStringSubmatch(tok)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return tok
	})
}

// Blocks renders an ordered block list into an HTML body. Every text field
// goes through substitution; unknown block types are skipped.
func Blocks(blocks []Block, vars Vars) string {
	var b strings.Builder
	b.WriteString(`<div style="font-family:Arial,Helvetica,sans-serif;max-width:600px;margin:0 auto;">`)
	for _, blk := range blocks {
		switch blk.Type {
		case "header":
			b.WriteString(`<h1 style="font-size:24px;margin:16px 0;">`)
			b.WriteString(html.EscapeString(Substitute(blk.Text, vars)))
			b.WriteString(`</h1>`)
		case "text":
			b.WriteString(`<p style="font-size:15px;line-height:1.5;margin:12px 0;">`)
			b.WriteString(withLineBreaks(html.EscapeString(Substitute(blk.Text, vars))))
			b.WriteString(`</p>`)
		case "button":
			label := blk.Label
			if label == "" {
				label = blk.Text
			}
			b.WriteString(fmt.Sprintf(
				`<a href="%s" style="display:inline-block;padding:12px 24px;background:#2563eb;color:#ffffff;text-decoration:none;border-radius:6px;margin:12px 0;">%s</a>`,
				html.EscapeString(blk.URL), html.EscapeString(Substitute(label, vars))))
		case "divider":
			b.WriteString(`<hr style="border:none;border-top:1px solid #e5e7eb;margin:16px 0;"/>`)
		case "image":
			b.WriteString(fmt.Sprintf(
				`<img src="%s" alt="%s" style="max-width:100%%;height:auto;margin:12px 0;"/>`,
				html.EscapeString(blk.Src), html.EscapeString(blk.Alt)))
		}
	}
	b.WriteString(`</div>`)
	return b.String()
}

// Plain renders a plain-text body into HTML with substitution and
// line-break preservation.
func Plain(body string, vars Vars) string {
	escaped := html.EscapeString(Substitute(body, vars))
	return `<div style="font-family:Arial,Helvetica,sans-serif;max-width:600px;margin:0 auto;font-size:15px;line-height:1.5;">` +
		withLineBreaks(escaped) + `</div>`
}

func withLineBreaks(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "<br/>")
}
