// Package tui renders CLI output for terminals.
package tui

import (
	"errors"
	"io"
	"strings"

	"github.com/muesli/termenv"
	"golang.org/x/net/html"
)

const (
	tagColor   = "#818cf8"
	attrColor  = "#c084fc"
	valueColor = "#f472b6"
)

var voidElements = map[string]bool{
	"area": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "link": true, "meta": true, "source": true, "wbr": true,
}

// FormatHTML indents an HTML fragment one element per line and colors its
// markup for p. With termenv.Ascii the output is plain text.
func FormatHTML(src string, p termenv.Profile) (string, error) {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	depth := 0
	line := func(s string) {
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(s)
		b.WriteByte('\n')
	}
	for {
		switch z.Next() {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return b.String(), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			tok := z.Token()
			line(startTag(tok, p))
			if !voidElements[tok.Data] {
				depth++
			}
		case html.SelfClosingTagToken:
			line(startTag(z.Token(), p))
		case html.EndTagToken:
			if depth > 0 {
				depth--
			}
			line(paint(p, tagColor, "</"+z.Token().Data+">"))
		case html.TextToken:
			if text := strings.TrimSpace(string(z.Text())); text != "" {
				line(html.EscapeString(text))
			}
		}
	}
}

func startTag(tok html.Token, p termenv.Profile) string {
	var b strings.Builder
	b.WriteString(paint(p, tagColor, "<"+tok.Data))
	for _, a := range tok.Attr {
		b.WriteByte(' ')
		b.WriteString(paint(p, attrColor, a.Key))
		b.WriteByte('=')
		b.WriteString(paint(p, valueColor, `"`+html.EscapeString(a.Val)+`"`))
	}
	b.WriteString(paint(p, tagColor, ">"))
	return b.String()
}
