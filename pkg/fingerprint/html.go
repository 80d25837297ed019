package fingerprint

import (
	"io"
	"strings"

	"golang.org/x/net/html"
)

// skippedElements never contribute visible text.
var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"head":     true,
	"iframe":   true,
	"svg":      true,
	"object":   true,
}

// blockElements terminate a paragraph when opened or closed.
var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "article": true, "main": true,
	"header": true, "footer": true, "aside": true, "nav": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
	"table": true, "tr": true, "td": true, "th": true,
	"blockquote": true, "pre": true, "form": true, "fieldset": true,
	"hr": true, "br": true,
}

// HTMLText extracts the visible text of an HTML document. Text inside
// script, style, and similar elements is dropped; block element boundaries
// become paragraph breaks. The result still needs whitespace collapsing.
func HTMLText(r io.Reader) (string, error) {
	tok := html.NewTokenizer(r)

	var b strings.Builder
	skipDepth := 0

	for {
		tt := tok.Next()
		switch tt {
		case html.ErrorToken:
			if tok.Err() == io.EOF {
				return b.String(), nil
			}
			return "", tok.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tok.TagName()
			tag := string(name)
			if skippedElements[tag] && tt == html.StartTagToken {
				skipDepth++
				continue
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}

		case html.EndTagToken:
			name, _ := tok.TagName()
			tag := string(name)
			if skippedElements[tag] {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if blockElements[tag] {
				b.WriteByte('\n')
			}

		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			b.Write(tok.Text())
		}
	}
}
