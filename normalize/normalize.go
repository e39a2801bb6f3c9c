// Package normalize renders a raw email payload as plain text.
//
// Multipart messages are walked depth first. Plain-text parts are preferred
// and concatenated; when none exist the first text-bearing part is used and
// its markup stripped. Tag boundaries of block elements become line breaks so
// labels and values stay on separate lines, and the leaf table cells of any
// HTML part are kept for structured lookups. Runs of two or more blanks stay
// two wide since they separate a value from trailing text.
package normalize

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/encoding/unicode"

	"github.com/hawkdelights/cake-orders/filter"
	"github.com/hawkdelights/cake-orders/model"
)

const maxDepth = 16

// Document is the normalized rendering of one message.
type Document struct {
	// Text is the de-HTML-ed body, one logical line per block element.
	Text string
	// Cells holds the text of every leaf td/th element in document order.
	Cells []string
	// Alternative is the rendered HTML part of a message whose Text came
	// from its plain-text parts. Pattern lookups fall back to it.
	Alternative string
}

// Empty reports whether the message had no usable textual content.
func (d Document) Empty() bool {
	return strings.TrimSpace(d.Text) == "" && strings.TrimSpace(d.Alternative) == "" && len(d.Cells) == 0
}

type part struct {
	mediaType string
	body      string
}

var (
	markupPattern = regexp.MustCompile(`(?i)<\s*/?\s*(?:html|body|head|table|tbody|thead|tr|td|th|div|p|br|span|font|b|strong|em|center|ul|ol|li|h[1-6])\b[^>]*>`)
	headerLine    = regexp.MustCompile(`^([!-9;-~]+):`)
	cellTag       = regexp.MustCompile(`(?i)<\s*t[dh]\b`)
	tableTag      = regexp.MustCompile(`(?i)<\s*table\b`)
	wideSpace     = regexp.MustCompile(`[ \t\f\v]{2,}`)
	narrowSpace   = regexp.MustCompile(`[\t\f\v]`)
)

var knownHeaders = map[string]bool{
	"from":                      true,
	"to":                        true,
	"subject":                   true,
	"date":                      true,
	"message-id":                true,
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
	"received":                  true,
	"return-path":               true,
	"delivered-to":              true,
	"reply-to":                  true,
}

var blockElements = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Br: true, atom.Caption: true, atom.Center: true, atom.Dd: true, atom.Div: true,
	atom.Dl: true, atom.Dt: true, atom.Footer: true, atom.Form: true, atom.H1: true,
	atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Header: true, atom.Hr: true, atom.Li: true, atom.Ol: true, atom.P: true,
	atom.Pre: true, atom.Section: true, atom.Table: true, atom.Tbody: true, atom.Td: true,
	atom.Tfoot: true, atom.Th: true, atom.Thead: true, atom.Tr: true, atom.Ul: true,
}

// skippedElements are dropped by the token walk. Head is left out since its
// end tag is optional.
var skippedElements = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Title: true, atom.Noscript: true,
	atom.Template: true, atom.Iframe: true,
}

var invisibleElements = map[atom.Atom]bool{
	atom.Head: true, atom.Script: true, atom.Style: true, atom.Title: true,
	atom.Noscript: true, atom.Template: true, atom.Object: true, atom.Iframe: true,
}

// Body normalizes msg. A message without any textual part yields an empty
// Document; decoding problems never fail the message.
func Body(msg model.Message) Document {
	return render(textParts(msg))
}

// HTML renders an HTML fragment the same way Body renders an HTML part.
func HTML(s string) Document {
	return renderHTML(s)
}

func textParts(msg model.Message) []part {
	raw := msg.Raw
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var entity *message.Entity
	switch {
	case msg.ContentType != "":
		var h message.Header
		h.Set("Content-Type", msg.ContentType)
		e, err := message.New(h, bytes.NewReader(raw))
		if e == nil || (err != nil && !tolerable(err)) {
			return []part{bare(raw)}
		}
		entity = e
	case looksLikeMessage(raw):
		e, err := message.Read(bytes.NewReader(raw))
		if e == nil || (err != nil && !tolerable(err)) {
			_, body := filter.SplitRawMessage(raw)
			return []part{bare(body)}
		}
		entity = e
	default:
		return []part{bare(raw)}
	}

	var parts []part
	collect(entity, &parts, 0)
	return parts
}

func collect(e *message.Entity, parts *[]part, depth int) {
	if depth > maxDepth {
		return
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil && !tolerable(err) {
				return
			}
			if p == nil {
				continue
			}
			collect(p, parts, depth+1)
		}
	}

	if disp, _, err := e.Header.ContentDisposition(); err == nil && strings.EqualFold(disp, "attachment") {
		return
	}

	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)
	if !strings.HasPrefix(mediaType, "text/") {
		return
	}

	body, err := io.ReadAll(e.Body)
	if err != nil && len(body) == 0 {
		return
	}
	*parts = append(*parts, part{mediaType: mediaType, body: decode(body)})
}

// tolerable reports errors after which go-message still hands back a
// readable entity with the raw, undecoded body.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}

func bare(raw []byte) part {
	body := decode(raw)
	if hasMarkup(body) {
		return part{mediaType: "text/html", body: body}
	}
	return part{mediaType: "text/plain", body: body}
}

// decode turns invalid UTF-8 into U+FFFD and drops a leading byte order mark.
func decode(b []byte) string {
	out, err := unicode.UTF8BOM.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "\uFFFD")
	}
	return string(out)
}

func render(parts []part) Document {
	var (
		plain  []string
		markup *part
	)
	for i := range parts {
		if parts[i].mediaType == "text/plain" {
			plain = append(plain, parts[i].body)
			continue
		}
		if markup == nil {
			markup = &parts[i]
		}
	}

	var doc Document
	switch {
	case len(plain) > 0:
		text := strings.Join(plain, "\n")
		if hasMarkup(text) {
			doc = renderHTML(text)
		} else {
			doc.Text = cleanPlain(text)
		}
		if markup != nil && markup.mediaType == "text/html" {
			alt := renderHTML(markup.body)
			if len(doc.Cells) == 0 {
				doc.Cells = alt.Cells
			}
			doc.Alternative = alt.Text
		}
	case markup != nil:
		if markup.mediaType == "text/html" || hasMarkup(markup.body) {
			doc = renderHTML(markup.body)
		} else {
			doc.Text = cleanPlain(markup.body)
		}
	}
	return doc
}

// renderHTML produces the text in source order and the leaf table cells.
func renderHTML(s string) Document {
	doc := Document{Text: collapseLines(htmlText(s), keepWideSpace)}

	// The HTML parser drops cells outside a table, and foster-parents any
	// text around them, so the tree is only used for cells.
	if cellTag.MatchString(s) && !tableTag.MatchString(s) {
		s = "<table><tr>" + s + "</tr></table>"
	}
	if root, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
		doc.Cells = cells(root.Selection)
	}
	return doc
}

// htmlText walks the tokens of s in order. Block tags become line breaks and
// the content of invisible elements is skipped.
func htmlText(s string) string {
	var (
		b    strings.Builder
		skip int
	)
	z := html.NewTokenizer(strings.NewReader(s))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken, html.EndTagToken:
			tok := z.Token()
			if skippedElements[tok.DataAtom] {
				switch tok.Type {
				case html.StartTagToken:
					skip++
				case html.EndTagToken:
					if skip > 0 {
						skip--
					}
				}
				continue
			}
			if blockElements[tok.DataAtom] {
				b.WriteByte('\n')
			}
		}
	}
}

func writeNode(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.CommentNode, html.DoctypeNode:
		return
	case html.ElementNode:
		if invisibleElements[n.DataAtom] {
			return
		}
	}

	block := n.Type == html.ElementNode && blockElements[n.DataAtom]
	if block {
		b.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeNode(b, c)
	}
	if block {
		b.WriteByte('\n')
	}
}

// cells renders every leaf td/th. Line breaks inside a cell are kept.
func cells(sel *goquery.Selection) []string {
	var out []string
	sel.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
		if cell.Find("td, th").Length() > 0 {
			return
		}
		var b strings.Builder
		for _, n := range cell.Nodes {
			writeNode(&b, n)
		}
		out = append(out, collapseLines(b.String(), collapseSpace))
	})
	return out
}

func hasMarkup(s string) bool {
	return markupPattern.MatchString(s)
}

func cleanPlain(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.TrimRight(s, " \t\n")
}

func collapseLines(s string, squash func(string) string) string {
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = squash(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func collapseSpace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}

// keepWideSpace trims s and collapses whitespace, except that a run of two
// or more blanks stays two wide; field values end at such runs.
func keepWideSpace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	s = wideSpace.ReplaceAllString(s, "  ")
	s = narrowSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// looksLikeMessage reports whether raw starts with an RFC 5322 header block
// containing at least one well-known field. Bare bodies such as
// "Customer Name Jane" are not mistaken for headers.
func looksLikeMessage(raw []byte) bool {
	header, _ := filter.SplitRawMessage(raw)
	if len(header) == 0 {
		return false
	}

	known := false
	for _, line := range strings.Split(string(header), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			continue
		}
		m := headerLine.FindStringSubmatch(line)
		if m == nil {
			return false
		}
		if knownHeaders[strings.ToLower(m[1])] {
			known = true
		}
	}
	return known
}
