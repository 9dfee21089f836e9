package detect

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skippedElements never contribute visible text.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Head:     true,
}

// blockElements start a new line in the extracted text.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.Tr: true, atom.Td: true, atom.Th: true, atom.Table: true, atom.Section: true,
	atom.Article: true, atom.Header: true, atom.Footer: true, atom.Nav: true, atom.Aside: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Form: true, atom.Fieldset: true, atom.Label: true, atom.Option: true, atom.Button: true,
	atom.Dt: true, atom.Dd: true, atom.Main: true, atom.Hr: true,
}

// TextFromHTML converts markup into line-oriented visible text: one line per
// block element, whitespace collapsed, empty lines dropped. Image alt texts
// are kept since carriers often appear only as logos.
func TextFromHTML(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var (
		lines []string
		cur   strings.Builder
		skip  int
	)
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("tokenizing html: %w", err)
			}
			flush()
			return strings.Join(lines, "\n"), nil

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if skippedElements[tok.DataAtom] {
				if tok.Type == html.StartTagToken {
					skip++
				}
				continue
			}
			if blockElements[tok.DataAtom] {
				flush()
			}
			if skip == 0 && tok.DataAtom == atom.Img {
				for _, a := range tok.Attr {
					if a.Key == "alt" || a.Key == "title" {
						cur.WriteString(" " + a.Val + " ")
					}
				}
			}

		case html.EndTagToken:
			tok := z.Token()
			if skippedElements[tok.DataAtom] {
				if skip > 0 {
					skip--
				}
				continue
			}
			if blockElements[tok.DataAtom] {
				flush()
			}

		case html.TextToken:
			if skip == 0 {
				cur.Write(z.Text())
				cur.WriteByte(' ')
			}
		}
	}
}

// TextFromPDF extracts the plain text of a PDF document.
func TextFromPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}
