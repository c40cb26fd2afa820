// Package listing parses the HTML pages produced by web servers' automatic
// directory indexes (Apache mod_autoindex and compatible) into entries.
package listing

import (
	"bytes"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/fruitsalade/indexfs/pkg/models"
)

// Icon alternate texts that classify a row.
const (
	AltDir       = "[DIR]"
	AltParentDir = "[PARENTDIR]"
)

// TimeLayout is the layout of the last-modified column.
const TimeLayout = "2006-01-02 15:04"

// ParseError reports a page that does not have the listing table structure.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse listing: %s: %v", e.Reason, e.Err)
	}
	return "parse listing: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Row is one listing row with its raw last-modified text.
type Row struct {
	models.Entry
	Href     string
	Modified string
}

// ModTime parses the row's last-modified column in loc.
func (r Row) ModTime(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(TimeLayout, strings.TrimSpace(r.Modified), loc)
}

// Parse returns the entries of a listing page in page order.
func Parse(body []byte) ([]models.Entry, error) {
	rows, err := ParseRows(body)
	if err != nil {
		return nil, err
	}
	entries := make([]models.Entry, len(rows))
	for i, r := range rows {
		entries[i] = r.Entry
	}
	return entries, nil
}

// ParseRows returns the rows of a listing page in page order, excluding the
// parent-directory row.
func ParseRows(body []byte) ([]Row, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{Reason: "invalid html", Err: err}
	}

	tables := findAll(doc, atom.Table)
	if len(tables) == 0 {
		return nil, &ParseError{Reason: "no table in page"}
	}

	var rows []Row
	for _, table := range tables {
		for _, tr := range findAll(table, atom.Tr) {
			row, ok := parseRow(tr)
			if !ok {
				continue
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// parseRow extracts a row of the form
//
//	<td><img alt="[DIR]"></td><td><a href="name/">name/</a></td><td>2023-06-01 10:00</td>...
//
// Rows without a data cell holding a link (headers, separators) and the
// parent-directory row are rejected.
func parseRow(tr *html.Node) (Row, bool) {
	cells := children(tr, atom.Td)
	if len(cells) == 0 {
		return Row{}, false
	}

	alt := ""
	linkCell := -1
	var link *html.Node
	for i, td := range cells {
		if alt == "" {
			if img := findFirst(td, atom.Img); img != nil {
				alt = strings.TrimSpace(attr(img, "alt"))
			}
		}
		if a := findFirst(td, atom.A); a != nil {
			linkCell, link = i, a
			break
		}
	}
	if link == nil {
		return Row{}, false
	}

	href := attr(link, "href")
	text := strings.TrimSpace(textOf(link))

	if alt == AltParentDir {
		return Row{}, false
	}
	if alt == "" && (href == "../" || text == "Parent Directory") {
		return Row{}, false
	}

	isDir := alt == AltDir || (alt == "" && strings.HasSuffix(href, "/"))

	name := text
	if name == "" || strings.HasSuffix(name, "..>") || strings.HasSuffix(name, "...") {
		name = nameFromHref(href)
	}
	name = strings.TrimSuffix(name, "/")
	if name == "" {
		return Row{}, false
	}

	row := Row{
		Entry: models.Entry{Name: name, IsDir: isDir},
		Href:  href,
	}
	if linkCell+1 < len(cells) {
		row.Modified = strings.TrimSpace(textOf(cells[linkCell+1]))
	}
	return row, true
}

// nameFromHref recovers the full name when the server truncated the link text.
func nameFromHref(href string) string {
	if u, err := url.Parse(href); err == nil {
		href = u.Path
	}
	base := path.Base(strings.TrimSuffix(href, "/"))
	if base == "." || base == "/" {
		return ""
	}
	return base
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == a {
				out = append(out, c)
				// Rows of nested tables are reached through the outermost one.
				if a == atom.Table {
					continue
				}
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func children(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			out = append(out, c)
		}
	}
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
