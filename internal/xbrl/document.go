package xbrl

import (
	"errors"
	"fmt"
	"io"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrUnreadable is returned when a document cannot be loaded into a tree.
var ErrUnreadable = errors.New("document could not be loaded")

// Document is a parsed filing with an id index for by-reference lookups.
//
// Inline (iXBRL) and plain XBRL documents are both read with the HTML
// tokenizer, which lower-cases tag and attribute names and keeps namespace
// prefixes as part of the tag name ("ix:nonfraction", "xbrli:context").
type Document struct {
	doc *goquery.Document
	ids map[string]*goquery.Selection
}

// Load parses r into a Document.
func Load(r io.Reader) (*Document, error) {
	root, err := buildTree(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	d := &Document{
		doc: goquery.NewDocumentFromNode(root),
		ids: make(map[string]*goquery.Selection),
	}
	d.doc.Find("[id]").Each(func(_ int, s *goquery.Selection) {
		id, _ := s.Attr("id")
		if _, seen := d.ids[id]; !seen {
			d.ids[id] = s
		}
	})
	return d, nil
}

// voidElements never have children, whether or not they are written self-closing.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true, "hr": true,
	"img": true, "input": true, "link": true, "meta": true, "param": true,
	"source": true, "track": true, "wbr": true,
}

// buildTree reads r into a node tree. Unlike html.Parse it honours "/>" on
// every element, so a self-closing fact in a plain XBRL document stays empty
// instead of adopting its following siblings. An end tag closes the nearest
// open element of that name along with anything left open inside it; an end
// tag with no open match is ignored.
func buildTree(r io.Reader) (*html.Node, error) {
	root := &html.Node{Type: html.DocumentNode}
	stack := []*html.Node{root}
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return nil, err
			}
			return root, nil
		case html.TextToken:
			stack[len(stack)-1].AppendChild(&html.Node{Type: html.TextNode, Data: string(z.Text())})
		case html.StartTagToken:
			n := element(z.Token())
			stack[len(stack)-1].AppendChild(n)
			if !voidElements[n.Data] {
				stack = append(stack, n)
			}
		case html.SelfClosingTagToken:
			stack[len(stack)-1].AppendChild(element(z.Token()))
		case html.EndTagToken:
			name, _ := z.TagName()
			for i := len(stack) - 1; i > 0; i-- {
				if stack[i].Data == string(name) {
					stack = stack[:i]
					break
				}
			}
		}
	}
}

func element(t html.Token) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     t.Data,
		DataAtom: atom.Lookup([]byte(t.Data)),
		Attr:     t.Attr,
	}
}

// ByID returns the first element carrying the given id.
func (d *Document) ByID(id string) (*goquery.Selection, bool) {
	s, ok := d.ids[id]
	return s, ok
}

// First returns the first element named tag in the whole document.
func (d *Document) First(tag string) (*goquery.Selection, bool) {
	return firstDescendant(d.doc.Selection, tag)
}

// FirstWithID returns the first element named tag whose id attribute equals id.
func (d *Document) FirstWithID(tag, id string) (*goquery.Selection, bool) {
	s := d.doc.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
		if goquery.NodeName(s) != tag {
			return false
		}
		v, ok := s.Attr("id")
		return ok && v == id
	}).First()
	return s, s.Length() > 0
}

// Tagged returns every element carrying a contextref attribute, in document order.
func (d *Document) Tagged() []*goquery.Selection {
	var out []*goquery.Selection
	d.doc.Find("[contextref]").Each(func(_ int, s *goquery.Selection) {
		out = append(out, s)
	})
	return out
}

func firstDescendant(scope *goquery.Selection, tag string) (*goquery.Selection, bool) {
	s := scope.Find("*").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return goquery.NodeName(s) == tag
	}).First()
	return s, s.Length() > 0
}
