package xbrl

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// dateTags are tried in order inside a context. The more specific tags come
// first because some contexts carry several of them at once.
var dateTags = []string{
	"xbrli:enddate",
	"xbrli:instant",
	"xbrli:period",
	"enddate",
	"instant",
	"period",
}

type lookup func(doc *Document, node *goquery.Selection) (string, bool)

var unitLookups = []lookup{unitByReference, unitByAttribute}

var dateLookups = []lookup{dateFromContext, dateFromContextRef}

// ResolveUnit returns the unit of a tagged element, or "NA".
func ResolveUnit(doc *Document, node *goquery.Selection) string {
	return firstOf(unitLookups, doc, node)
}

// ResolveDate returns the ISO date of a tagged element's period, or "NA".
func ResolveDate(doc *Document, node *goquery.Selection) string {
	return firstOf(dateLookups, doc, node)
}

// ResolveValueFromContext returns the explicit member classification of the
// referenced context, trimmed after its last ':'. It returns "" when the
// context or member cannot be found.
func ResolveValueFromContext(doc *Document, contextref string) string {
	ctx, ok := doc.FirstWithID("xbrli:context", contextref)
	if !ok {
		return ""
	}
	member, ok := firstDescendant(ctx, "xbrldi:explicitmember")
	if !ok {
		return ""
	}
	text := member.Text()
	if i := strings.LastIndex(text, ":"); i >= 0 {
		text = text[i+1:]
	}
	return strings.TrimSpace(text)
}

func firstOf(lookups []lookup, doc *Document, node *goquery.Selection) string {
	for _, fn := range lookups {
		if v, ok := fn(doc, node); ok {
			return v
		}
	}
	return models.NA
}

func unitByReference(doc *Document, node *goquery.Selection) (string, bool) {
	ref, ok := node.Attr("unitref")
	if !ok {
		return "", false
	}
	unit, ok := doc.ByID(ref)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(unit.Text()), true
}

func unitByAttribute(_ *Document, node *goquery.Selection) (string, bool) {
	ref, ok := node.Attr("unitref")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(ref), true
}

func dateFromContext(doc *Document, node *goquery.Selection) (string, bool) {
	ref, ok := node.Attr("contextref")
	if !ok {
		return "", false
	}
	ctx, ok := doc.ByID(ref)
	if !ok {
		return "", false
	}
	for _, tag := range dateTags {
		el, ok := firstDescendant(ctx, tag)
		if !ok {
			continue
		}
		if d, ok := parseDate(el.Text()); ok {
			return d, true
		}
	}
	return "", false
}

func dateFromContextRef(_ *Document, node *goquery.Selection) (string, bool) {
	ref, ok := node.Attr("contextref")
	if !ok {
		return "", false
	}
	return parseDate(ref)
}

// parseDate reads a free-form date and renders it as YYYY-MM-DD.
func parseDate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	t, err := dateparse.ParseAny(raw)
	if err != nil {
		return "", false
	}
	return t.Format("2006-01-02"), true
}
