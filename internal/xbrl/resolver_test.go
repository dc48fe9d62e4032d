package xbrl

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

func load(t *testing.T, body string) *Document {
	t.Helper()
	doc, err := Load(strings.NewReader("<html><body>" + contexts + body + "</body></html>"))
	require.NoError(t, err)
	return doc
}

func node(t *testing.T, doc *Document, id string) *goquery.Selection {
	t.Helper()
	s, ok := doc.ByID(id)
	require.True(t, ok, "no element with id %q", id)
	return s
}

func TestResolveUnit(t *testing.T) {
	doc := load(t, `
<ix:nonFraction id="byref" contextRef="c1" unitRef="GBP">1</ix:nonFraction>
<ix:nonFraction id="literal" contextRef="c1" unitRef="shares">1</ix:nonFraction>
<ix:nonNumeric id="none" contextRef="c1">x</ix:nonNumeric>`)

	require.Equal(t, "iso4217:GBP", ResolveUnit(doc, node(t, doc, "byref")))
	require.Equal(t, "shares", ResolveUnit(doc, node(t, doc, "literal")))
	require.Equal(t, models.NA, ResolveUnit(doc, node(t, doc, "none")))
}

func TestResolveDate(t *testing.T) {
	doc := load(t, `
<ix:nonFraction id="instant" contextRef="c1" unitRef="GBP">1</ix:nonFraction>
<ix:nonFraction id="duration" contextRef="d1" unitRef="GBP">1</ix:nonFraction>
<ix:nonFraction id="literal" contextRef="2019-12-31" unitRef="GBP">1</ix:nonFraction>
<ix:nonFraction id="missing" contextRef="nope" unitRef="GBP">1</ix:nonFraction>`)

	require.Equal(t, "2020-03-31", ResolveDate(doc, node(t, doc, "instant")))
	// enddate wins over the start date in the same period.
	require.Equal(t, "2020-03-31", ResolveDate(doc, node(t, doc, "duration")))
	require.Equal(t, "2019-12-31", ResolveDate(doc, node(t, doc, "literal")))
	require.Equal(t, models.NA, ResolveDate(doc, node(t, doc, "missing")))
}

func TestResolveDatePrefersNamespacedTags(t *testing.T) {
	doc := load(t, `
<xbrli:context id="mixed"><xbrli:period><instant>2018-01-01</instant><xbrli:instant>2020-06-30</xbrli:instant></xbrli:period></xbrli:context>
<ix:nonFraction id="fact" contextRef="mixed" unitRef="GBP">1</ix:nonFraction>`)

	require.Equal(t, "2020-06-30", ResolveDate(doc, node(t, doc, "fact")))
}

func TestResolveValueFromContext(t *testing.T) {
	doc := load(t, "")

	require.Equal(t, "EntityDormantFalse", ResolveValueFromContext(doc, "d1"))
	require.Equal(t, "", ResolveValueFromContext(doc, "c1"))
	require.Equal(t, "", ResolveValueFromContext(doc, "absent"))
}

func TestLoadIndexesFirstID(t *testing.T) {
	doc := load(t, `<span id="dup">first</span><span id="dup">second</span>`)
	require.Equal(t, "first", node(t, doc, "dup").Text())
}
