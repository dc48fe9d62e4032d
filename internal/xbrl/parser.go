package xbrl

import (
	"io"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// DefaultMinFacts is the fact count at or below which an extraction is treated as failed.
const DefaultMinFacts = 5

var schemaRefTags = []string{"link:schemaref", "schemaref"}

// Parser turns filing documents into Filings.
type Parser struct {
	// MinFacts is the largest fact count still considered a failed extraction.
	MinFacts int
}

// NewParser returns a Parser with the given minimum fact threshold.
func NewParser(minFacts int) *Parser {
	if minFacts < 0 {
		minFacts = DefaultMinFacts
	}
	return &Parser{MinFacts: minFacts}
}

// Parse reads one document with the default threshold.
func Parse(r io.Reader, name string, now time.Time) (*models.Filing, error) {
	return NewParser(DefaultMinFacts).Parse(r, name, now)
}

// Parse reads one document and extracts its facts and metadata.
//
// name is the object path of the document; its base name and parent directory
// carry the filing metadata. now becomes the upload timestamp. An error is
// returned only when the document cannot be loaded at all.
func (p *Parser) Parse(r io.Reader, name string, now time.Time) (*models.Filing, error) {
	doc, err := Load(r)
	if err != nil {
		return nil, err
	}

	filing := filingFromName(name, now)
	p.readSchemaRef(doc, filing)

	var facts []models.Fact
	for _, node := range doc.Tagged() {
		facts = append(facts, extractFact(doc, node))
	}

	if len(facts) <= p.MinFacts {
		filing.Outcome = models.OutcomeSentinel
		filing.Facts = []models.Fact{models.SentinelFact()}
		return filing, nil
	}
	filing.Outcome = models.OutcomeParsed
	filing.Facts = facts
	return filing, nil
}

// filingFromName fills the metadata encoded in a file name such as
// Accounts_Monthly_Data-March2021/Prod224_0058_01234567_20200331.html.
func filingFromName(name string, now time.Time) *models.Filing {
	base := path.Base(name)
	f := &models.Filing{
		DocName:            base,
		DocType:            models.NA,
		UploadTimestamp:    now,
		ArchiveName:        models.NA,
		BalanceSheetDate:   models.NA,
		RegistrationNumber: models.NA,
		StandardType:       models.NA,
		StandardDate:       models.NA,
		StandardLink:       models.NA,
	}

	if ext := path.Ext(base); ext != "" {
		f.DocType = strings.ToLower(strings.TrimPrefix(ext, "."))
	}
	if dir := path.Dir(name); dir != "." && dir != "/" {
		f.ArchiveName = path.Base(dir)
	}

	stem, _, _ := strings.Cut(base, ".")
	tokens := strings.Split(stem, "_")
	if len(tokens) >= 2 {
		if t, err := time.Parse("20060102", tokens[len(tokens)-1]); err == nil {
			f.BalanceSheetDate = t.Format("2006-01-02")
		}
		if reg := tokens[len(tokens)-2]; reg != "" {
			f.RegistrationNumber = reg
		}
	}
	return f
}

// readSchemaRef reads the accounting standard from the schema reference href,
// e.g. https://xbrl.frc.org.uk/FRS-102/2014-09-01/FRS-102-2014-09-01.xsd.
func (p *Parser) readSchemaRef(doc *Document, f *models.Filing) {
	f.Parsed = false
	for _, tag := range schemaRefTags {
		node, ok := doc.First(tag)
		if !ok {
			continue
		}
		href, ok := node.Attr("xlink:href")
		if !ok || href == "" {
			return
		}
		text, _, _ := strings.Cut(path.Base(href), ".")
		if len(text) < len("2006-01-02") {
			return
		}
		cut := len(text) - len("2006-01-02")
		f.StandardType = strings.Trim(text[:cut], "-")
		f.StandardDate = text[cut:]
		f.StandardLink = href
		f.Parsed = true
		return
	}
}

func extractFact(doc *Document, node *goquery.Selection) models.Fact {
	contextref, _ := node.Attr("contextref")

	raw := node.Text()
	if raw == "" {
		raw = ResolveValueFromContext(doc, contextref)
	}

	fact := models.Fact{
		Name:    factName(node),
		RawText: raw,
		Unit:    ResolveUnit(doc, node),
		Date:    ResolveDate(doc, node),
	}
	if fact.Unit != models.NA {
		fact.Value = CleanValue(raw)
	} else {
		fact.Value = models.TextValue(raw)
	}
	if sign, ok := node.Attr("sign"); ok {
		fact.Sign = sign
		if strings.TrimSpace(sign) == "-" {
			fact.Value = fact.Value.Negate()
		}
	}
	return fact
}

// factName prefers the name attribute over the tag and drops any namespace prefix.
func factName(node *goquery.Selection) string {
	name, ok := node.Attr("name")
	if !ok || name == "" {
		name = goquery.NodeName(node)
	}
	name = strings.ToLower(name)
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	return name
}
