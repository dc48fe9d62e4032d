package models

import (
	"strconv"
	"time"
)

// NA marks a field whose value could not be recovered from a filing.
const NA = "NA"

// Outcome records which kind of extraction a Filing holds.
type Outcome int

const (
	// OutcomeParsed means Facts holds every valid tagged element of the document.
	OutcomeParsed Outcome = iota
	// OutcomeSentinel means extraction failed and Facts holds exactly one sentinel Fact.
	OutcomeSentinel
)

func (o Outcome) String() string {
	if o == OutcomeSentinel {
		return "sentinel"
	}
	return "parsed"
}

// FactValue is either a number or the raw text of an element.
type FactValue struct {
	Number  float64
	Text    string
	Numeric bool
}

// NumberValue returns a numeric FactValue.
func NumberValue(f float64) FactValue { return FactValue{Number: f, Numeric: true} }

// TextValue returns a textual FactValue.
func TextValue(s string) FactValue { return FactValue{Text: s} }

// String renders the value the way it is stored in the value column.
func (v FactValue) String() string {
	if v.Numeric {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	return v.Text
}

// Negate flips the sign of a numeric value; text values are returned unchanged.
func (v FactValue) Negate() FactValue {
	if !v.Numeric {
		return v
	}
	return NumberValue(0.0 - v.Number)
}

// Fact is one tagged datum extracted from a filing.
type Fact struct {
	Name    string
	RawText string
	Value   FactValue
	Unit    string
	Date    string
	Sign    string
}

// SentinelFact is the single Fact carried by a filing whose extraction failed.
func SentinelFact() Fact {
	return Fact{
		Name:    NA,
		RawText: NA,
		Value:   TextValue(NA),
		Unit:    NA,
		Date:    NA,
		Sign:    NA,
	}
}

// Filing is one source document and everything extracted from it.
type Filing struct {
	DocName            string
	DocType            string
	UploadTimestamp    time.Time
	ArchiveName        string
	BalanceSheetDate   string
	RegistrationNumber string
	StandardType       string
	StandardDate       string
	StandardLink       string
	Parsed             bool

	Outcome Outcome
	Facts   []Fact
}

// Columns is the canonical column order of the output table.
var Columns = []string{
	"date",
	"name",
	"unit",
	"value",
	"doc_name",
	"doc_type",
	"doc_upload_date",
	"arc_name",
	"parsed",
	"doc_balancesheetdate",
	"registration_number",
	"doc_standard_type",
	"doc_standard_date",
	"doc_standard_link",
}

// FlatRow is one Fact joined with its filing's metadata.
type FlatRow struct {
	Date               string    `bigquery:"date"`
	Name               string    `bigquery:"name"`
	Unit               string    `bigquery:"unit"`
	Value              string    `bigquery:"value"`
	DocName            string    `bigquery:"doc_name"`
	DocType            string    `bigquery:"doc_type"`
	DocUploadDate      time.Time `bigquery:"doc_upload_date"`
	ArcName            string    `bigquery:"arc_name"`
	Parsed             bool      `bigquery:"parsed"`
	BalanceSheetDate   string    `bigquery:"doc_balancesheetdate"`
	RegistrationNumber string    `bigquery:"registration_number"`
	StandardType       string    `bigquery:"doc_standard_type"`
	StandardDate       string    `bigquery:"doc_standard_date"`
	StandardLink       string    `bigquery:"doc_standard_link"`
}

// Values returns the row's fields in Columns order.
func (r FlatRow) Values() []any {
	return []any{
		r.Date,
		r.Name,
		r.Unit,
		r.Value,
		r.DocName,
		r.DocType,
		r.DocUploadDate,
		r.ArcName,
		r.Parsed,
		r.BalanceSheetDate,
		r.RegistrationNumber,
		r.StandardType,
		r.StandardDate,
		r.StandardLink,
	}
}

// Batch is one independently dispatched slice of the full entry list.
type Batch struct {
	Index       int
	Entries     []string
	Table       string
	Directory   string
	ArchivePath string
}
