package batch

import (
	"strings"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// disallowed substrings are removed from the value column before rows are written.
var valueSanitizer = strings.NewReplacer("  ", "", "\"", "", "\n", "")

// Flatten expands a filing into one row per fact, each carrying the filing's metadata.
func Flatten(f *models.Filing) []models.FlatRow {
	rows := make([]models.FlatRow, 0, len(f.Facts))
	for _, fact := range f.Facts {
		rows = append(rows, models.FlatRow{
			Date:               fact.Date,
			Name:               fact.Name,
			Unit:               fact.Unit,
			Value:              valueSanitizer.Replace(fact.Value.String()),
			DocName:            f.DocName,
			DocType:            f.DocType,
			DocUploadDate:      f.UploadTimestamp,
			ArcName:            f.ArchiveName,
			Parsed:             f.Parsed,
			BalanceSheetDate:   f.BalanceSheetDate,
			RegistrationNumber: f.RegistrationNumber,
			StandardType:       f.StandardType,
			StandardDate:       f.StandardDate,
			StandardLink:       f.StandardLink,
		})
	}
	return rows
}
