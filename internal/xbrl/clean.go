package xbrl

import (
	"strconv"
	"strings"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

// CleanValue converts the text of a unit-bearing element to a number where it can.
// A lone dash is zero. Thousands separators and stray spaces are dropped before
// parsing; text that still does not parse is returned unchanged.
func CleanValue(s string) models.FactValue {
	trimmed := strings.TrimSpace(s)
	if trimmed == "-" {
		return models.NumberValue(0.0)
	}
	stripped := strings.NewReplacer(",", "", " ", "").Replace(trimmed)
	if f, err := strconv.ParseFloat(stripped, 64); err == nil {
		return models.NumberValue(f)
	}
	return models.TextValue(s)
}
