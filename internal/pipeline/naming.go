package pipeline

import (
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/Lllllllleong/xbrlflow/internal/models"
)

var (
	monthYear  = regexp.MustCompile(`^([A-Za-z]+)(\d{4})$`)
	unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)
)

// TableName derives the destination table from a source directory such as
// Accounts_Monthly_Data-March2021, which becomes project.dataset.March-2021.
func TableName(project, dataset, dir string) string {
	base := path.Base(strings.TrimSuffix(dir, "/"))
	name := base
	if i := strings.LastIndex(base, "-"); i >= 0 {
		if m := monthYear.FindStringSubmatch(base[i+1:]); m != nil {
			name = m[1] + "-" + m[2]
		}
	}
	if name == base {
		name = strings.Trim(unsafeName.ReplaceAllString(base, "_"), "_")
	}

	parts := []string{}
	for _, p := range []string{project, dataset, name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// UnpackDirectory is where the entries of an archive are unpacked.
func UnpackDirectory(zipPath string) string {
	return strings.TrimSuffix(zipPath, path.Ext(zipPath))
}

// ExportFileName is the default artifact name for a table.
func ExportFileName(table string) string {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[i+1:]
	}
	return table
}

// exportNames holds the object names used while exporting one table.
type exportNames struct {
	shardPrefix string
	header      string
	artifact    string
	shard       *regexp.Regexp
}

func newExportNames(location, fileName string) exportNames {
	prefix := path.Join(location, fileName)
	return exportNames{
		shardPrefix: prefix,
		header:      path.Join(location, "header_"+fileName+".csv"),
		artifact:    prefix + ".csv",
		shard:       regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + `\d+\.csv$`),
	}
}

// shards keeps the listed names that are data shards, in lexical order.
func (n exportNames) shards(listed []string) []string {
	var out []string
	for _, name := range listed {
		if n.shard.MatchString(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// headerLine is the single tab separated line written to the header shard.
func headerLine() []byte {
	return []byte(strings.Join(models.Columns, "\t") + "\n")
}
