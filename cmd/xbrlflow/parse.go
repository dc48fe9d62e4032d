package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/xbrlflow/internal/batch"
	"github.com/Lllllllleong/xbrlflow/internal/models"
	"github.com/Lllllllleong/xbrlflow/internal/xbrl"
)

var parseCmd = &cobra.Command{
	Use:   "parse <file>...",
	Short: "Parse filings and print their rows as tab separated values",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parser := xbrl.NewParser(appConfig.Pipeline.MinFacts)
		out := bufio.NewWriter(os.Stdout)
		defer out.Flush()

		fmt.Fprintln(out, strings.Join(models.Columns, "\t"))
		now := time.Now()
		for _, name := range args {
			rows, err := parseFile(parser, name, now)
			if err != nil {
				rootLogger.Warn("Skipping unreadable file.", "file", name, "error", err)
				continue
			}
			for _, r := range rows {
				fmt.Fprintln(out, formatRow(r))
			}
		}
		return nil
	},
}

func parseFile(parser *xbrl.Parser, name string, now time.Time) ([]models.FlatRow, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	filing, err := parser.Parse(f, name, now)
	if err != nil {
		return nil, err
	}
	rootLogger.Debug("Parsed filing.", "file", name, "facts", len(filing.Facts), "outcome", filing.Outcome)
	return batch.Flatten(filing), nil
}

func formatRow(r models.FlatRow) string {
	values := r.Values()
	fields := make([]string, len(values))
	for i, v := range values {
		switch v := v.(type) {
		case time.Time:
			fields[i] = v.UTC().Format(time.RFC3339)
		default:
			fields[i] = fmt.Sprint(v)
		}
	}
	return strings.Join(fields, "\t")
}
