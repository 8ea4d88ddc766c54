package transform

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/metergrid/meter-pipeline/cmd/schema"
)

// UnknownQuarter is the explicit escape value used when the partition
// label cannot be determined. It is a placement hint only, never a
// correctness-bearing key.
const UnknownQuarter = "UNKNOWN_QUARTER"

// quarterSampleFormat is the single fixed format the classifier accepts.
const quarterSampleFormat = "2006-01-02 15:04:05"

// QuarterLabel samples the first data row of the file and derives a
// YEAR-Qn partition label from its timestamp. Every failure mode is
// absorbed into UnknownQuarter: files still flow, they just land in the
// fallback directory.
func QuarterLabel(path string, mapping map[string]string, separator rune, logger *slog.Logger) string {
	rows, err := OpenRows(path, separator)
	if err != nil {
		logger.Warn(fmt.Sprintf("Could not determine quarter for %s: %v", path, err))
		return UnknownQuarter
	}
	defer rows.Close()

	idx := columnIndex(rows.Headers(), mapping, schema.ColDataTime)
	if idx < 0 {
		logger.Warn(fmt.Sprintf("Could not determine quarter for %s: no %s column", path, schema.ColDataTime))
		return UnknownQuarter
	}

	record, err := rows.Next()
	if err != nil {
		logger.Warn(fmt.Sprintf("Could not determine quarter for %s: %v", path, err))
		return UnknownQuarter
	}
	if idx >= len(record) {
		logger.Warn(fmt.Sprintf("Could not determine quarter for %s: short first row", path))
		return UnknownQuarter
	}

	ts, err := time.Parse(quarterSampleFormat, strings.TrimSpace(record[idx]))
	if err != nil {
		logger.Warn(fmt.Sprintf("Could not determine quarter for %s: %v", path, err))
		return UnknownQuarter
	}

	return quarterOf(ts)
}

// quarterOf formats a timestamp's calendar quarter as YEAR-Qn.
func quarterOf(t time.Time) string {
	return fmt.Sprintf("%d-Q%d", t.Year(), (int(t.Month())-1)/3+1)
}
