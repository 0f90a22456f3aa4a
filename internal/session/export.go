package session

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// CSVHeader is the fixed column order of the history export.
var CSVHeader = []string{"Timestamp", "Object Name", "Category", "Confidence %", "Dustbin Color"}

const csvTimeLayout = "2006-01-02 15:04:05"

// WriteCSV writes history rows, newest first as given, with timestamps in loc.
// Text fields are always quoted; the confidence column is a bare integer.
func WriteCSV(w io.Writer, history []Detection, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(CSVHeader, ",") + "\n"); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, d := range history {
		row := []string{
			quote(d.Timestamp.In(loc).Format(csvTimeLayout)),
			quote(d.Name),
			quote(string(d.Category)),
			strconv.Itoa(d.ConfidencePercent),
			quote(d.DustbinColor()),
		}
		if _, err := bw.WriteString(strings.Join(row, ",") + "\n"); err != nil {
			return fmt.Errorf("failed to write csv row %s: %w", d.ID, err)
		}
	}
	return bw.Flush()
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// ExportFilename names an export generated at t.
func ExportFilename(t time.Time) string {
	return fmt.Sprintf("waste_detection_%d.csv", t.UnixMilli())
}
