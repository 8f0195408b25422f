// Package report renders a finished scan as a CSV census report, sorted so
// the most urgent statuses lead the file.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/wisptools/sweep/pkg/scan"
)

var header = []string{"IP", "Tower", "Status", "Clients", "Note", "Timestamp"}

// Write renders results to path. When withTimestamp is set the filename
// gains a _YYYYMMDD_HHMMSS suffix so successive runs never clobber each
// other. Returns the path actually written.
func Write(path string, results []scan.Result, withTimestamp bool) (string, error) {
	if len(results) == 0 {
		return "", fmt.Errorf("no results to export")
	}

	rows := append([]scan.Result(nil), results...)
	scan.SortByUrgency(rows)

	if withTimestamp {
		path = timestamped(path, time.Now())
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("failed to create report directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return "", err
	}
	for _, r := range rows {
		record := []string{
			r.Host,
			r.Tower,
			r.Status.String(),
			strconv.Itoa(r.Clients),
			r.Note,
			r.CompletedAt.Format("2006-01-02 15:04:05"),
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

func timestamped(path string, now time.Time) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_%s%s", stem, now.Format("20060102_150405"), ext)
}
