package compliance

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"time"

	"github.com/casefolio/casefolio-backend/internal/domain/errors"
)

// ExportReportToCSV renders a report as CSV for auditors: a metadata
// block, then one section per data key. Tabular values (slices of
// objects) get a header row derived from the union of their columns;
// scalar and map values flatten to key/value rows. encoding/csv quotes
// fields containing commas, quotes or newlines.
func ExportReportToCSV(report *Report) ([]byte, error) {
	if report == nil {
		return nil, errors.NewValidationError("NIL_REPORT", "report cannot be nil")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	meta := [][]string{
		{"report_id", report.ID.String()},
		{"organization_id", report.OrganizationID},
		{"type", string(report.Type)},
		{"from", report.From.UTC().Format(time.RFC3339)},
		{"to", report.To.UTC().Format(time.RFC3339)},
		{"generated_by", report.GeneratedBy},
		{"generated_at", report.GeneratedAt.UTC().Format(time.RFC3339)},
		{"hash", report.Hash},
	}
	for _, row := range meta {
		if err := w.Write(row); err != nil {
			return nil, errors.NewInternalError("failed to write CSV row").WithCause(err)
		}
	}

	keys := make([]string, 0, len(report.Data))
	for k := range report.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if err := w.Write([]string{"section", key}); err != nil {
			return nil, errors.NewInternalError("failed to write CSV section").WithCause(err)
		}
		if err := writeValue(w, report.Data[key]); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.NewInternalError("failed to flush CSV").WithCause(err)
	}
	return buf.Bytes(), nil
}

func writeValue(w *csv.Writer, v interface{}) error {
	switch val := v.(type) {
	case []map[string]interface{}:
		return writeTable(w, val)
	case []interface{}:
		rows := make([]map[string]interface{}, 0, len(val))
		tabular := len(val) > 0
		for _, item := range val {
			row, ok := item.(map[string]interface{})
			if !ok {
				tabular = false
				break
			}
			rows = append(rows, row)
		}
		if tabular {
			return writeTable(w, rows)
		}
		for _, item := range val {
			if err := w.Write([]string{stringify(item)}); err != nil {
				return errors.NewInternalError("failed to write CSV row").WithCause(err)
			}
		}
		return nil
	case map[string]int:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := w.Write([]string{k, stringify(val[k])}); err != nil {
				return errors.NewInternalError("failed to write CSV row").WithCause(err)
			}
		}
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := w.Write([]string{k, stringify(val[k])}); err != nil {
				return errors.NewInternalError("failed to write CSV row").WithCause(err)
			}
		}
		return nil
	default:
		if err := w.Write([]string{stringify(val)}); err != nil {
			return errors.NewInternalError("failed to write CSV row").WithCause(err)
		}
		return nil
	}
}

func writeTable(w *csv.Writer, rows []map[string]interface{}) error {
	if len(rows) == 0 {
		return nil
	}

	colSet := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			colSet[k] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for k := range colSet {
		cols = append(cols, k)
	}
	sort.Strings(cols)

	if err := w.Write(cols); err != nil {
		return errors.NewInternalError("failed to write CSV header").WithCause(err)
	}
	for _, row := range rows {
		record := make([]string, len(cols))
		for i, col := range cols {
			record[i] = stringify(row[col])
		}
		if err := w.Write(record); err != nil {
			return errors.NewInternalError("failed to write CSV row").WithCause(err)
		}
	}
	return nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprintf("%v", val)
	}
}
