package merge

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"docflow-backend/internal/analyzer"
)

const summarySheet = "Findings"

// BuildSummary renders one row per finding (type, page range, fields) into an
// XLSX workbook.
func BuildSummary(findings []analyzer.Finding) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}

	headers := []string{"Type", "Pages", "Fields"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(summarySheet, cell, h); err != nil {
			return nil, err
		}
	}

	for i, finding := range findings {
		row := i + 2
		values := []any{finding.Type, pageRange(finding), string(encodeFields(finding.Fields))}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			if err := f.SetCellValue(summarySheet, cell, v); err != nil {
				return nil, err
			}
		}
	}

	_ = f.SetColWidth(summarySheet, "A", "A", 28)
	_ = f.SetColWidth(summarySheet, "B", "B", 10)
	_ = f.SetColWidth(summarySheet, "C", "C", 80)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}

func pageRange(f analyzer.Finding) string {
	if f.PageStart == f.PageEnd {
		return fmt.Sprintf("%d", f.PageStart)
	}
	return fmt.Sprintf("%d-%d", f.PageStart, f.PageEnd)
}
