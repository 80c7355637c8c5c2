package exporter

import (
	"fmt"
	"io"
	"strconv"

	"github.com/xuri/excelize/v2"
)

// DefaultSheetName is the sheet converted tables are written to
const DefaultSheetName = "Data"

// ExcelWriter converts tabular script outputs to xlsx workbooks
type ExcelWriter struct {
	SheetName string
}

// NewExcelWriter creates an Excel writer using the default sheet name
func NewExcelWriter() *ExcelWriter {
	return &ExcelWriter{SheetName: DefaultSheetName}
}

// ConvertTSV reads a TSV file and writes it to w as an xlsx workbook
func (e *ExcelWriter) ConvertTSV(tsvPath string, w io.Writer) error {
	headers, rows, err := ReadTSV(tsvPath)
	if err != nil {
		return err
	}
	return e.WriteTable(w, headers, rows)
}

// WriteTable writes headers and rows to w as an xlsx workbook.
// Cells that parse as numbers are stored as numbers.
func (e *ExcelWriter) WriteTable(w io.Writer, headers []string, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := e.SheetName
	if sheet == "" {
		sheet = DefaultSheetName
	}
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	rowNum := 1
	if len(headers) > 0 {
		if err := writeRow(sw, rowNum, headers, false); err != nil {
			return err
		}
		rowNum++
	}
	for _, row := range rows {
		if err := writeRow(sw, rowNum, row, true); err != nil {
			return err
		}
		rowNum++
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeRow(sw *excelize.StreamWriter, rowNum int, values []string, typed bool) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
		if typed {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				out[i] = f
			}
		}
	}
	if err := sw.SetRow(cell, out); err != nil {
		return fmt.Errorf("failed to write row %d: %w", rowNum, err)
	}
	return nil
}
