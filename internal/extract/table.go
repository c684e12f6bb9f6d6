package extract

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/xuri/excelize/v2"
)

var errNoColumns = errors.New("no columns to parse")

const utf8BOM = "\ufeff"

func csvText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	// Rows shorter than the header are padded; longer rows are an error.
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("csv %s: %w", filepath.Base(path), err)
	}
	if len(records) == 0 {
		return "", fmt.Errorf("csv %s: %w", filepath.Base(path), errNoColumns)
	}
	records[0][0] = strings.TrimPrefix(records[0][0], utf8BOM)
	width := len(records[0])
	for i, rec := range records[1:] {
		if len(rec) > width {
			return "", fmt.Errorf("csv %s: record %d has %d fields, header has %d", filepath.Base(path), i+2, len(rec), width)
		}
	}
	return RenderTable(records), nil
}

// xlsxText renders the first worksheet, like a spreadsheet reader without a sheet argument.
func xlsxText(path string) (string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("xlsx %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", fmt.Errorf("xlsx %s: no worksheets", filepath.Base(path))
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", fmt.Errorf("xlsx %s: %w", filepath.Base(path), err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("xlsx %s: %w", filepath.Base(path), errNoColumns)
	}
	return RenderTable(rows), nil
}

// xlsText renders the first worksheet of a BIFF workbook. Rows missing from
// the sheet are kept as blank rows.
func xlsText(path string) (text string, err error) {
	// The BIFF decoder panics on some truncated records.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("xls %s: %v", filepath.Base(path), r)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	wb, err := xls.OpenReader(f, "utf-8")
	if err != nil {
		return "", fmt.Errorf("xls %s: %w", filepath.Base(path), err)
	}
	if wb == nil {
		return "", fmt.Errorf("xls %s: no workbook stream", filepath.Base(path))
	}
	sheet := wb.GetSheet(0)
	if sheet == nil {
		return "", fmt.Errorf("xls %s: no worksheets", filepath.Base(path))
	}

	var rows [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheetRow(sheet, i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for j := 0; j < row.LastCol(); j++ {
			cells = append(cells, row.Col(j))
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return "", fmt.Errorf("xls %s: %w", filepath.Base(path), errNoColumns)
	}
	return RenderTable(rows), nil
}

// sheetRow returns row i, or nil when the sheet has no record for it.
// WorkSheet.Row dereferences the missing row instead of returning nil.
func sheetRow(sheet *xls.WorkSheet, i int) (row *xls.Row) {
	defer func() {
		if recover() != nil {
			row = nil
		}
	}()
	return sheet.Row(i)
}

// RenderTable lays out rows as an aligned plain-text table without an index
// column. The first row is the header; short rows are padded.
func RenderTable(rows [][]string) string {
	width := 0
	for _, r := range rows {
		width = max(width, len(r))
	}

	toRow := func(cells []string) table.Row {
		out := make(table.Row, width)
		for i := range out {
			if i < len(cells) {
				out[i] = cells[i]
			} else {
				out[i] = ""
			}
		}
		return out
	}

	t := table.NewWriter()
	t.AppendHeader(toRow(rows[0]))
	for _, r := range rows[1:] {
		t.AppendRow(toRow(r))
	}
	t.SetStyle(table.StyleDefault)
	t.Style().Options = table.OptionsNoBordersAndSeparators
	t.Style().Format.Header = text.FormatDefault
	return t.Render()
}
