package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// sheetMarker prefixes each sheet's content in full extraction.
func sheetMarker(name string) string {
	return "=== Sheet: " + name + " ==="
}

// sheetFirstRows reads the first non-empty rows of the first sheet as the
// first-page approximation.
func sheetFirstRows(data []byte, maxRows int) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("excelize open: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return "", nil
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return "", fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}

	var lines []string
	for _, row := range rows {
		if line, ok := joinRow(row); ok {
			lines = append(lines, line)
			if len(lines) >= maxRows {
				break
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

// sheetFull reads every sheet, marker line first, then one line per
// non-empty row. The raw OOXML parser is attempted only when excelize
// errors; each attempt's failure is kept in the detail so silent mojibake is
// distinguishable from confident extraction.
func (d *Dispatcher) sheetFull(data []byte) (text, detail string) {
	text, err := sheetFullExcelize(data)
	if err == nil {
		return text, ""
	}
	detail = fmt.Sprintf("excelize: %v", err)
	d.cfg.Logger.Warn("extract: primary spreadsheet parser failed", "error", err)

	text, ferr := sheetFullRaw(data)
	if ferr != nil {
		return "", detail + fmt.Sprintf("; raw ooxml: %v", ferr)
	}
	return text, detail + "; extracted via raw ooxml fallback"
}

func sheetFullExcelize(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var lines []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %q: %w", sheet, err)
		}
		lines = append(lines, sheetMarker(sheet))
		for _, row := range rows {
			if line, ok := joinRow(row); ok {
				lines = append(lines, line)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func joinRow(cells []string) (string, bool) {
	empty := true
	for _, c := range cells {
		if c != "" {
			empty = false
			break
		}
	}
	if empty {
		return "", false
	}
	return strings.Join(cells, cellSeparator), true
}

// --- raw OOXML fallback ---

// sheetFullRaw is a minimal xlsx reader: shared strings resolved, cell
// values per row, no styles, no formulas. It exists only for workbooks that
// excelize rejects.
func sheetFullRaw(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}

	shared, err := rawSharedStrings(zr)
	if err != nil {
		return "", err
	}

	var lines []string
	found := false
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "xl/worksheets/sheet") || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		found = true
		rows, err := rawSheetRows(f, shared)
		if err != nil {
			return "", fmt.Errorf("%s: %w", f.Name, err)
		}
		lines = append(lines, sheetMarker(strings.TrimSuffix(strings.TrimPrefix(f.Name, "xl/worksheets/"), ".xml")))
		lines = append(lines, rows...)
	}
	if !found {
		return "", fmt.Errorf("no worksheets in archive")
	}
	return strings.Join(lines, "\n"), nil
}

func rawSharedStrings(zr *zip.Reader) ([]string, error) {
	for _, f := range zr.File {
		if f.Name != "xl/sharedStrings.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open sharedStrings: %w", err)
		}
		defer rc.Close()
		return decodeSharedStrings(rc)
	}
	return nil, nil // workbook without shared strings is legal
}

func decodeSharedStrings(r io.Reader) ([]string, error) {
	decoder := xml.NewDecoder(r)
	var (
		strs    []string
		current strings.Builder
		inSI    bool
	)
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "si" {
				inSI = true
				current.Reset()
			}
		case xml.CharData:
			if inSI {
				current.Write(t)
			}
		case xml.EndElement:
			if t.Name.Local == "si" {
				inSI = false
				strs = append(strs, current.String())
			}
		}
	}
	return strs, nil
}

func rawSheetRows(f *zip.File, shared []string) ([]string, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)
	var (
		rows     []string
		cells    []string
		current  strings.Builder
		cellType string
		inValue  bool
	)
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "row":
				cells = cells[:0]
			case "c":
				cellType = ""
				for _, attr := range t.Attr {
					if attr.Name.Local == "t" {
						cellType = attr.Value
					}
				}
			case "v", "t":
				inValue = true
				current.Reset()
			}
		case xml.CharData:
			if inValue {
				current.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "v", "t":
				inValue = false
				val := current.String()
				if cellType == "s" {
					if idx, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && idx >= 0 && idx < len(shared) {
						val = shared[idx]
					}
				}
				cells = append(cells, val)
			case "row":
				if line, ok := joinRow(cells); ok {
					rows = append(rows, line)
				}
			}
		}
	}
	return rows, nil
}
