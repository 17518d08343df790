package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// cellSeparator joins table cells in extracted text.
const cellSeparator = " | "

// docxText parses word/document.xml from the OOXML archive. Body paragraphs
// come first in document order, then table content row by row, matching how
// downstream metadata extraction expects notice documents to read.
//
// maxChars > 0 stops after roughly that many paragraph characters (the
// first-page approximation). withTables is false in that mode.
func docxText(data []byte, maxChars int, withTables bool) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}

	var docFile *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", fmt.Errorf("word/document.xml not found in archive")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	decoder := xml.NewDecoder(rc)

	var (
		paragraphs []string
		tableRows  []string
		cells      []string

		current    strings.Builder
		inPara     bool
		tableDepth int
		charCount  int
	)

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tableDepth++
			case "tr":
				if tableDepth > 0 {
					cells = cells[:0]
				}
			case "tc":
				if tableDepth > 0 {
					cells = append(cells, "")
				}
			case "p":
				inPara = true
				current.Reset()
			}

		case xml.CharData:
			if inPara {
				current.Write(t)
			}

		case xml.EndElement:
			switch t.Name.Local {
			case "p":
				if !inPara {
					continue
				}
				inPara = false
				text := strings.TrimSpace(current.String())
				if text == "" {
					continue
				}
				if tableDepth > 0 {
					if n := len(cells); n > 0 {
						if cells[n-1] != "" {
							cells[n-1] += " "
						}
						cells[n-1] += text
					}
					continue
				}
				paragraphs = append(paragraphs, text)
				charCount += len(text)
				if maxChars > 0 && charCount > maxChars {
					return strings.Join(paragraphs, "\n"), nil
				}
			case "tr":
				if tableDepth > 0 && len(cells) > 0 {
					tableRows = append(tableRows, strings.Join(cells, cellSeparator))
				}
			case "tbl":
				if tableDepth > 0 {
					tableDepth--
				}
			}
		}
	}

	parts := paragraphs
	if withTables {
		parts = append(parts, tableRows...)
	}
	return strings.Join(parts, "\n"), nil
}
