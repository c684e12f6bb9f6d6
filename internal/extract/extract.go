// Package extract turns a single uploaded file into plain text, dispatching on
// the file extension.
package extract

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"code.sajari.com/docconv"
)

// Unsupported is returned as the text of any file whose extension has no extractor.
const Unsupported = "Unsupported file type"

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// IsImage reports whether name has an image extension. Images are never extracted.
func IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// FromFile extracts the text of the file at path. Unknown extensions yield
// Unsupported rather than an error; parse failures are returned as errors.
func FromFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return pdfText(path)
	case ".csv":
		return csvText(path)
	case ".xlsx":
		return xlsxText(path)
	case ".xls":
		return xlsText(path)
	case ".txt", ".py", ".js", ".md":
		return plainText(path)
	default:
		return Unsupported, nil
	}
}

// Clean drops byte sequences that are not valid UTF-8.
func Clean(s string) string {
	return strings.ToValidUTF8(s, "")
}

func plainText(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	return Clean(string(b)), nil
}

// PDFSupported reports whether the poppler-utils binaries docconv runs are
// on PATH.
func PDFSupported() bool {
	for _, bin := range []string{"pdftotext", "pdfinfo"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

// pdfText uses docconv, which shells out to pdftotext and pdfinfo.
func pdfText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	res, err := docconv.Convert(f, "application/pdf", false)
	if err != nil {
		return "", fmt.Errorf("pdf %s: %w", filepath.Base(path), err)
	}
	return joinPages(res.Body), nil
}

// joinPages puts each form-feed separated page on its own line, dropping the
// blank lines pdftotext leaves at the end of a page.
func joinPages(body string) string {
	pages := strings.Split(body, "\f")
	for i, p := range pages {
		pages[i] = strings.TrimRight(p, "\n")
	}
	return strings.TrimRight(strings.Join(pages, "\n"), "\n")
}
