package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ValidatePDF checks that the file at path parses as a PDF with at least
// one page. Uploads claiming to be PDFs that fail here are rejected before
// they reach storage (and audited as INVALID_PDF_UPLOAD by the caller).
func ValidatePDF(path string) (err error) {
	// The parser panics on some malformed inputs; a bad upload is a
	// validation failure, not a crash
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("opening pdf: %w", err)
	}

	// ledongthuc/pdf needs an io.ReaderAt plus size; *os.File provides both
	doc, err := pdf.NewReader(f, stat.Size())
	if err != nil {
		return fmt.Errorf("parsing pdf: %w", err)
	}
	if doc.NumPage() < 1 {
		return fmt.Errorf("pdf has no pages")
	}
	return nil
}

// IsPDF reports whether the file name claims PDF content
func IsPDF(fileName string) bool {
	return strings.ToLower(filepath.Ext(fileName)) == ".pdf"
}
