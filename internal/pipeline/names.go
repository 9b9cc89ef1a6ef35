package pipeline

import (
	"path/filepath"
	"strings"
)

// OutputName derives the download name: "report.pdf" becomes
// "report-compressed.pdf". Directory parts are dropped.
func OutputName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "document.pdf"
	}
	ext := filepath.Ext(base)
	if strings.EqualFold(ext, ".pdf") {
		base = strings.TrimSuffix(base, ext)
	}
	return base + "-compressed.pdf"
}
