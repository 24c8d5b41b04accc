package storage

import (
	"path/filepath"
	"strings"
)

// detectContentType returns the MIME type for a WDL/report object based on
// its key extension.
func detectContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".wdl":
		return "text/plain"
	case ".zip":
		return "application/zip"
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".ipynb":
		return "application/x-ipynb+json"
	default:
		return "application/octet-stream"
	}
}
