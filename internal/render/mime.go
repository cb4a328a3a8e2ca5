package render

import (
	"net/http"
	"path/filepath"
	"strings"
)

const (
	mimePDF  = "application/pdf"
	mimePNG  = "image/png"
	mimeJPEG = "image/jpeg"
	mimeGIF  = "image/gif"
	mimeWEBP = "image/webp"
)

// NormalizeContentType resolves the effective media type of a payload from
// the declared type, the sniffed bytes and the file extension, in that order.
func NormalizeContentType(declared, fileName string, data []byte) string {
	clean := strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))
	if supported(clean) {
		return clean
	}
	if len(data) > 0 {
		sniffed := strings.Split(http.DetectContentType(data), ";")[0]
		if supported(sniffed) {
			return sniffed
		}
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return mimePDF
	case ".png":
		return mimePNG
	case ".jpg", ".jpeg":
		return mimeJPEG
	case ".gif":
		return mimeGIF
	case ".webp":
		return mimeWEBP
	}
	if clean == "" {
		return "application/octet-stream"
	}
	return clean
}

func supported(mime string) bool {
	switch mime {
	case mimePDF, mimePNG, mimeJPEG, mimeGIF, mimeWEBP:
		return true
	default:
		return false
	}
}
