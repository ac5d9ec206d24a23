// Package extract converts stored files into plain text for segmentation.
package extract

import (
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// Sentinel texts returned instead of an error for extensions the default
// extractor cannot read. Ingestion stores them as-is so the entry still
// exists and can be re-extracted once a richer collaborator is plugged in.
const (
	SentinelOCRPending  = "[OCR not implemented yet]"
	SentinelUnsupported = "[Unsupported file type]"
)

// ocrThreshold is the minimum number of characters direct extraction must
// yield before the OCR fallback is skipped.
const ocrThreshold = 30

// Extractor turns a file into plain text. Unsupported extensions return a
// sentinel string, not an error; errors are reserved for unreadable files.
type Extractor interface {
	Extract(path, ext string) (string, error)
}

// Plain is the default extractor: it reads txt files directly and returns
// sentinels for image and pdf content until an OCR/pdf collaborator is
// configured.
type Plain struct{}

func (Plain) Extract(path, ext string) (string, error) {
	switch normalizeExt(ext) {
	case "txt", "md", "text":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read text file: %w", err)
		}
		return strings.ToValidUTF8(string(data), string(utf8.RuneError)), nil
	case "pdf", "png", "jpg", "jpeg":
		return SentinelOCRPending, nil
	default:
		return SentinelUnsupported, nil
	}
}

// OCRFunc produces text from an image or scanned document.
type OCRFunc func(path string) (string, error)

// WithOCRFallback wraps an extractor so that when direct extraction yields
// fewer than 30 characters, the OCR function takes a second pass. OCR
// failure falls back to the direct result.
func WithOCRFallback(inner Extractor, ocr OCRFunc) Extractor {
	return ocrFallback{inner: inner, ocr: ocr}
}

type ocrFallback struct {
	inner Extractor
	ocr   OCRFunc
}

func (f ocrFallback) Extract(path, ext string) (string, error) {
	text, err := f.inner.Extract(path, ext)
	if err != nil {
		return "", err
	}
	if utf8.RuneCountInString(strings.TrimSpace(text)) >= ocrThreshold || f.ocr == nil {
		return text, nil
	}
	if text == SentinelUnsupported {
		return text, nil
	}
	ocrText, ocrErr := f.ocr(path)
	if ocrErr != nil || strings.TrimSpace(ocrText) == "" {
		return text, nil
	}
	return ocrText, nil
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
